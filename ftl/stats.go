package ftl

import (
	"encoding/binary"
)

// Stats counts ftl activity. Like the vfl counters they are written to the
// digest page on commit and accumulated on open.
type Stats struct {
	ReadCalls    uint64 `yaml:"read_calls"`
	PagesRead    uint64 `yaml:"pages_read"`
	WriteCalls   uint64 `yaml:"write_calls"`
	PagesWritten uint64 `yaml:"pages_written"`
	SwitchMerges uint64 `yaml:"switch_merges"`
	CopyMerges   uint64 `yaml:"copy_merges"`
	BlocksFreed  uint64 `yaml:"blocks_freed"`
	EccErrors    uint64 `yaml:"ecc_errors"`
	Commits      uint64 `yaml:"commits"`
}

const StatsSize = 9 * 8

func (s *Stats) counters() []*uint64 {
	return []*uint64{
		&s.ReadCalls, &s.PagesRead, &s.WriteCalls, &s.PagesWritten,
		&s.SwitchMerges, &s.CopyMerges, &s.BlocksFreed, &s.EccErrors,
		&s.Commits,
	}
}

func (s *Stats) Encode(p []byte) {
	for i, c := range s.counters() {
		binary.LittleEndian.PutUint64(p[8*i:], *c)
	}
}

func (s *Stats) Add(p []byte) {
	for i, c := range s.counters() {
		*c += binary.LittleEndian.Uint64(p[8*i:])
	}
}
