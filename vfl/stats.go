package vfl

import (
	"encoding/binary"
)

// Stats counts VFL activity. The counters are persisted in the ftl digest
// page and summed into the in-memory values on open.
type Stats struct {
	ReadCalls     uint64 `yaml:"read_calls"`
	PagesRead     uint64 `yaml:"pages_read"`
	WriteCalls    uint64 `yaml:"write_calls"`
	PagesWritten  uint64 `yaml:"pages_written"`
	EraseCalls    uint64 `yaml:"erase_calls"`
	WriteFailures uint64 `yaml:"write_failures"`
	BankResets    uint64 `yaml:"bank_resets"`
}

// StatsSize is the encoded size of Stats.
const StatsSize = 7 * 8

func (s *Stats) counters() []*uint64 {
	return []*uint64{
		&s.ReadCalls, &s.PagesRead, &s.WriteCalls, &s.PagesWritten,
		&s.EraseCalls, &s.WriteFailures, &s.BankResets,
	}
}

func (s *Stats) Encode(p []byte) {
	for i, c := range s.counters() {
		binary.LittleEndian.PutUint64(p[8*i:], *c)
	}
}

// Add sums encoded counters from p into s.
func (s *Stats) Add(p []byte) {
	for i, c := range s.counters() {
		*c += binary.LittleEndian.Uint64(p[8*i:])
	}
}
