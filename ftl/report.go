package ftl

import (
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	sha256 "github.com/minio/sha256-simd"
	"gopkg.in/yaml.v3"

	"github.com/akmistry/nandftl"
	"github.com/akmistry/nandftl/vfl"
)

// LogReport describes one active log block. Pages maps logical page
// offsets to the virtual page holding them.
type LogReport struct {
	Slot      int            `yaml:"slot"`
	Lbn       uint16         `yaml:"lbn"`
	Vbn       uint16         `yaml:"vbn"`
	PagesUsed uint16         `yaml:"pages_used"`
	Usn       uint32         `yaml:"usn"`
	Pages     map[int]uint32 `yaml:"pages"`
}

type BankReport struct {
	Bank                    int               `yaml:"bank"`
	UsnInc                  uint32            `yaml:"usn_inc"`
	UsnDec                  uint32            `yaml:"usn_dec"`
	ActiveCxtBlock          uint16            `yaml:"active_cxt_block"`
	NextCxtPage             uint16            `yaml:"next_cxt_page"`
	CxtBlocks               []uint16          `yaml:"cxt_blocks"`
	WriteFailures           uint16            `yaml:"write_failures"`
	NumReservedBlocks       uint16            `yaml:"num_reserved_blocks"`
	RemappingScheduledStart uint16            `yaml:"remapping_scheduled_start"`
	Remapped                map[uint16]uint16 `yaml:"remapped,omitempty"`
}

// Report is a snapshot of both translation layers.
type Report struct {
	Geometry nandftl.Geometry `yaml:"geometry"`

	UsnDec         uint32   `yaml:"usn_dec"`
	Usn            uint32   `yaml:"usn"`
	NextFreeIdx    uint16   `yaml:"next_free_idx"`
	NumFreeVb      uint16   `yaml:"num_free_vb"`
	DirtyCount     uint16   `yaml:"dirty_count"`
	CtrlPage       uint32   `yaml:"ctrl_page"`
	CtrlBlocks     []uint16 `yaml:"ctrl_blocks"`
	Clean          bool     `yaml:"clean"`
	Version        string   `yaml:"version"`
	StatsPage      uint32   `yaml:"stats_page"`
	StatsValid     uint32   `yaml:"stats_valid"`
	TotalReadCount uint64   `yaml:"total_read_count"`

	FreeVb      []uint16       `yaml:"free_vb"`
	ErasePages  []uint32       `yaml:"erase_pages"`
	ReadPages   []uint32       `yaml:"read_pages"`
	MapPages    []uint32       `yaml:"map_pages"`
	OffsetPages []uint32       `yaml:"offset_pages"`
	Refresh     []RefreshEntry `yaml:"refresh,omitempty"`
	Logs        []LogReport    `yaml:"logs"`

	MapTable    []uint16 `yaml:"map_table"`
	ReadCounts  []uint16 `yaml:"read_counts"`
	EraseCounts []uint16 `yaml:"erase_counts"`

	// Fingerprints are sha256 digests of the encoded tables, for comparing
	// images without diffing every entry.
	Fingerprints map[string]string `yaml:"fingerprints"`

	Banks    []BankReport `yaml:"banks"`
	Stats    Stats        `yaml:"stats"`
	VFLStats vfl.Stats    `yaml:"vfl_stats"`
}

func fingerprint(p []byte) string {
	sum := sha256.Sum256(p)
	return hex.EncodeToString(sum[:])
}

// Report snapshots the current state. Setup must have succeeded.
func (f *Ftl) Report() (*Report, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if !f.ready {
		return nil, nandftl.E("ftl.Report", nandftl.KindArgument, errNotReady)
	}
	c := f.cxt.clone()

	r := &Report{
		Geometry:       f.geo,
		UsnDec:         c.UsnDec,
		Usn:            c.Usn,
		NextFreeIdx:    c.NextFreeIdx,
		NumFreeVb:      c.NumFreeVb,
		DirtyCount:     c.DirtyCount,
		CtrlPage:       c.CtrlPage,
		CtrlBlocks:     c.CtrlBlock[:],
		Clean:          c.Clean,
		Version:        fmt.Sprintf("%08x:%08x", c.VersionLower, c.VersionUpper),
		StatsPage:      c.StatsPage,
		StatsValid:     c.StatsValid,
		TotalReadCount: c.TotalReadCount,
		ErasePages:     c.ErasePages,
		ReadPages:      c.ReadPages,
		MapPages:       c.MapPages,
		OffsetPages:    c.OffsetPages,
		MapTable:       c.MapTable,
		ReadCounts:     c.ReadCounters,
		EraseCounts:    c.EraseCounters,
		Stats:          f.Stats,
		VFLStats:       f.vfl.Stats,
	}

	for i := 0; i < int(c.NumFreeVb) && i < FreeRingSize; i++ {
		r.FreeVb = append(r.FreeVb, c.FreeVb[(int(c.NextFreeIdx)+i)%FreeRingSize])
	}
	for _, e := range c.Refresh {
		if e != emptyRefresh {
			r.Refresh = append(r.Refresh, e)
		}
	}
	for i := range c.Logs {
		l := &c.Logs[i]
		if !l.Active {
			continue
		}
		lr := LogReport{
			Slot:      i,
			Lbn:       l.Lbn,
			Vbn:       l.Vbn,
			PagesUsed: l.PagesUsed,
			Usn:       l.Usn,
			Pages:     make(map[int]uint32),
		}
		for off, o := range l.Offsets {
			if o != EmptyOffset {
				lr.Pages[off] = f.vpn(l.Vbn, int(o))
			}
		}
		r.Logs = append(r.Logs, lr)
	}

	r.Fingerprints = map[string]string{
		"map":     fingerprint(encodeU16s(c.MapTable)),
		"erase":   fingerprint(encodeU16s(c.EraseCounters)),
		"read":    fingerprint(encodeU16s(c.ReadCounters)),
		"offsets": fingerprint(c.encodeOffsets()),
	}

	for bank := 0; bank < f.geo.Banks; bank++ {
		vc := f.vfl.Context(bank)
		br := BankReport{
			Bank:                    bank,
			UsnInc:                  vc.UsnInc,
			UsnDec:                  vc.UsnDec,
			ActiveCxtBlock:          vc.ActiveCxtBlock,
			NextCxtPage:             vc.NextCxtPage,
			CxtBlocks:               vc.CxtBlocks[:],
			WriteFailures:           vc.WriteFailures,
			NumReservedBlocks:       vc.NumReservedBlocks,
			RemappingScheduledStart: vc.RemappingScheduledStart,
		}
		for i, s := range vc.Pool {
			if i >= int(vc.TotalReservedBlocks) {
				break
			}
			if s.State != vfl.SlotMapped {
				continue
			}
			if br.Remapped == nil {
				br.Remapped = make(map[uint16]uint16)
			}
			br.Remapped[s.Block] = vc.ReservedBlockPoolStart + uint16(i)
		}
		r.Banks = append(r.Banks, br)
	}
	return r, nil
}

// WriteYAML writes the report as a yaml document.
func (r *Report) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return err
	}
	return enc.Close()
}

func writeRow(w io.Writer, name string, vals []uint16) {
	fmt.Fprintf(w, "%s:", name)
	for i, v := range vals {
		if i%16 == 0 {
			fmt.Fprintf(w, "\n  %4d:", i)
		}
		fmt.Fprintf(w, " %04x", v)
	}
	fmt.Fprintln(w)
}

// WriteText writes the report in a compact human readable form.
func (r *Report) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "usnDec %08x usn %08x nextFreeIdx %d dirty %d ctrlPage %d clean %v\n",
		r.UsnDec, r.Usn, r.NextFreeIdx, r.DirtyCount, r.CtrlPage, r.Clean)
	fmt.Fprintf(w, "version %s statsPage %d statsValid %08x totalReadCount %d\n",
		r.Version, r.StatsPage, r.StatsValid, r.TotalReadCount)
	fmt.Fprintf(w, "ctrl blocks %v\n", r.CtrlBlocks)
	fmt.Fprintf(w, "free blocks (%d) %v\n", len(r.FreeVb), r.FreeVb)
	fmt.Fprintf(w, "erase pages %v read pages %v map pages %v offset pages %v\n",
		r.ErasePages, r.ReadPages, r.MapPages, r.OffsetPages)
	for _, e := range r.Refresh {
		fmt.Fprintf(w, "refresh lbn %d vbn %d\n", e.Lbn, e.Vbn)
	}
	for _, l := range r.Logs {
		fmt.Fprintf(w, "log %d: lbn %d vbn %d used %d usn %d\n", l.Slot, l.Lbn, l.Vbn, l.PagesUsed, l.Usn)
		offs := make([]int, 0, len(l.Pages))
		for off := range l.Pages {
			offs = append(offs, off)
		}
		sort.Ints(offs)
		for _, off := range offs {
			fmt.Fprintf(w, "  page %d -> vpn %d\n", off, l.Pages[off])
		}
	}
	writeRow(w, "map", r.MapTable)
	writeRow(w, "read counts", r.ReadCounts)
	writeRow(w, "erase counts", r.EraseCounts)

	names := make([]string, 0, len(r.Fingerprints))
	for k := range r.Fingerprints {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(w, "sha256 %-8s %s\n", k, r.Fingerprints[k])
	}

	for _, b := range r.Banks {
		fmt.Fprintf(w, "bank %d: usnInc %d usnDec %08x cxt %v active %d next page %d\n",
			b.Bank, b.UsnInc, b.UsnDec, b.CxtBlocks, b.ActiveCxtBlock, b.NextCxtPage)
		fmt.Fprintf(w, "  write failures %d reserved %d scheduled start %d remapped %v\n",
			b.WriteFailures, b.NumReservedBlocks, b.RemappingScheduledStart, b.Remapped)
	}
	_, err := fmt.Fprintf(w, "stats %+v\nvfl stats %+v\n", r.Stats, r.VFLStats)
	return err
}

// Dump writes a text report of the current state to w.
func (f *Ftl) Dump(w io.Writer) error {
	r, err := f.Report()
	if err != nil {
		return err
	}
	return r.WriteText(w)
}
