// Package config parses the dd-style name=value operands and comma separated
// flag lists into the options the copier runs with.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/c2h5oh/datasize"
)

// Defaults.
const (
	DefBlockSize  = 512
	DefBpt        = 128
	DefBptHighBs  = 32
	DefCdbSize    = 10
	DefThreads    = 4
	MaxThreads    = 16
	MinElemSizeKb = 4
	DefElemSizeKb = 32
)

// ErrSyntax marks operand parse and validation failures; the process exits
// with the syntax category when it sees one.
var ErrSyntax = errors.New("operand error")

// SideFlags is the per-side iflag=/oflag= set.
type SideFlags struct {
	Append  bool `yaml:"append"`
	Coe     bool `yaml:"coe"`
	Defres  bool `yaml:"defres"`
	Dio     bool `yaml:"dio"`
	Direct  bool `yaml:"direct"`
	Dpo     bool `yaml:"dpo"`
	Dsync   bool `yaml:"dsync"`
	Excl    bool `yaml:"excl"`
	Fua     bool `yaml:"fua"`
	Mmap    bool `yaml:"mmap"`
	Noshare bool `yaml:"noshare"`
	Noxfer  bool `yaml:"noxfer"`
	Null    bool `yaml:"-"`
	SameFds bool `yaml:"same_fds"`
	Swait   bool `yaml:"swait"`
	V3      bool `yaml:"v3"`
	V4      bool `yaml:"v4"`
}

func (f *SideFlags) set(name string) error {
	switch name {
	case "append":
		f.Append = true
	case "coe":
		f.Coe = true
	case "defres":
		f.Defres = true
	case "dio":
		f.Dio = true
	case "direct":
		f.Direct = true
	case "dpo":
		f.Dpo = true
	case "dsync":
		f.Dsync = true
	case "excl":
		f.Excl = true
	case "fua":
		f.Fua = true
	case "mmap":
		f.Mmap = true
	case "noshare":
		f.Noshare = true
	case "noxfer":
		f.Noxfer = true
	case "null":
		f.Null = true
	case "same_fds":
		f.SameFds = true
	case "swait":
		f.Swait = true
	case "v3":
		f.V3 = true
	case "v4":
		f.V4 = true
	default:
		return fmt.Errorf("unknown flag %q: %w", name, ErrSyntax)
	}
	return nil
}

// Options is everything the command line configures.
type Options struct {
	Bs    int
	Bpt   int
	Count int64 // -1 means discover via capacity
	Skip  int64
	Seek  int64

	CdbSize      int
	CdbSizeGiven bool
	BptGiven     bool

	Threads    int
	Coe        bool
	Dio        bool
	Sync       bool
	Time       bool
	AbortEvery int
	ElemSizeKb int

	In     string
	Out    string
	Out2   string
	OutReg string

	InFlags  SideFlags
	OutFlags SideFlags

	Verbose int
	DryRun  bool
}

// DefaultOptions returns the options an empty command line implies. The
// primary output defaults to the null sink, which differs from classical dd
// on purpose: an sg copier pointed at the wrong disk is expensive.
func DefaultOptions() *Options {
	return &Options{
		Bs:         DefBlockSize,
		Count:      -1,
		CdbSize:    DefCdbSize,
		Threads:    DefThreads,
		ElemSizeKb: DefElemSizeKb,
		Out:        ".",
	}
}

// Parse applies name=value operands onto o in order.
func Parse(o *Options, operands []string) error {
	var ibs, obs int
	for _, op := range operands {
		name, value, found := strings.Cut(op, "=")
		if !found {
			return fmt.Errorf("operand %q is not name=value: %w", op, ErrSyntax)
		}
		var err error
		switch name {
		case "bs":
			o.Bs, err = parseSize(value)
		case "ibs":
			ibs, err = parseSize(value)
		case "obs":
			obs, err = parseSize(value)
		case "count":
			o.Count, err = parseInt64(value)
		case "skip":
			o.Skip, err = parseInt64(value)
		case "seek":
			o.Seek, err = parseInt64(value)
		case "bpt":
			o.Bpt, err = parseInt(value)
			o.BptGiven = true
		case "cdbsz":
			o.CdbSize, err = parseInt(value)
			o.CdbSizeGiven = true
		case "thr":
			o.Threads, err = parseInt(value)
		case "fua":
			var mask int
			mask, err = parseInt(value)
			o.OutFlags.Fua = mask&1 != 0
			o.InFlags.Fua = mask&2 != 0
		case "coe":
			o.Coe, err = parseBool(value)
		case "dio":
			o.Dio, err = parseBool(value)
		case "sync":
			o.Sync, err = parseBool(value)
		case "time":
			o.Time, err = parseBool(value)
		case "ae":
			o.AbortEvery, err = parseInt(value)
		case "elemsz_kb":
			o.ElemSizeKb, err = parseInt(value)
		case "if":
			o.In = value
		case "of":
			o.Out = value
		case "of2":
			o.Out2 = value
		case "ofreg":
			o.OutReg = value
		case "iflag":
			err = parseFlagList(&o.InFlags, value)
		case "oflag":
			err = parseFlagList(&o.OutFlags, value)
		case "deb", "verbose":
			o.Verbose, err = parseInt(value)
		default:
			return fmt.Errorf("unknown operand %q: %w", name, ErrSyntax)
		}
		if err != nil {
			return fmt.Errorf("operand %s=%s: %w", name, value, err)
		}
	}

	if ibs != 0 && ibs != o.Bs {
		return fmt.Errorf("ibs=%d must equal bs=%d: %w", ibs, o.Bs, ErrSyntax)
	}
	if obs != 0 && obs != o.Bs {
		return fmt.Errorf("obs=%d must equal bs=%d: %w", obs, o.Bs, ErrSyntax)
	}
	return nil
}

func parseFlagList(f *SideFlags, csv string) error {
	for _, name := range strings.Split(csv, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if err := f.set(name); err != nil {
			return err
		}
	}
	return nil
}

func parseSize(s string) (int, error) {
	var v datasize.ByteSize
	if err := v.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("bad size %q: %w", s, ErrSyntax)
	}
	return int(v.Bytes()), nil
}

func parseInt(s string) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad number %q: %w", s, ErrSyntax)
	}
	return v, nil
}

func parseInt64(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q: %w", s, ErrSyntax)
	}
	return v, nil
}

func parseBool(s string) (bool, error) {
	switch s {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, fmt.Errorf("bad boolean %q (want 0 or 1): %w", s, ErrSyntax)
}

// Finish fills derived defaults and checks operand consistency. Endpoint
// kind dependent rules (swait needs sg on both ends, capacity discovery) are
// enforced later, once the files are open.
func (o *Options) Finish() error {
	if o.Bs < 1 {
		return fmt.Errorf("bs must be at least 1: %w", ErrSyntax)
	}
	if !o.BptGiven {
		o.Bpt = DefBpt
		if o.Bs >= 2048 {
			o.Bpt = DefBptHighBs
		}
	}
	if o.Bpt < 1 {
		return fmt.Errorf("bpt must be at least 1: %w", ErrSyntax)
	}
	if o.Threads < 1 || o.Threads > MaxThreads {
		return fmt.Errorf("thr must be in [1, %d]: %w", MaxThreads, ErrSyntax)
	}
	if o.Count < -1 {
		return fmt.Errorf("count must be -1 or non-negative: %w", ErrSyntax)
	}
	if o.Skip < 0 || o.Seek < 0 {
		return fmt.Errorf("skip and seek must be non-negative: %w", ErrSyntax)
	}
	if o.ElemSizeKb < MinElemSizeKb {
		return fmt.Errorf("elemsz_kb must be at least %d: %w", MinElemSizeKb, ErrSyntax)
	}
	if o.AbortEvery < 0 {
		return fmt.Errorf("ae must be non-negative: %w", ErrSyntax)
	}

	switch o.CdbSize {
	case 6, 10, 12, 16:
	default:
		return fmt.Errorf("cdbsz must be 6, 10, 12 or 16: %w", ErrSyntax)
	}

	// The global coe/dio operands apply to both sides.
	if o.Coe {
		o.InFlags.Coe = true
		o.OutFlags.Coe = true
	}
	if o.Dio {
		o.InFlags.Dio = true
		o.OutFlags.Dio = true
	}

	if o.InFlags.Swait {
		return fmt.Errorf("swait is an output flag: %w", ErrSyntax)
	}
	if o.InFlags.Append {
		return fmt.Errorf("append is an output flag: %w", ErrSyntax)
	}
	if o.InFlags.Mmap && o.OutFlags.Mmap {
		return fmt.Errorf("mmap cannot be set on both sides: %w", ErrSyntax)
	}
	if o.OutFlags.Mmap && !(o.InFlags.Noshare || o.OutFlags.Noshare) {
		return fmt.Errorf("mmap on output requires noshare on one side: %w", ErrSyntax)
	}
	// Workers sharing the global fds position with the pack id, not the file
	// offset, so an mmap'd reserved buffer per fd cannot be multiplexed.
	if (o.InFlags.SameFds || o.OutFlags.SameFds) && (o.InFlags.Mmap || o.OutFlags.Mmap) {
		return fmt.Errorf("same_fds and mmap cannot be combined: %w", ErrSyntax)
	}
	if o.InFlags.V3 && o.InFlags.V4 {
		return fmt.Errorf("iflag cannot name both v3 and v4: %w", ErrSyntax)
	}
	if o.OutFlags.V3 && o.OutFlags.V4 {
		return fmt.Errorf("oflag cannot name both v3 and v4: %w", ErrSyntax)
	}
	// One side on v4 promotes the other unless it is pinned to v3.
	if o.InFlags.V4 && !o.OutFlags.V3 {
		o.OutFlags.V4 = true
	}
	if o.OutFlags.V4 && !o.InFlags.V3 {
		o.InFlags.V4 = true
	}

	if o.InFlags.Null {
		return fmt.Errorf("null is an output flag: %w", ErrSyntax)
	}
	if o.OutFlags.Null {
		o.Out = "."
	}

	// Promote the CDB size when the addressed ranges need more than 32 bits
	// and the user did not pin a size.
	if !o.CdbSizeGiven && o.Count > 0 {
		if rangeNeeds16(o.Skip, o.Count) || rangeNeeds16(o.Seek, o.Count) {
			o.CdbSize = 16
		}
	}
	return nil
}

func rangeNeeds16(start, count int64) bool {
	return uint64(start)+uint64(count) > 1<<32
}

// PromoteCdbForRange re-checks the CDB size after capacity discovery fixed
// the final count.
func (o *Options) PromoteCdbForRange() {
	if !o.CdbSizeGiven && o.Count > 0 &&
		(rangeNeeds16(o.Skip, o.Count) || rangeNeeds16(o.Seek, o.Count)) {
		o.CdbSize = 16
	}
}
