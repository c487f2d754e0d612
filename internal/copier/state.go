// Package copier implements the parallel segment-copy engine: segment
// dispatch, the per-worker read/write pipeline, write ordering, buffer
// sharing between sg endpoints, and the signal driven teardown.
package copier

import (
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/scsitools/sghdd/internal/blockdev"
	"github.com/scsitools/sghdd/internal/config"
	"github.com/scsitools/sghdd/internal/scsi"
	"github.com/scsitools/sghdd/internal/sgio"
)

// sgOpener opens one sg endpoint with the side's flags. Swapped out by
// tests to drive workers against a scripted transport.
type sgOpener func(path string, flags config.SideFlags) (sgio.Handle, error)

// side is the per-direction half of the shared state. All fields except the
// endpoint descriptors are guarded by Mu.
type side struct {
	Mu sync.Mutex

	File  *os.File    // ordinary endpoint (shared by all workers)
	Dev   sgio.Handle // global sg endpoint (used directly under same_fds)
	Path  string
	Kind  blockdev.Kind
	Flags config.SideFlags

	Start   int64 // first LBA (skip on input, seek on output)
	Count   int64 // blocks still to be dispatched on this side
	Rem     int64 // blocks not yet accounted complete
	Partial int64 // final short-transfer block tally
	Stop    bool

	// Diagnostics for this side's sg commands.
	DioIncomplete int64
	ResidSum      int64
}

// State is the single shared value every worker references (no hidden
// singletons besides the two atomic counters).
type State struct {
	Bs    int
	Bpt   int
	Total int64 // resolved block count; >= 0 once Run starts

	In  side
	Out side

	// OutBlk is the next expected write LBA, guarded by Out.Mu and watched
	// through OutOrder.
	OutBlk   int64
	OutOrder *sync.Cond

	// FirstDone flips when the bootstrap worker has pushed its first segment
	// through the gate; the controller then releases the remaining workers.
	FirstDone bool

	// Secondary output.
	Out2Mu   sync.Mutex
	Out2File *os.File
	Out2Dev  sgio.Handle
	Out2Path string
	Out2Kind blockdev.Kind

	// Register output; receives a copy of every read payload. Never sg.
	OutReg *os.File

	PosIndex  atomic.Int64
	PackIDSeq atomic.Int64

	exitStatus atomic.Int32

	Opts   *config.Options
	openSg sgOpener
	Log    *zap.SugaredLogger
}

// NewState wires an empty state for the given options.
func NewState(opts *config.Options, log *zap.SugaredLogger) *State {
	s := &State{
		Bs:   opts.Bs,
		Bpt:  opts.Bpt,
		Opts: opts,
		Log:  log,
	}
	s.In.Flags = opts.InFlags
	s.In.Start = opts.Skip
	s.Out.Flags = opts.OutFlags
	s.Out.Start = opts.Seek
	s.OutOrder = sync.NewCond(&s.Out.Mu)
	s.openSg = defaultSgOpener(opts, log)
	return s
}

func defaultSgOpener(opts *config.Options, log *zap.SugaredLogger) sgOpener {
	return func(path string, flags config.SideFlags) (sgio.Handle, error) {
		dev, err := sgio.Open(path, openFlags(flags), iface(flags), log)
		if err != nil {
			return nil, err
		}
		if err := dev.Configure(opts.Bs*opts.Bpt, opts.ElemSizeKb*1024, flags.Defres); err != nil {
			dev.Close()
			return nil, err
		}
		return dev, nil
	}
}

// NextPackID hands out the strictly increasing per-command tag.
func (s *State) NextPackID() int {
	return int(s.PackIDSeq.Add(1))
}

// SetExitStatus records the first fatal category of the run.
func (s *State) SetExitStatus(cat scsi.Category) {
	s.exitStatus.CompareAndSwap(0, int32(cat))
}

// ExitStatus returns the recorded category, resolving the "blocks remain but
// nothing else failed" case to the generic other category.
func (s *State) ExitStatus() scsi.Category {
	cat := scsi.Category(s.exitStatus.Load())
	if cat != scsi.CatClean {
		return cat
	}
	s.Out.Mu.Lock()
	rem := s.Out.Rem
	s.Out.Mu.Unlock()
	if rem > 0 {
		return scsi.CatOther
	}
	return scsi.CatClean
}

// FatalStop records cat, raises both stop flags and wakes every worker
// parked on the ordering gate.
func (s *State) FatalStop(cat scsi.Category) {
	s.SetExitStatus(cat)
	s.StopAll()
}

// StopAll raises both stop flags and broadcasts the ordering condition so no
// worker stays blocked.
func (s *State) StopAll() {
	s.In.Mu.Lock()
	s.In.Stop = true
	s.In.Mu.Unlock()
	s.Out.Mu.Lock()
	s.Out.Stop = true
	s.Out.Mu.Unlock()
	s.OutOrder.Broadcast()
}

// Progress is a point-in-time statistics snapshot.
type Progress struct {
	Total      int64
	InFull     int64
	InPartial  int64
	OutFull    int64
	OutPartial int64
	DioIncomp  int64
	ResidSum   int64
}

// Snapshot collects the dd-style counters under both side mutexes.
func (s *State) Snapshot() Progress {
	var p Progress
	p.Total = s.Total
	s.In.Mu.Lock()
	read := s.Total - s.In.Rem
	p.InPartial = s.In.Partial
	p.InFull = read - p.InPartial
	p.ResidSum = s.In.ResidSum
	p.DioIncomp = s.In.DioIncomplete
	s.In.Mu.Unlock()
	s.Out.Mu.Lock()
	written := s.Total - s.Out.Rem
	p.OutPartial = s.Out.Partial
	p.OutFull = written - p.OutPartial
	p.DioIncomp += s.Out.DioIncomplete
	p.ResidSum += s.Out.ResidSum
	s.Out.Mu.Unlock()
	return p
}

// shareActive reports whether kernel buffer sharing applies to this run:
// both endpoints are sg, the v4 interface is in use, and neither side opted
// out.
func (s *State) shareActive() bool {
	return s.In.Kind == blockdev.KindSg && s.Out.Kind == blockdev.KindSg &&
		s.In.Flags.V4 && s.Out.Flags.V4 &&
		!s.In.Flags.Noshare && !s.Out.Flags.Noshare
}

// skipOrdering reports whether the ordering gate may be bypassed: with a
// shared buffer and no register copy, pack-id pairing inside the kernel
// already serialises the write stream.
func (s *State) skipOrdering() bool {
	return s.shareActive() && s.OutReg == nil
}
