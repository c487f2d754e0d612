package copier

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/scsitools/sghdd/internal/blockdev"
	"github.com/scsitools/sghdd/internal/config"
	"github.com/scsitools/sghdd/internal/scsi"
	"github.com/scsitools/sghdd/internal/sgio"
)

// recvWriteFirst fixes the receive order of the interleaved (swait) mode:
// with it set the write completion is collected before the read completion.
const recvWriteFirst = true

const senseLen = 64

// worker is the per-thread request element, reused across every segment the
// worker processes.
type worker struct {
	s   *State
	id  int
	log *zap.SugaredLogger

	inDev  sgio.Handle
	outDev sgio.Handle
	ownIn  bool
	ownOut bool

	inFile  *os.File
	outFile *os.File
	ownInF  bool
	ownOutF bool

	buf      []byte
	mmapView bool
	hasShare bool
	swait    bool

	inSense  [senseLen]byte
	outSense [senseLen]byte

	reqCount       int
	stopAfterWrite bool
}

// alignedBuf returns a page aligned payload buffer; sg direct and mmap IO
// reject unaligned user memory.
func alignedBuf(size int) []byte {
	align := os.Getpagesize()
	raw := make([]byte, size+align)
	off := int(uintptr(unsafe.Pointer(&raw[0])) % uintptr(align))
	if off != 0 {
		off = align - off
	}
	return raw[off : off+size : off+size]
}

// newWorker opens the per-worker endpoints and establishes the share link.
func newWorker(s *State, id int) (*worker, error) {
	w := &worker{
		s:   s,
		id:  id,
		log: s.Log.With("worker", id),
	}

	if err := w.setupInput(); err != nil {
		return nil, err
	}
	if err := w.setupOutput(); err != nil {
		w.cleanup()
		return nil, err
	}

	w.swait = s.Out.Flags.Swait && w.hasShare

	if err := w.setupBuffer(); err != nil {
		w.cleanup()
		return nil, err
	}
	return w, nil
}

func (w *worker) setupInput() error {
	s := w.s
	switch s.In.Kind {
	case blockdev.KindSg:
		if s.In.Flags.SameFds {
			w.inDev = s.In.Dev
			return nil
		}
		dev, err := s.openSg(s.In.Path, s.In.Flags)
		if err != nil {
			return fmt.Errorf("worker %d: %w", w.id, err)
		}
		w.inDev = dev
		w.ownIn = true
	case blockdev.KindStdin, blockdev.KindFifo, blockdev.KindNull:
		w.inFile = s.In.File
	default:
		if s.In.Flags.SameFds {
			w.inFile = s.In.File
			return nil
		}
		f, err := os.OpenFile(s.In.Path, os.O_RDONLY|openFlags(s.In.Flags), 0)
		if err != nil {
			return fmt.Errorf("worker %d: failed to reopen input: %w", w.id, err)
		}
		w.inFile = f
		w.ownInF = true
	}
	return nil
}

func (w *worker) setupOutput() error {
	s := w.s
	switch s.Out.Kind {
	case blockdev.KindSg:
		if s.Out.Flags.SameFds {
			w.outDev = s.Out.Dev
		} else {
			dev, err := s.openSg(s.Out.Path, s.Out.Flags)
			if err != nil {
				return fmt.Errorf("worker %d: %w", w.id, err)
			}
			w.outDev = dev
			w.ownOut = true
		}
		if s.shareActive() {
			if err := w.outDev.ShareWith(w.inDev.Fd()); err != nil {
				w.log.Warnf("buffer share unavailable, copying through user space: %v", err)
			} else {
				w.hasShare = true
			}
		}
	case blockdev.KindNull:
	case blockdev.KindStdout, blockdev.KindFifo:
		w.outFile = s.Out.File
	default:
		if s.Out.Flags.SameFds {
			w.outFile = s.Out.File
			return nil
		}
		flags := os.O_WRONLY | openFlags(s.Out.Flags)
		f, err := os.OpenFile(s.Out.Path, flags, 0)
		if err != nil {
			return fmt.Errorf("worker %d: failed to reopen output: %w", w.id, err)
		}
		w.outFile = f
		w.ownOutF = true
	}
	return nil
}

func (w *worker) setupBuffer() error {
	s := w.s
	size := s.Bs * s.Bpt
	switch {
	case s.In.Flags.Mmap:
		buf, err := w.inDev.MmapReserved()
		if err != nil {
			return fmt.Errorf("worker %d: %w", w.id, err)
		}
		w.buf = buf[:size]
		w.mmapView = true
	case s.Out.Flags.Mmap:
		buf, err := w.outDev.MmapReserved()
		if err != nil {
			return fmt.Errorf("worker %d: %w", w.id, err)
		}
		w.buf = buf[:size]
		w.mmapView = true
	case w.hasShare && s.OutReg != nil:
		// The register copy reads the kernel buffer through its mapping;
		// payload bytes still never take the user-space round trip.
		buf, err := w.inDev.MmapReserved()
		if err != nil {
			return fmt.Errorf("worker %d: %w", w.id, err)
		}
		w.buf = buf[:size]
		w.mmapView = true
	case w.hasShare:
		// Data stays in the kernel; no user buffer at all.
	default:
		w.buf = alignedBuf(size)
	}
	return nil
}

func (w *worker) cleanup() {
	if w.ownIn && w.inDev != nil {
		w.inDev.Close()
	}
	if w.ownOut && w.outDev != nil {
		w.outDev.Close()
	}
	if w.ownInF && w.inFile != nil {
		w.inFile.Close()
	}
	if w.ownOutF && w.outFile != nil {
		w.outFile.Close()
	}
}

// run is the worker loop: claim a segment, read it, gate, write it, repeat
// until the input is exhausted or a stop is broadcast.
func (w *worker) run() error {
	defer w.cleanup()
	s := w.s

	for {
		s.In.Mu.Lock()
		seg, ok := s.nextSegment()
		if !ok {
			s.In.Mu.Unlock()
			return nil
		}

		if w.swait {
			// Interleaved mode covers both directions in one step.
			if err := w.interleaved(&seg); err != nil {
				return err
			}
		} else {
			if err := w.read(&seg); err != nil {
				return err
			}
			if seg.blocks > 0 {
				if err := w.write(&seg); err != nil {
					return err
				}
			}
		}

		s.markFirstDone()

		if w.stopAfterWrite {
			return nil
		}
	}
}

func (s *State) markFirstDone() {
	s.Out.Mu.Lock()
	if !s.FirstDone {
		s.FirstDone = true
		s.OutOrder.Broadcast()
	}
	s.Out.Mu.Unlock()
}

// fatal records the category, stops both sides and unblocks the peers.
func (w *worker) fatal(cat scsi.Category, err error) error {
	w.log.Errorf("%v", err)
	w.s.FatalStop(cat)
	return scsi.Categorize(cat, err)
}

// read fills w.buf (or the kernel buffer, when shared) with the segment's
// payload. Called with In.Mu held; returns with it released.
func (w *worker) read(seg *segment) error {
	if w.s.In.Kind == blockdev.KindSg {
		return w.sgRead(seg)
	}
	return w.fileRead(seg)
}

func (w *worker) payload(seg *segment) []byte {
	if w.buf == nil {
		return nil
	}
	return w.buf[:seg.blocks*w.s.Bs]
}

// sgRead issues one READ through the sg transport, retrying the same
// segment on ABORTED COMMAND and UNIT ATTENTION. A retried read may land
// out of read sequence; the ordering gate still serialises the writes.
func (w *worker) sgRead(seg *segment) error {
	s := w.s
	for {
		packID := s.NextPackID()
		cdb, err := scsi.BuildRw(scsi.Rw{
			CdbSize: s.Opts.CdbSize,
			Lba:     uint64(seg.iblk),
			Blocks:  uint32(seg.blocks),
			Fua:     s.In.Flags.Fua,
			Dpo:     s.In.Flags.Dpo,
		})
		if err != nil {
			s.In.Mu.Unlock()
			return w.fatal(scsi.CatSyntax, fmt.Errorf("read cdb lba=%d: %w", seg.iblk, err))
		}

		rq := sgio.Request{
			Cdb:      cdb,
			Buf:      w.payload(seg),
			Sense:    w.inSense[:],
			PackID:   packID,
			DirectIO: s.In.Flags.Dio,
			MmapIO:   s.In.Flags.Mmap,
			NoDxfer:  s.In.Flags.Noxfer || (w.hasShare && !w.mmapView),
			Share:    w.hasShare,
		}
		if err := w.submit(w.inDev, rq); err != nil {
			s.In.Mu.Unlock()
			return w.fatal(scsi.CatOther, err)
		}
		s.In.Mu.Unlock()

		w.maybeAbort(w.inDev, packID)
		comp, err := w.inDev.Receive(packID, w.inSense[:])
		if err != nil {
			return w.fatal(scsi.CatOther, err)
		}

		switch comp.Outcome {
		case sgio.OutcomeClean, sgio.OutcomeRecovered:
			if comp.Outcome == sgio.OutcomeRecovered {
				w.log.Infof("recovered error reading lba=%d", seg.iblk)
			}
			w.finishRead(seg, comp)
			return nil
		case sgio.OutcomeAborted, sgio.OutcomeUnitAttention:
			w.log.Infof("%s reading lba=%d, retrying", comp.Outcome, seg.iblk)
			s.In.Mu.Lock()
			continue
		case sgio.OutcomeMediumHard:
			if s.In.Flags.Coe {
				w.substituteZeros(seg)
				w.finishRead(seg, comp)
				return nil
			}
			return w.fatal(scsi.CatMediumHard,
				fmt.Errorf("medium/hardware error reading lba=%d blocks=%d", seg.iblk, seg.blocks))
		case sgio.OutcomeNotReady:
			return w.fatal(scsi.CatNotReady, fmt.Errorf("device not ready reading lba=%d", seg.iblk))
		default:
			return w.fatal(scsi.CatOther, fmt.Errorf("unexpected completion reading lba=%d: %s",
				seg.iblk, comp.Outcome))
		}
	}
}

// substituteZeros implements coe on the read side: the unreadable span is
// replaced with zeros and the substitution is recorded in the log.
func (w *worker) substituteZeros(seg *segment) {
	if buf := w.payload(seg); buf != nil {
		clear(buf)
	}
	w.log.Warnf("medium error at lba=%d span=%d blocks: substituting zeros (coe)",
		seg.iblk, seg.blocks)
	w.s.SetExitStatus(scsi.CatMediumHard)
}

func (w *worker) finishRead(seg *segment, comp sgio.Completion) {
	s := w.s
	s.In.Mu.Lock()
	s.In.Rem -= int64(seg.blocks)
	s.In.ResidSum += int64(comp.Resid)
	if comp.DioIncomplete {
		s.In.DioIncomplete++
	}
	s.In.Mu.Unlock()
}

// fileRead reads the segment from an ordinary file descriptor. With
// per-worker fds the offset is repositioned first; with shared fds the
// serialised dispatch order keeps the offset aligned with the segment.
// Called with In.Mu held; releases it.
func (w *worker) fileRead(seg *segment) error {
	s := w.s
	seekable := s.In.Kind == blockdev.KindRegular || s.In.Kind == blockdev.KindBlock ||
		s.In.Kind == blockdev.KindRaw
	if seekable && !s.In.Flags.SameFds {
		if _, err := w.inFile.Seek(seg.iblk*int64(s.Bs), io.SeekStart); err != nil {
			s.In.Mu.Unlock()
			return w.fatal(scsi.CatFile, fmt.Errorf("failed to seek input to lba=%d: %w", seg.iblk, err))
		}
	}

	buf := w.payload(seg)
	want := len(buf)
	got := 0
	for got < want {
		n, err := w.inFile.Read(buf[got:])
		if n > 0 {
			got += n
		}
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				runtime.Gosched()
				continue
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if s.In.Flags.Coe {
				w.log.Warnf("read error at lba=%d, zero filling rest (coe): %v", seg.iblk, err)
				clear(buf[got:])
				got = want
				break
			}
			s.In.Mu.Unlock()
			return w.fatal(scsi.CatFile, fmt.Errorf("failed to read lba=%d: %w", seg.iblk, err))
		}
		if n == 0 {
			break
		}
	}

	if got < want {
		// End of input. Round the tail up to whole blocks, zero the slack
		// and stop dispatching.
		blocks := (got + s.Bs - 1) / s.Bs
		if got%s.Bs != 0 {
			s.In.Partial++
		}
		clear(buf[got : blocks*s.Bs])
		seg.blocks = blocks
		w.stopAfterWrite = true
		s.In.Stop = true
		s.In.Rem -= int64(blocks)
		s.In.Mu.Unlock()
		return nil
	}

	s.In.Rem -= int64(seg.blocks)
	s.In.Mu.Unlock()
	return nil
}

// write pushes the segment to the register output, the primary destination
// and the secondary destination.
func (w *worker) write(seg *segment) error {
	s := w.s

	if s.skipOrdering() {
		if err := w.shareWrite(seg); err != nil {
			return err
		}
		if w.stopAfterWrite {
			return nil
		}
	} else {
		if !s.waitTurn(*seg) {
			w.stopAfterWrite = true
			return nil
		}
		// Out.Mu held past this point until releaseTurn.
		w.regWrite(seg)

		var err error
		switch {
		case s.Out.Kind == blockdev.KindNull:
			s.Out.Rem -= int64(seg.blocks)
			s.releaseTurn()
		case s.Out.Kind == blockdev.KindSg:
			err = w.sgWrite(seg, w.outDev, false)
		default:
			err = w.fileWrite(seg)
		}
		if err != nil {
			return err
		}
	}

	if s.Out2Dev != nil || s.Out2File != nil {
		return w.out2Write(seg)
	}
	return nil
}

// shareWrite is the gate-bypassing sg write used when the kernel share link
// already pairs this worker's read with its write.
func (w *worker) shareWrite(seg *segment) error {
	s := w.s
	s.Out.Mu.Lock()
	if s.Out.Stop || s.Out.Count <= 0 {
		s.Out.Mu.Unlock()
		w.stopAfterWrite = true
		return nil
	}
	s.Out.Count -= int64(seg.blocks)
	return w.sgWrite(seg, w.outDev, false)
}

// sgWrite issues one WRITE through the sg transport. Called with Out.Mu
// held; the mutex is dropped while waiting for the completion and the gate
// is released before returning.
func (w *worker) sgWrite(seg *segment, dev sgio.Handle, secondary bool) error {
	s := w.s
	for {
		packID := s.NextPackID()
		cdb, err := scsi.BuildRw(scsi.Rw{
			CdbSize: s.Opts.CdbSize,
			Lba:     uint64(seg.oblk),
			Blocks:  uint32(seg.blocks),
			Write:   true,
			Fua:     s.Out.Flags.Fua,
			Dpo:     s.Out.Flags.Dpo,
		})
		if err != nil {
			s.releaseTurn()
			return w.fatal(scsi.CatSyntax, fmt.Errorf("write cdb lba=%d: %w", seg.oblk, err))
		}

		rq := sgio.Request{
			Cdb:      cdb,
			Write:    true,
			Sense:    w.outSense[:],
			PackID:   packID,
			DirectIO: s.Out.Flags.Dio,
			MmapIO:   s.Out.Flags.Mmap,
			Share:    w.hasShare,
			NoDxfer:  s.Out.Flags.Noxfer || w.hasShare,
		}
		if !w.hasShare {
			rq.Buf = w.payload(seg)
		}
		// Keep the pairing alive for the secondary copy of this segment.
		rq.KeepShare = w.hasShare && !secondary && (s.Out2Dev != nil || s.Out2File != nil)

		if err := w.submit(dev, rq); err != nil {
			s.releaseTurn()
			return w.fatal(scsi.CatOther, err)
		}
		s.Out.Mu.Unlock()

		w.maybeAbort(dev, packID)
		comp, err := dev.Receive(packID, w.outSense[:])
		s.Out.Mu.Lock()
		if err != nil {
			s.releaseTurn()
			return w.fatal(scsi.CatOther, err)
		}

		switch comp.Outcome {
		case sgio.OutcomeClean, sgio.OutcomeRecovered:
			if comp.Outcome == sgio.OutcomeRecovered {
				w.log.Infof("recovered error writing lba=%d", seg.oblk)
			}
			if !secondary {
				s.Out.Rem -= int64(seg.blocks)
			}
			s.Out.ResidSum += int64(comp.Resid)
			if comp.DioIncomplete {
				s.Out.DioIncomplete++
			}
			s.releaseTurn()
			return nil
		case sgio.OutcomeAborted, sgio.OutcomeUnitAttention:
			w.log.Infof("%s writing lba=%d, retrying", comp.Outcome, seg.oblk)
			continue
		case sgio.OutcomeMediumHard:
			if s.Out.Flags.Coe {
				w.log.Warnf("medium error writing lba=%d: dropping segment (coe)", seg.oblk)
				s.SetExitStatus(scsi.CatMediumHard)
				if !secondary {
					s.Out.Rem -= int64(seg.blocks)
				}
				s.releaseTurn()
				return nil
			}
			s.releaseTurn()
			return w.fatal(scsi.CatMediumHard,
				fmt.Errorf("medium/hardware error writing lba=%d blocks=%d", seg.oblk, seg.blocks))
		case sgio.OutcomeNotReady:
			s.releaseTurn()
			return w.fatal(scsi.CatNotReady, fmt.Errorf("device not ready writing lba=%d", seg.oblk))
		default:
			s.releaseTurn()
			return w.fatal(scsi.CatOther, fmt.Errorf("unexpected completion writing lba=%d: %s",
				seg.oblk, comp.Outcome))
		}
	}
}

// fileWrite writes the segment to an ordinary descriptor. Called with
// Out.Mu held (the gate pass); releases it via releaseTurn.
func (w *worker) fileWrite(seg *segment) error {
	s := w.s
	seekable := s.Out.Kind == blockdev.KindRegular || s.Out.Kind == blockdev.KindBlock ||
		s.Out.Kind == blockdev.KindRaw
	if seekable && !s.Out.Flags.SameFds && !s.Out.Flags.Append {
		if _, err := w.outFile.Seek(seg.oblk*int64(s.Bs), io.SeekStart); err != nil {
			s.releaseTurn()
			return w.fatal(scsi.CatFile, fmt.Errorf("failed to seek output to lba=%d: %w", seg.oblk, err))
		}
	}

	buf := w.payload(seg)
	sent := 0
	for sent < len(buf) {
		n, err := w.outFile.Write(buf[sent:])
		if n > 0 {
			sent += n
		}
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				runtime.Gosched()
				continue
			}
			if s.Out.Flags.Coe {
				w.log.Warnf("write error at lba=%d ignored (coe): %v", seg.oblk, err)
				break
			}
			s.releaseTurn()
			return w.fatal(scsi.CatFile, fmt.Errorf("failed to write lba=%d: %w", seg.oblk, err))
		}
	}

	if sent < len(buf) && sent%s.Bs != 0 {
		s.Out.Partial++
	}
	s.Out.Rem -= int64(seg.blocks)
	s.releaseTurn()
	return nil
}

// regWrite copies the payload to the register output. Failures are logged,
// never fatal. Called with Out.Mu held so the copies land in oblk order.
func (w *worker) regWrite(seg *segment) {
	s := w.s
	if s.OutReg == nil {
		return
	}
	buf := w.payload(seg)
	if buf == nil {
		return
	}
	sent := 0
	for sent < len(buf) {
		n, err := s.OutReg.Write(buf[sent:])
		if n > 0 {
			sent += n
		}
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				runtime.Gosched()
				continue
			}
			w.log.Warnf("register write failed at lba=%d: %v", seg.oblk, err)
			return
		}
	}
}

// out2Write duplicates the segment to the secondary destination. With a
// share the link is swapped to the secondary fd for the duration of the
// write and then restored.
func (w *worker) out2Write(seg *segment) error {
	s := w.s
	s.Out2Mu.Lock()
	defer s.Out2Mu.Unlock()

	if w.hasShare && s.Out2Dev != nil {
		if err := w.inDev.SwapShare(s.Out2Dev.Fd(), true); err != nil {
			w.log.Warnf("failed to swap share to secondary output: %v", err)
			return nil
		}
		err := w.sgWriteUnlocked(seg, s.Out2Dev)
		if serr := w.inDev.SwapShare(w.outDev.Fd(), false); serr != nil {
			w.log.Warnf("failed to restore share to primary output: %v", serr)
		}
		return err
	}

	if s.Out2Dev != nil {
		return w.sgWriteUnlocked(seg, s.Out2Dev)
	}

	buf := w.payload(seg)
	if buf == nil {
		return nil
	}
	if _, err := s.Out2File.WriteAt(buf, seg.oblk*int64(s.Bs)); err != nil {
		w.log.Warnf("secondary write failed at lba=%d: %v", seg.oblk, err)
	}
	return nil
}

// sgWriteUnlocked is the secondary-output variant of sgWrite: ordering is
// provided by Out2Mu, so the gate bookkeeping does not apply.
func (w *worker) sgWriteUnlocked(seg *segment, dev sgio.Handle) error {
	s := w.s
	for {
		packID := s.NextPackID()
		cdb, err := scsi.BuildRw(scsi.Rw{
			CdbSize: s.Opts.CdbSize,
			Lba:     uint64(seg.oblk),
			Blocks:  uint32(seg.blocks),
			Write:   true,
			Fua:     s.Out.Flags.Fua,
			Dpo:     s.Out.Flags.Dpo,
		})
		if err != nil {
			return w.fatal(scsi.CatSyntax, fmt.Errorf("secondary write cdb lba=%d: %w", seg.oblk, err))
		}
		rq := sgio.Request{
			Cdb:     cdb,
			Write:   true,
			Sense:   w.outSense[:],
			PackID:  packID,
			Share:   w.hasShare,
			NoDxfer: w.hasShare,
		}
		if !w.hasShare {
			rq.Buf = w.payload(seg)
		}
		if err := w.submit(dev, rq); err != nil {
			return w.fatal(scsi.CatOther, err)
		}
		comp, err := dev.Receive(packID, w.outSense[:])
		if err != nil {
			return w.fatal(scsi.CatOther, err)
		}
		switch comp.Outcome {
		case sgio.OutcomeClean, sgio.OutcomeRecovered:
			return nil
		case sgio.OutcomeAborted, sgio.OutcomeUnitAttention:
			continue
		default:
			w.log.Warnf("secondary write lba=%d failed: %s", seg.oblk, comp.Outcome)
			return nil
		}
	}
}

// interleaved is the swait mode: READ and WRITE are both submitted against
// the shared buffer before either completion is collected. Called with
// In.Mu held; releases it.
func (w *worker) interleaved(seg *segment) error {
	s := w.s
	for {
		readID := s.NextPackID()
		writeID := s.NextPackID()

		rcdb, err := scsi.BuildRw(scsi.Rw{
			CdbSize: s.Opts.CdbSize,
			Lba:     uint64(seg.iblk),
			Blocks:  uint32(seg.blocks),
			Fua:     s.In.Flags.Fua,
			Dpo:     s.In.Flags.Dpo,
		})
		if err == nil {
			var wcdb []byte
			wcdb, err = scsi.BuildRw(scsi.Rw{
				CdbSize: s.Opts.CdbSize,
				Lba:     uint64(seg.oblk),
				Blocks:  uint32(seg.blocks),
				Write:   true,
				Fua:     s.Out.Flags.Fua,
				Dpo:     s.Out.Flags.Dpo,
			})
			if err == nil {
				err = w.submit(w.inDev, sgio.Request{
					Cdb:     rcdb,
					Sense:   w.inSense[:],
					PackID:  readID,
					Share:   true,
					NoDxfer: !w.mmapView,
					MmapIO:  s.In.Flags.Mmap,
				})
				if err == nil {
					err = w.submit(w.outDev, sgio.Request{
						Cdb:     wcdb,
						Write:   true,
						Sense:   w.outSense[:],
						PackID:  writeID,
						Share:   true,
						NoDxfer: true,
					})
				}
			}
		}
		s.In.Mu.Unlock()
		if err != nil {
			return w.fatal(scsi.CatOther, fmt.Errorf("interleaved submit lba=%d: %w", seg.iblk, err))
		}

		var rcomp, wcomp sgio.Completion
		if recvWriteFirst {
			wcomp, err = w.outDev.Receive(writeID, w.outSense[:])
			if err == nil {
				rcomp, err = w.inDev.Receive(readID, w.inSense[:])
			}
		} else {
			rcomp, err = w.inDev.Receive(readID, w.inSense[:])
			if err == nil {
				wcomp, err = w.outDev.Receive(writeID, w.outSense[:])
			}
		}
		if err != nil {
			return w.fatal(scsi.CatOther, err)
		}

		retry := false
		for _, c := range []struct {
			comp  sgio.Completion
			write bool
		}{{rcomp, false}, {wcomp, true}} {
			switch c.comp.Outcome {
			case sgio.OutcomeClean, sgio.OutcomeRecovered:
			case sgio.OutcomeAborted, sgio.OutcomeUnitAttention:
				retry = true
			case sgio.OutcomeMediumHard:
				// The read side deliberately falls through to the
				// post-success accounting when coe allows it.
				coe := s.In.Flags.Coe
				if c.write {
					coe = s.Out.Flags.Coe
				}
				if !coe {
					return w.fatal(scsi.CatMediumHard,
						fmt.Errorf("medium/hardware error in interleaved pair lba=%d", seg.iblk))
				}
				s.SetExitStatus(scsi.CatMediumHard)
			case sgio.OutcomeNotReady:
				return w.fatal(scsi.CatNotReady,
					fmt.Errorf("device not ready in interleaved pair lba=%d", seg.iblk))
			default:
				return w.fatal(scsi.CatOther,
					fmt.Errorf("unexpected completion in interleaved pair lba=%d", seg.iblk))
			}
		}
		if retry {
			w.log.Infof("retrying interleaved pair lba=%d", seg.iblk)
			s.In.Mu.Lock()
			continue
		}

		w.finishRead(seg, rcomp)
		s.Out.Mu.Lock()
		s.Out.Rem -= int64(seg.blocks)
		s.Out.Count -= int64(seg.blocks)
		s.Out.ResidSum += int64(wcomp.Resid)
		if wcomp.DioIncomplete {
			s.Out.DioIncomplete++
		}
		s.Out.Mu.Unlock()
		return nil
	}
}

// submit retries ENOMEM submissions after yielding; the reserved buffer
// drains as peers collect their completions.
func (w *worker) submit(dev sgio.Handle, rq sgio.Request) error {
	for {
		err := dev.Submit(rq)
		if err == nil {
			w.reqCount++
			return nil
		}
		if errors.Is(err, sgio.ErrOutOfMemory) {
			runtime.Gosched()
			continue
		}
		return err
	}
}

// maybeAbort implements the ae= fault injector: every Nth command is polled
// for 1ms and aborted by tag when still in flight.
func (w *worker) maybeAbort(dev sgio.Handle, packID int) {
	ae := w.s.Opts.AbortEvery
	if ae <= 0 || w.reqCount == 0 || w.reqCount%ae != 0 {
		return
	}
	ready, err := dev.Poll(time.Millisecond)
	if err != nil || ready {
		return
	}
	if err := dev.Abort(packID); err != nil {
		w.log.Debugf("abort pack_id=%d failed: %v", packID, err)
	} else {
		w.log.Infof("aborted pack_id=%d", packID)
	}
}

// openFlags maps side flags to OS open flags.
func openFlags(f config.SideFlags) int {
	flags := 0
	if f.Direct {
		flags |= unix.O_DIRECT
	}
	if f.Excl {
		flags |= unix.O_EXCL
	}
	if f.Dsync {
		flags |= unix.O_SYNC
	}
	if f.Append {
		flags |= unix.O_APPEND
	}
	return flags
}

// iface picks the sg interface generation a side runs on.
func iface(f config.SideFlags) sgio.Iface {
	if f.V4 {
		return sgio.IfaceV4
	}
	return sgio.IfaceV3
}
