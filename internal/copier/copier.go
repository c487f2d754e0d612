package copier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/scsitools/sghdd/internal/blockdev"
	"github.com/scsitools/sghdd/internal/config"
	"github.com/scsitools/sghdd/internal/scsi"
	"github.com/scsitools/sghdd/internal/sgio"
)

// Copier owns the endpoints and the worker fleet for one transfer.
type Copier struct {
	s    *State
	opts *config.Options
	log  *zap.SugaredLogger
}

// New opens every endpoint named by opts, resolves the block count and
// validates the kind dependent flag rules.
func New(opts *config.Options, log *zap.SugaredLogger) (*Copier, error) {
	c := &Copier{
		s:    NewState(opts, log),
		opts: opts,
		log:  log,
	}
	if err := c.openInput(); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.openOutput(); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.openExtras(); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.validateKinds(); err != nil {
		c.Close()
		return nil, scsi.Categorize(scsi.CatSyntax, err)
	}
	if err := c.resolveCount(); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.checkCdbRange(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Copier) openInput() error {
	s := c.s
	switch c.opts.In {
	case "":
		return scsi.Categorize(scsi.CatSyntax, errors.New("if= is required"))
	case "-":
		s.In.Kind = blockdev.KindStdin
		s.In.File = os.Stdin
		s.In.Path = "stdin"
		return c.skipStdin()
	case ".":
		s.In.Kind = blockdev.KindNull
		f, err := os.Open(os.DevNull)
		if err != nil {
			return scsi.Categorize(scsi.CatFile, err)
		}
		s.In.File = f
		s.In.Path = os.DevNull
		return nil
	}

	kind, err := blockdev.Detect(c.opts.In)
	if err != nil {
		return scsi.Categorize(scsi.CatFile, err)
	}
	s.In.Kind = kind
	s.In.Path = c.opts.In

	if kind == blockdev.KindSg {
		dev, err := s.openSg(c.opts.In, s.In.Flags)
		if err != nil {
			return scsi.Categorize(scsi.CatFile, err)
		}
		s.In.Dev = dev
		return nil
	}

	f, err := os.OpenFile(c.opts.In, os.O_RDONLY|openFlags(s.In.Flags), 0)
	if err != nil {
		return scsi.Categorize(scsi.CatFile, fmt.Errorf("failed to open input: %w", err))
	}
	s.In.File = f
	return nil
}

// skipStdin consumes skip blocks from a non seekable input.
func (c *Copier) skipStdin() error {
	if c.opts.Skip == 0 {
		return nil
	}
	n := c.opts.Skip * int64(c.opts.Bs)
	if _, err := io.CopyN(io.Discard, os.Stdin, n); err != nil {
		return scsi.Categorize(scsi.CatFile, fmt.Errorf("failed to skip %d bytes of stdin: %w", n, err))
	}
	return nil
}

func (c *Copier) openOutput() error {
	s := c.s
	switch c.opts.Out {
	case "", ".":
		s.Out.Kind = blockdev.KindNull
		s.Out.Path = "null"
		return nil
	case "-":
		s.Out.Kind = blockdev.KindStdout
		s.Out.File = os.Stdout
		s.Out.Path = "stdout"
		return nil
	}

	kind, err := blockdev.Detect(c.opts.Out)
	if err == nil && kind == blockdev.KindSg {
		s.Out.Kind = kind
		s.Out.Path = c.opts.Out
		dev, err := s.openSg(c.opts.Out, s.Out.Flags)
		if err != nil {
			return scsi.Categorize(scsi.CatFile, err)
		}
		s.Out.Dev = dev
		return nil
	}

	flags := os.O_WRONLY | os.O_CREATE | openFlags(s.Out.Flags)
	f, err := os.OpenFile(c.opts.Out, flags, 0o644)
	if err != nil {
		return scsi.Categorize(scsi.CatFile, fmt.Errorf("failed to open output: %w", err))
	}
	s.Out.File = f
	kind, err = blockdev.DetectFd(f)
	if err != nil {
		return scsi.Categorize(scsi.CatFile, err)
	}
	s.Out.Kind = kind
	s.Out.Path = c.opts.Out
	return nil
}

func (c *Copier) openExtras() error {
	s := c.s
	if c.opts.Out2 != "" && c.opts.Out2 != "." {
		kind, err := blockdev.Detect(c.opts.Out2)
		if err == nil && kind == blockdev.KindSg {
			dev, derr := s.openSg(c.opts.Out2, s.Out.Flags)
			if derr != nil {
				return scsi.Categorize(scsi.CatFile, derr)
			}
			s.Out2Dev = dev
			s.Out2Kind = kind
		} else {
			f, ferr := os.OpenFile(c.opts.Out2, os.O_WRONLY|os.O_CREATE, 0o644)
			if ferr != nil {
				return scsi.Categorize(scsi.CatFile, fmt.Errorf("failed to open of2: %w", ferr))
			}
			s.Out2File = f
			s.Out2Kind = blockdev.KindRegular
		}
		s.Out2Path = c.opts.Out2
	}

	if c.opts.OutReg != "" {
		kind, err := blockdev.Detect(c.opts.OutReg)
		if err == nil && kind == blockdev.KindSg {
			return scsi.Categorize(scsi.CatSyntax, errors.New("ofreg cannot be an sg device"))
		}
		f, ferr := os.OpenFile(c.opts.OutReg, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if ferr != nil {
			return scsi.Categorize(scsi.CatFile, fmt.Errorf("failed to open ofreg: %w", ferr))
		}
		s.OutReg = f
	}
	return nil
}

// validateKinds enforces the flag rules that need the endpoint kinds.
func (c *Copier) validateKinds() error {
	s := c.s
	if s.Out.Flags.Swait {
		if s.In.Kind != blockdev.KindSg || s.Out.Kind != blockdev.KindSg {
			return errors.New("swait requires sg devices on both ends")
		}
		if !s.shareActive() {
			return errors.New("swait requires an active buffer share (v4 on both ends, no noshare)")
		}
		if c.opts.OutReg != "" {
			return errors.New("swait cannot feed a register file; writes are not gated")
		}
		if c.opts.Out2 != "" {
			return errors.New("swait cannot drive a secondary output")
		}
	}
	if s.In.Flags.Mmap && s.In.Kind != blockdev.KindSg {
		return errors.New("iflag=mmap requires an sg input")
	}
	if s.Out.Flags.Mmap && s.Out.Kind != blockdev.KindSg {
		return errors.New("oflag=mmap requires an sg output")
	}
	if s.In.Flags.Noxfer && s.In.Kind != blockdev.KindSg {
		return errors.New("iflag=noxfer requires an sg input")
	}
	if s.Out.Flags.Noxfer && s.Out.Kind != blockdev.KindSg {
		return errors.New("oflag=noxfer requires an sg output")
	}
	return nil
}

// discoverBlocks resolves one side's capacity in bs sized blocks, or -1
// when the endpoint has no discoverable size.
func (c *Copier) discoverBlocks(dev sgio.Handle, f *os.File, kind blockdev.Kind) (int64, error) {
	switch kind {
	case blockdev.KindSg:
		capa, err := dev.ReadCapacity()
		if err != nil {
			return -1, err
		}
		if int(capa.BlockSize) != c.opts.Bs {
			c.log.Warnf("device block size %d differs from bs=%d; capacity scaled",
				capa.BlockSize, c.opts.Bs)
			return capa.Blocks() * int64(capa.BlockSize) / int64(c.opts.Bs), nil
		}
		return capa.Blocks(), nil
	case blockdev.KindBlock:
		return blockdev.Capacity(f, c.opts.Bs)
	case blockdev.KindRegular:
		return blockdev.RegularBlocks(f, c.opts.Bs)
	default:
		return -1, nil
	}
}

func (c *Copier) resolveCount() error {
	s := c.s
	if c.opts.Count == -1 {
		inBlocks, err := c.discoverBlocks(s.In.Dev, s.In.File, s.In.Kind)
		if err != nil {
			return err
		}
		outBlocks := int64(-1)
		// The null sink and stdout impose no bound.
		if s.Out.Kind == blockdev.KindSg || s.Out.Kind == blockdev.KindBlock {
			outBlocks, err = c.discoverBlocks(s.Out.Dev, s.Out.File, s.Out.Kind)
			if err != nil {
				return err
			}
		}

		count := int64(-1)
		if inBlocks >= 0 {
			count = max(inBlocks-c.opts.Skip, 0)
		}
		if outBlocks >= 0 {
			avail := max(outBlocks-c.opts.Seek, 0)
			if count < 0 || avail < count {
				count = avail
			}
		}
		if count < 0 {
			return scsi.Categorize(scsi.CatSyntax,
				fmt.Errorf("count= is required when no endpoint capacity is discoverable: %w",
					config.ErrSyntax))
		}
		c.opts.Count = count
		c.opts.PromoteCdbForRange()
	}

	s.Total = c.opts.Count
	s.In.Count = c.opts.Count
	s.In.Rem = c.opts.Count
	s.Out.Count = c.opts.Count
	s.Out.Rem = c.opts.Count
	s.OutBlk = c.opts.Seek
	return nil
}

// checkCdbRange rejects ranges the chosen CDB size cannot express before
// any command is issued.
func (c *Copier) checkCdbRange() error {
	if c.opts.Count <= 0 {
		return nil
	}
	lastBlocks := c.opts.Count % int64(c.opts.Bpt)
	if lastBlocks == 0 {
		lastBlocks = min(int64(c.opts.Bpt), c.opts.Count)
	}
	lastPos := c.opts.Count - lastBlocks

	checks := []scsi.Rw{
		{
			CdbSize: c.opts.CdbSize,
			Lba:     uint64(c.opts.Skip + lastPos),
			Blocks:  uint32(min(int64(c.opts.Bpt), c.opts.Count)),
			Fua:     c.s.In.Flags.Fua,
			Dpo:     c.s.In.Flags.Dpo,
		},
		{
			CdbSize: c.opts.CdbSize,
			Lba:     uint64(c.opts.Seek + lastPos),
			Blocks:  uint32(min(int64(c.opts.Bpt), c.opts.Count)),
			Write:   true,
			Fua:     c.s.Out.Flags.Fua,
			Dpo:     c.s.Out.Flags.Dpo,
		},
	}
	for _, rw := range checks {
		if _, err := scsi.BuildRw(rw); err != nil {
			return scsi.Categorize(scsi.CatSyntax, err)
		}
	}
	return nil
}

// State exposes the shared state for inspection (tests, progress dumps).
func (c *Copier) State() *State { return c.s }

// Plan describes the resolved transfer for --dry-run.
func (c *Copier) Plan() string {
	s := c.s
	var b strings.Builder
	fmt.Fprintf(&b, "copy %d blocks of %d bytes, bpt=%d, threads=%d\n",
		s.Total, s.Bs, s.Bpt, c.opts.Threads)
	fmt.Fprintf(&b, "  in:  %s (%s) lba=%d\n", s.In.Path, s.In.Kind, s.In.Start)
	fmt.Fprintf(&b, "  out: %s (%s) lba=%d\n", s.Out.Path, s.Out.Kind, s.Out.Start)
	if s.Out2Path != "" {
		fmt.Fprintf(&b, "  out2: %s (%s)\n", s.Out2Path, s.Out2Kind)
	}
	if s.OutReg != nil {
		fmt.Fprintf(&b, "  ofreg: %s\n", c.opts.OutReg)
	}
	fmt.Fprintf(&b, "  cdbsz=%d share=%v ordered=%v\n",
		c.opts.CdbSize, s.shareActive(), !s.skipOrdering())
	return b.String()
}

// Run executes the transfer and returns the exit category. The dd-style
// record counts are printed on stderr whether the run completes, fails or
// is interrupted.
func (c *Copier) Run(ctx context.Context) (scsi.Category, error) {
	s := c.s
	defer c.Close()

	start := time.Now()
	if s.Total > 0 {
		sigCtx, stopSignals := context.WithCancel(ctx)
		go c.signalLoop(sigCtx)

		err := c.runWorkers(ctx)
		stopSignals()
		if err != nil && c.opts.Verbose > 0 {
			c.log.Debugf("run finished with: %v", err)
		}
	}

	if err := c.syncOutput(); err != nil {
		c.log.Warnf("failed to sync output: %v", err)
	}

	c.printStats(time.Since(start))
	return s.ExitStatus(), nil
}

// runWorkers implements the bootstrap protocol: one worker runs first, and
// the rest are created only after the first segment has cleared the gate.
func (c *Copier) runWorkers(ctx context.Context) error {
	s := c.s
	wg, _ := errgroup.WithContext(ctx)

	first, err := newWorker(s, 0)
	if err != nil {
		s.FatalStop(scsi.CatFile)
		return err
	}
	wg.Go(first.run)

	wg.Go(func() error {
		s.Out.Mu.Lock()
		for !s.FirstDone && !s.Out.Stop {
			s.OutOrder.Wait()
		}
		stopped := s.Out.Stop && !s.FirstDone
		s.Out.Mu.Unlock()
		if stopped {
			return nil
		}
		for i := 1; i < c.opts.Threads; i++ {
			w, err := newWorker(s, i)
			if err != nil {
				s.FatalStop(scsi.CatFile)
				return err
			}
			wg.Go(w.run)
		}
		return nil
	})

	return wg.Wait()
}

// signalLoop is the dedicated signal consumer: interrupt stops the fleet,
// SIGUSR1 snapshots progress, SIGUSR2 additionally re-broadcasts the
// ordering condition to nudge a stuck gate.
func (c *Copier) signalLoop(ctx context.Context) {
	intCh := make(chan os.Signal, 1)
	signal.Notify(intCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	usrCh := make(chan os.Signal, 2)
	signal.Notify(usrCh, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(intCh)
	defer signal.Stop(usrCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-intCh:
			c.log.Warnf("caught %v, stopping", sig)
			c.s.StopAll()
		case sig := <-usrCh:
			c.printProgress()
			if sig == syscall.SIGUSR2 {
				c.s.OutOrder.Broadcast()
			}
		}
	}
}

func (c *Copier) printProgress() {
	p := c.s.Snapshot()
	fmt.Fprintf(os.Stderr, "progress: in %d/%d blocks, out %d/%d blocks\n",
		p.InFull+p.InPartial, p.Total, p.OutFull+p.OutPartial, p.Total)
}

func (c *Copier) printStats(elapsed time.Duration) {
	p := c.s.Snapshot()
	fmt.Fprintf(os.Stderr, "%d+%d records in\n", p.InFull, p.InPartial)
	fmt.Fprintf(os.Stderr, "%d+%d records out\n", p.OutFull, p.OutPartial)
	if p.DioIncomp > 0 {
		fmt.Fprintf(os.Stderr, "%d commands serviced without direct io\n", p.DioIncomp)
	}
	if p.ResidSum > 0 {
		fmt.Fprintf(os.Stderr, "%d residual bytes reported\n", p.ResidSum)
	}
	if c.opts.Time && elapsed > 0 {
		bytes := (p.OutFull + p.OutPartial) * int64(c.s.Bs)
		rate := datasize.ByteSize(float64(bytes) / elapsed.Seconds())
		fmt.Fprintf(os.Stderr, "time: %.3fs, %s/s\n", elapsed.Seconds(), rate.HR())
	}
}

// syncOutput flushes the destination: SYNCHRONIZE CACHE for sg, fsync for
// ordinary files.
func (c *Copier) syncOutput() error {
	if !c.opts.Sync {
		return nil
	}
	s := c.s
	if s.Out.Kind == blockdev.KindSg && s.Out.Dev != nil {
		if dev, ok := s.Out.Dev.(*sgio.Device); ok {
			comp, err := dev.SyncCommand(scsi.BuildSynchronizeCache10(), nil, false, 0)
			if err != nil {
				return err
			}
			if comp.Outcome != sgio.OutcomeClean && comp.Outcome != sgio.OutcomeRecovered {
				return fmt.Errorf("synchronize cache: %s", comp.Outcome)
			}
		}
		return nil
	}
	if s.Out.File != nil && s.Out.Kind == blockdev.KindRegular {
		return s.Out.File.Sync()
	}
	return nil
}

// Close releases every endpoint. Safe to call more than once.
func (c *Copier) Close() {
	s := c.s
	if s.In.Dev != nil {
		s.In.Dev.Close()
		s.In.Dev = nil
	}
	if s.Out.Dev != nil {
		s.Out.Dev.Close()
		s.Out.Dev = nil
	}
	if s.Out2Dev != nil {
		s.Out2Dev.Close()
		s.Out2Dev = nil
	}
	for _, f := range []*os.File{s.In.File, s.Out.File, s.Out2File, s.OutReg} {
		if f != nil && f != os.Stdin && f != os.Stdout {
			f.Close()
		}
	}
	s.In.File, s.Out.File, s.Out2File, s.OutReg = nil, nil, nil, nil
}
