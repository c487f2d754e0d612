package copier

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/scsitools/sghdd/internal/blockdev"
	"github.com/scsitools/sghdd/internal/config"
	"github.com/scsitools/sghdd/internal/scsi"
	"github.com/scsitools/sghdd/internal/sgio"
)

// sgPairState builds a state with scripted sg devices on both ends.
func sgPairState(t *testing.T, opts *config.Options, total int64, bus *fakeBus) *State {
	t.Helper()
	s := testState(t, opts, total)
	s.In.Kind = blockdev.KindSg
	s.In.Path = "sg-in"
	s.Out.Kind = blockdev.KindSg
	s.Out.Path = "sg-out"
	s.openSg = func(path string, flags config.SideFlags) (sgio.Handle, error) {
		if path == "sg-in" {
			return bus.newDev("in"), nil
		}
		return bus.newDev("out"), nil
	}
	return s
}

// sgToFileState builds a state with a scripted sg input and a regular file
// output shared by all workers.
func sgToFileState(t *testing.T, opts *config.Options, total int64, bus *fakeBus) (*State, string) {
	t.Helper()
	opts.OutFlags.SameFds = true
	s := testState(t, opts, total)
	s.In.Kind = blockdev.KindSg
	s.In.Path = "sg-in"
	s.openSg = func(path string, flags config.SideFlags) (sgio.Handle, error) {
		return bus.newDev("in"), nil
	}

	path := filepath.Join(t.TempDir(), "out.bin")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	s.Out.Kind = blockdev.KindRegular
	s.Out.Path = path
	s.Out.File = f
	return s, path
}

func runFleet(t *testing.T, s *State, threads int) error {
	t.Helper()
	var wg errgroup.Group
	for i := range threads {
		w, err := newWorker(s, i)
		require.NoError(t, err)
		wg.Go(w.run)
	}
	return wg.Wait()
}

func TestSgToSgShareNoUserCopy(t *testing.T) {
	opts := config.DefaultOptions()
	opts.Bpt = 2
	opts.BptGiven = true
	opts.InFlags.V4 = true
	opts.OutFlags.V4 = true
	bus := newFakeBus(512, 4)
	s := sgPairState(t, opts, 4, bus)
	require.True(t, s.shareActive())
	require.True(t, s.skipOrdering())

	require.NoError(t, runFleet(t, s, 2))

	var reads, writes int
	for _, line := range bus.traceLines() {
		if strings.HasPrefix(line, "submitR") {
			reads++
			assert.Contains(t, line, "share=true")
			assert.Contains(t, line, "buf=false")
		}
		if strings.HasPrefix(line, "submitW") {
			writes++
			assert.Contains(t, line, "share=true")
			assert.Contains(t, line, "buf=false")
		}
	}
	assert.Equal(t, 2, reads)
	assert.Equal(t, 2, writes)

	// The payload reached the destination through the kernel buffer alone.
	assert.Equal(t, bus.inData, bus.outData[:len(bus.inData)])
	assert.Equal(t, scsi.CatClean, s.ExitStatus())
}

func TestSgReadRetryOnUnitAttention(t *testing.T) {
	opts := config.DefaultOptions()
	opts.Bpt = 2
	opts.BptGiven = true
	bus := newFakeBus(512, 6)
	bus.scriptRead(0, sgio.OutcomeUnitAttention)
	bus.scriptRead(2, sgio.OutcomeAborted)
	s, path := sgToFileState(t, opts, 6, bus)

	require.NoError(t, runFleet(t, s, 2))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, bus.inData, got)

	// The retried lbas were submitted twice.
	var subs0, subs2 int
	for _, line := range bus.traceLines() {
		if strings.HasPrefix(line, "submitR in lba=0 ") {
			subs0++
		}
		if strings.HasPrefix(line, "submitR in lba=2 ") {
			subs2++
		}
	}
	assert.Equal(t, 2, subs0)
	assert.Equal(t, 2, subs2)
	assert.Equal(t, scsi.CatClean, s.ExitStatus())
}

func TestSgReadMediumHardZeroFillsWithCoe(t *testing.T) {
	opts := config.DefaultOptions()
	opts.Bpt = 2
	opts.BptGiven = true
	opts.InFlags.Coe = true
	bus := newFakeBus(512, 6)
	bus.scriptRead(2, sgio.OutcomeMediumHard)
	s, path := sgToFileState(t, opts, 6, bus)

	require.NoError(t, runFleet(t, s, 2))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, got, len(bus.inData))
	assert.Equal(t, bus.inData[:1024], got[:1024])
	assert.Equal(t, make([]byte, 1024), got[1024:2048], "bad segment must be zero filled")
	assert.Equal(t, bus.inData[2048:], got[2048:])

	// The substitution is reported through the exit category.
	assert.Equal(t, scsi.CatMediumHard, s.ExitStatus())
	p := s.Snapshot()
	assert.Equal(t, int64(6), p.InFull)
	assert.Equal(t, int64(6), p.OutFull)
}

func TestSgReadMediumHardFatalWithoutCoe(t *testing.T) {
	opts := config.DefaultOptions()
	opts.Bpt = 2
	opts.BptGiven = true
	bus := newFakeBus(512, 64)
	bus.scriptRead(2, sgio.OutcomeMediumHard)
	s, _ := sgToFileState(t, opts, 64, bus)

	err := runFleet(t, s, 2)
	require.Error(t, err)
	assert.Equal(t, scsi.CatMediumHard, s.ExitStatus())

	s.In.Mu.Lock()
	assert.True(t, s.In.Stop)
	s.In.Mu.Unlock()
	s.Out.Mu.Lock()
	assert.True(t, s.Out.Stop)
	assert.Positive(t, s.Out.Rem)
	s.Out.Mu.Unlock()
}

func TestSwaitSubmitReceiveOrder(t *testing.T) {
	opts := config.DefaultOptions()
	opts.Bpt = 2
	opts.BptGiven = true
	opts.InFlags.V4 = true
	opts.OutFlags.V4 = true
	opts.OutFlags.Swait = true
	bus := newFakeBus(512, 4)
	s := sgPairState(t, opts, 4, bus)

	require.NoError(t, runFleet(t, s, 1))

	// Per segment: READ submit, WRITE submit, then the write completion is
	// collected before the read completion.
	trace := bus.traceLines()
	require.Len(t, trace, 8)
	for seg := 0; seg < 2; seg++ {
		quad := trace[seg*4 : seg*4+4]
		assert.True(t, strings.HasPrefix(quad[0], "submitR"), "got %q", quad[0])
		assert.True(t, strings.HasPrefix(quad[1], "submitW"), "got %q", quad[1])
		assert.True(t, strings.HasPrefix(quad[2], "recvW"), "got %q", quad[2])
		assert.True(t, strings.HasPrefix(quad[3], "recvR"), "got %q", quad[3])
	}
	assert.Equal(t, bus.inData, bus.outData[:len(bus.inData)])
}

func TestPackIDsUniqueAndDense(t *testing.T) {
	opts := config.DefaultOptions()
	opts.Bpt = 1
	opts.BptGiven = true
	bus := newFakeBus(512, 32)
	s, _ := sgToFileState(t, opts, 32, bus)

	require.NoError(t, runFleet(t, s, 4))

	bus.mu.Lock()
	ids := append([]int(nil), bus.packIDs...)
	bus.mu.Unlock()

	sort.Ints(ids)
	require.Len(t, ids, 32)
	for i, id := range ids {
		assert.Equal(t, i+1, id, "pack ids must be unique and strictly increasing")
	}
}

func TestStopBeforeRun(t *testing.T) {
	opts := config.DefaultOptions()
	bus := newFakeBus(512, 8)
	s, _ := sgToFileState(t, opts, 8, bus)
	s.StopAll()

	require.NoError(t, runFleet(t, s, 2))
	assert.Empty(t, bus.traceLines())
	p := s.Snapshot()
	assert.Equal(t, int64(0), p.InFull)
}

func TestSecondaryOutputShareSwap(t *testing.T) {
	opts := config.DefaultOptions()
	opts.Bpt = 2
	opts.BptGiven = true
	opts.InFlags.V4 = true
	opts.OutFlags.V4 = true
	bus := newFakeBus(512, 2)
	s := sgPairState(t, opts, 2, bus)
	out2 := bus.newDev("out2")
	s.Out2Dev = out2
	s.Out2Kind = blockdev.KindSg
	s.Out2Path = "sg-out2"

	require.NoError(t, runFleet(t, s, 1))

	trace := bus.traceLines()
	var swapBefore, swapAfter, out2Writes int
	for i, line := range trace {
		switch {
		case strings.HasPrefix(line, "swap in") && strings.Contains(line, "before=true"):
			swapBefore = i
		case strings.HasPrefix(line, "swap in") && strings.Contains(line, "before=false"):
			swapAfter = i
		case strings.HasPrefix(line, "submitW out2"):
			out2Writes = i
		}
	}
	// The share is redirected before the secondary write and restored after.
	assert.Less(t, swapBefore, out2Writes)
	assert.Less(t, out2Writes, swapAfter)
}

func TestSecondaryOutputFileCopy(t *testing.T) {
	opts := config.DefaultOptions()
	opts.Bpt = 2
	opts.BptGiven = true
	bus := newFakeBus(512, 4)
	s, primary := sgToFileState(t, opts, 4, bus)

	out2 := filepath.Join(t.TempDir(), "out2.bin")
	f, err := os.OpenFile(out2, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer f.Close()
	s.Out2File = f
	s.Out2Kind = blockdev.KindRegular
	s.Out2Path = out2

	require.NoError(t, runFleet(t, s, 2))

	for _, path := range []string{primary, out2} {
		got, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(bus.inData, got), "mismatch in %s", path)
	}
}

func TestRegisterOutputReceivesPayload(t *testing.T) {
	opts := config.DefaultOptions()
	opts.Bpt = 2
	opts.BptGiven = true
	bus := newFakeBus(512, 6)
	s, _ := sgToFileState(t, opts, 6, bus)

	reg := filepath.Join(t.TempDir(), "reg.bin")
	f, err := os.OpenFile(reg, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer f.Close()
	s.OutReg = f

	require.NoError(t, runFleet(t, s, 3))

	got, err := os.ReadFile(reg)
	require.NoError(t, err)
	assert.Equal(t, bus.inData, got, "register file sees every read payload in write order")
}
