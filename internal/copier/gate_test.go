package copier

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scsitools/sghdd/internal/config"
)

func TestGateOrdersWrites(t *testing.T) {
	opts := config.DefaultOptions()
	opts.Bpt = 2
	opts.BptGiven = true
	opts.Seek = 50
	const total = 40
	s := testState(t, opts, total)

	var mu sync.Mutex
	var order []int64

	// Segments arrive at the gate in a shuffled order, as reads complete
	// whenever they like.
	segs := make([]segment, 0, total/2)
	for pos := int64(0); pos < total; pos += 2 {
		segs = append(segs, segment{pos: pos, oblk: 50 + pos, blocks: 2})
	}
	rand.Shuffle(len(segs), func(i, j int) { segs[i], segs[j] = segs[j], segs[i] })

	var wg sync.WaitGroup
	for _, seg := range segs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
			if !s.waitTurn(seg) {
				return
			}
			mu.Lock()
			order = append(order, seg.oblk)
			mu.Unlock()
			s.Out.Rem -= int64(seg.blocks)
			s.releaseTurn()
		}()
	}
	wg.Wait()

	require.Len(t, order, len(segs))
	for i, oblk := range order {
		assert.Equal(t, int64(50+2*i), oblk)
	}
	s.Out.Mu.Lock()
	assert.Equal(t, int64(0), s.Out.Rem)
	assert.Equal(t, int64(50+total), s.OutBlk)
	s.Out.Mu.Unlock()
}

func TestGateStopUnblocksWaiters(t *testing.T) {
	opts := config.DefaultOptions()
	s := testState(t, opts, 100)

	done := make(chan bool, 3)
	for i := range 3 {
		go func() {
			// None of these oblks is the head, so all park on the gate.
			done <- s.waitTurn(segment{oblk: int64(10 + i), blocks: 1})
		}()
	}

	select {
	case <-done:
		t.Fatal("gate released a worker out of order")
	case <-time.After(20 * time.Millisecond):
	}

	s.StopAll()
	for range 3 {
		select {
		case ok := <-done:
			assert.False(t, ok)
		case <-time.After(time.Second):
			t.Fatal("worker still blocked after stop broadcast")
		}
	}
}

func TestGateExhaustedBudget(t *testing.T) {
	opts := config.DefaultOptions()
	s := testState(t, opts, 10)
	s.Out.Mu.Lock()
	s.Out.Count = 0
	s.Out.Mu.Unlock()

	assert.False(t, s.waitTurn(segment{oblk: 0, blocks: 2}))
}
