package copier

// waitTurn blocks until the destination write stream reaches oblk. On
// success the gate has been passed: Out.Mu is held, OutBlk and the output
// budget already account for the segment, and the caller must perform the
// write and then call releaseTurn. Returns false (mutex released) when the
// run stopped or the output budget is exhausted.
func (s *State) waitTurn(seg segment) bool {
	s.Out.Mu.Lock()
	for !s.Out.Stop && seg.oblk != s.OutBlk {
		s.OutOrder.Wait()
	}
	if s.Out.Stop || s.Out.Count <= 0 {
		s.Out.Mu.Unlock()
		s.OutOrder.Broadcast()
		return false
	}
	s.OutBlk += int64(seg.blocks)
	s.Out.Count -= int64(seg.blocks)
	return true
}

// releaseTurn drops Out.Mu and wakes the workers queued behind this
// segment.
func (s *State) releaseTurn() {
	s.Out.Mu.Unlock()
	s.OutOrder.Broadcast()
}
