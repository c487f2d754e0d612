package copier

// segment is one dispatched unit of work.
type segment struct {
	pos    int64 // offset in blocks from the start of the transfer
	iblk   int64 // source LBA
	oblk   int64 // destination LBA
	blocks int
}

// nextSegment atomically claims the next segment. Must be called with
// In.Mu held; it updates the input-side dispatch budget. Returns false when
// the input is exhausted or stopped.
func (s *State) nextSegment() (segment, bool) {
	if s.In.Stop || s.In.Count <= 0 {
		return segment{}, false
	}
	pos := s.PosIndex.Add(int64(s.Bpt)) - int64(s.Bpt)
	if pos >= s.Total {
		return segment{}, false
	}
	blocks := int64(s.Bpt)
	if pos+blocks > s.Total {
		blocks = s.Total - pos
	}
	s.In.Count -= blocks
	return segment{
		pos:    pos,
		iblk:   s.In.Start + pos,
		oblk:   s.Out.Start + pos,
		blocks: int(blocks),
	}, true
}
