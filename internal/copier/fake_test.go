package copier

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/scsitools/sghdd/internal/scsi"
	"github.com/scsitools/sghdd/internal/sgio"
)

// fakeBus is the shared backplane of the scripted sg devices: a source
// medium, a destination medium and the per-reader reserved buffers the
// share link routes through.
type fakeBus struct {
	mu       sync.Mutex
	bs       int
	inData   []byte
	outData  []byte
	reserved map[int][]byte
	trace    []string
	packIDs  []int

	// Scripted non-clean completions per lba, consumed in order.
	readOutcomes  map[int64][]sgio.Outcome
	writeOutcomes map[int64][]sgio.Outcome

	nextFd int
}

func newFakeBus(bs int, inBlocks int) *fakeBus {
	data := make([]byte, inBlocks*bs)
	for i := range data {
		data[i] = byte(i % 256)
	}
	return &fakeBus{
		bs:            bs,
		inData:        data,
		outData:       make([]byte, 4*len(data)+1024*1024),
		reserved:      make(map[int][]byte),
		readOutcomes:  make(map[int64][]sgio.Outcome),
		writeOutcomes: make(map[int64][]sgio.Outcome),
		nextFd:        100,
	}
}

func (b *fakeBus) scriptRead(lba int64, outcomes ...sgio.Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readOutcomes[lba] = append(b.readOutcomes[lba], outcomes...)
}

func (b *fakeBus) scriptWrite(lba int64, outcomes ...sgio.Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeOutcomes[lba] = append(b.writeOutcomes[lba], outcomes...)
}

// newDev mints a device with a fresh fd, as the per-worker opener does.
func (b *fakeBus) newDev(name string) *fakeDev {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextFd++
	return newFakeDev(b, b.nextFd, name)
}

func (b *fakeBus) traceLines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.trace...)
}

// parseRw decodes lba/blocks/direction from a READ/WRITE CDB.
func parseRw(cdb []byte) (lba int64, blocks int, write bool) {
	switch cdb[0] {
	case 0x0A, 0x2A, 0xAA, 0x8A:
		write = true
	}
	switch len(cdb) {
	case 6:
		lba = int64(cdb[1]&0x1F)<<16 | int64(cdb[2])<<8 | int64(cdb[3])
		blocks = int(cdb[4])
		if blocks == 0 {
			blocks = 256
		}
	case 10:
		lba = int64(binary.BigEndian.Uint32(cdb[2:6]))
		blocks = int(binary.BigEndian.Uint16(cdb[7:9]))
	case 12:
		lba = int64(binary.BigEndian.Uint32(cdb[2:6]))
		blocks = int(binary.BigEndian.Uint32(cdb[6:10]))
	case 16:
		lba = int64(binary.BigEndian.Uint64(cdb[2:10]))
		blocks = int(binary.BigEndian.Uint32(cdb[10:14]))
	}
	return lba, blocks, write
}

// fakeDev is a scripted sgio.Handle backed by the fake bus.
type fakeDev struct {
	bus     *fakeBus
	fd      int
	name    string
	shareRd int // read-side fd the share link points at

	inflight map[int]sgio.Request
}

func newFakeDev(bus *fakeBus, fd int, name string) *fakeDev {
	return &fakeDev{
		bus:      bus,
		fd:       fd,
		name:     name,
		shareRd:  -1,
		inflight: make(map[int]sgio.Request),
	}
}

func (d *fakeDev) Fd() int      { return d.fd }
func (d *fakeDev) Close() error { return nil }

func (d *fakeDev) Submit(rq sgio.Request) error {
	b := d.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	lba, blocks, write := parseRw(rq.Cdb)
	op := "R"
	if write {
		op = "W"
	}
	b.trace = append(b.trace, fmt.Sprintf("submit%s %s lba=%d n=%d share=%v buf=%v",
		op, d.name, lba, blocks, rq.Share, rq.Buf != nil))
	b.packIDs = append(b.packIDs, rq.PackID)
	d.inflight[rq.PackID] = rq

	if !write && rq.Share {
		// The kernel captures the payload in the reader's reserved buffer.
		end := min(int(lba)*b.bs+blocks*b.bs, len(b.inData))
		b.reserved[d.fd] = append([]byte(nil), b.inData[int(lba)*b.bs:end]...)
	}
	return nil
}

func (d *fakeDev) Receive(packID int, sense []byte) (sgio.Completion, error) {
	b := d.bus
	b.mu.Lock()
	defer b.mu.Unlock()

	rq, ok := d.inflight[packID]
	if !ok {
		return sgio.Completion{}, fmt.Errorf("receive of unknown pack id %d", packID)
	}
	delete(d.inflight, packID)
	lba, blocks, write := parseRw(rq.Cdb)

	op := "R"
	if write {
		op = "W"
	}
	b.trace = append(b.trace, fmt.Sprintf("recv%s %s lba=%d", op, d.name, lba))

	comp := sgio.Completion{PackID: packID, Outcome: sgio.OutcomeClean}
	scripts := b.readOutcomes
	if write {
		scripts = b.writeOutcomes
	}
	if script := scripts[lba]; len(script) > 0 {
		comp.Outcome = script[0]
		scripts[lba] = script[1:]
	}
	if comp.Outcome != sgio.OutcomeClean && comp.Outcome != sgio.OutcomeRecovered {
		return comp, nil
	}

	if write {
		src := rq.Buf
		if rq.Share {
			src = b.reserved[d.shareRd]
		}
		if src != nil {
			copy(b.outData[int(lba)*b.bs:], src[:min(blocks*b.bs, len(src))])
		}
	} else if rq.Buf != nil {
		end := min(int(lba)*b.bs+blocks*b.bs, len(b.inData))
		copy(rq.Buf, b.inData[int(lba)*b.bs:end])
	}
	return comp, nil
}

func (d *fakeDev) Abort(packID int) error           { return nil }
func (d *fakeDev) Poll(time.Duration) (bool, error) { return true, nil }
func (d *fakeDev) Unshare() error                   { return nil }

func (d *fakeDev) SwapShare(newWrFd int, before bool) error {
	b := d.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trace = append(b.trace, fmt.Sprintf("swap %s to=%d before=%v", d.name, newWrFd, before))
	return nil
}

func (d *fakeDev) ShareWith(readSideFd int) error {
	d.shareRd = readSideFd
	return nil
}

func (d *fakeDev) MmapReserved() ([]byte, error) {
	return make([]byte, 1024*1024), nil
}

func (d *fakeDev) ReadCapacity() (scsi.Capacity, error) {
	return scsi.Capacity{
		LastLba:   uint64(len(d.bus.inData)/d.bus.bs - 1),
		BlockSize: uint32(d.bus.bs),
	}, nil
}
