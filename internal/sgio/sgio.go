package sgio

import (
	"errors"
	"fmt"
	"os"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/scsitools/sghdd/internal/scsi"
)

// Iface selects the sg driver interface generation used for async commands.
type Iface int

const (
	IfaceV3 Iface = 3
	IfaceV4 Iface = 4
)

// DefaultTimeout is applied to every SCSI command unless overridden.
const DefaultTimeout = 60 * time.Second

// Minimum driver version (2.0.0 scheme: major*10000+minor*100+rev) that
// carries the v4 async interface and buffer sharing.
const minVersionV4 = 40000

const senseBufLen = 64

// ErrOutOfMemory reports an ENOMEM from submission, typically a saturated
// reserved buffer when direct or mmap IO was requested.
var ErrOutOfMemory = errors.New("sg submit: out of memory")

// Outcome classifies one command completion.
type Outcome int

const (
	// OutcomeClean: no device, transport or driver error.
	OutcomeClean Outcome = iota
	// OutcomeRecovered: the device corrected the error; data is valid.
	OutcomeRecovered
	// OutcomeAborted: ABORTED COMMAND sense; retry the same segment.
	OutcomeAborted
	// OutcomeUnitAttention: UNIT ATTENTION sense; retry the same segment.
	OutcomeUnitAttention
	// OutcomeMediumHard: unrecovered medium or hardware error.
	OutcomeMediumHard
	// OutcomeNotReady: the device cannot service commands.
	OutcomeNotReady
	// OutcomeOther: anything else; treated as fatal.
	OutcomeOther
)

func (o Outcome) String() string {
	switch o {
	case OutcomeClean:
		return "clean"
	case OutcomeRecovered:
		return "recovered"
	case OutcomeAborted:
		return "aborted command"
	case OutcomeUnitAttention:
		return "unit attention"
	case OutcomeMediumHard:
		return "medium/hardware error"
	case OutcomeNotReady:
		return "not ready"
	default:
		return "other"
	}
}

// Category maps an outcome to the process exit category it implies.
func (o Outcome) Category() scsi.Category {
	switch o {
	case OutcomeClean, OutcomeRecovered:
		return scsi.CatClean
	case OutcomeAborted:
		return scsi.CatAborted
	case OutcomeUnitAttention:
		return scsi.CatUnitAttention
	case OutcomeMediumHard:
		return scsi.CatMediumHard
	case OutcomeNotReady:
		return scsi.CatNotReady
	default:
		return scsi.CatOther
	}
}

// Request is one asynchronous READ or WRITE submission. Sense must stay
// alive until the matching Receive returns; the worker's request element
// owns it so commands in flight on a shared fd never clobber each other.
type Request struct {
	Cdb     []byte
	Write   bool
	Buf     []byte // nil with NoDxfer or when the share supplies the data
	Sense   []byte
	PackID  int
	Timeout time.Duration

	DirectIO  bool
	MmapIO    bool
	NoDxfer   bool
	Share     bool // write side consumes the read side's reserved buffer
	KeepShare bool // retain the share pairing after this command
	OnOther   bool // submit on the share partner's request queue
}

// Completion is the classified result of one command.
type Completion struct {
	PackID        int
	Outcome       Outcome
	Resid         int
	DioIncomplete bool
	SenseKey      int
	Asc, Ascq     byte
	Duration      time.Duration
}

// Handle is the surface the copier workers drive. It is satisfied by
// *Device and by test fakes.
type Handle interface {
	Fd() int
	Close() error
	Submit(rq Request) error
	Receive(packID int, sense []byte) (Completion, error)
	Abort(packID int) error
	Poll(timeout time.Duration) (bool, error)
	ShareWith(readSideFd int) error
	SwapShare(newWrFd int, before bool) error
	Unshare() error
	MmapReserved() ([]byte, error)
	ReadCapacity() (scsi.Capacity, error)
}

// Device is an open sg character device.
type Device struct {
	f       *os.File
	iface   Iface
	version int
	log     *zap.SugaredLogger

	reservedSz int
	mmapBuf    []byte

	// Fallback sense buffer for callers that do not supply one; only safe
	// while a single command is in flight on this fd.
	sense [senseBufLen]byte
}

// Open opens an sg device and probes the driver version. extraFlags is OR-ed
// into O_RDWR|O_NONBLOCK (O_EXCL, O_DIRECT and friends).
func Open(path string, extraFlags int, iface Iface, log *zap.SugaredLogger) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK|extraFlags, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open sg device %s: %w", path, err)
	}
	f := os.NewFile(uintptr(fd), path)

	version, err := unix.IoctlGetInt(fd, sgGetVersionNum)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: not an sg device: %w", path, err)
	}
	if iface == IfaceV4 && version < minVersionV4 {
		f.Close()
		return nil, fmt.Errorf("%s: driver version %d lacks the v4 interface", path, version)
	}

	return &Device{f: f, iface: iface, version: version, log: log}, nil
}

// Fd returns the underlying file descriptor.
func (d *Device) Fd() int { return int(d.f.Fd()) }

// Iface returns the interface generation this device was opened with.
func (d *Device) Iface() Iface { return d.iface }

// Close unmaps any reserved-buffer mapping and closes the device.
func (d *Device) Close() error {
	if d.mmapBuf != nil {
		if err := unix.Munmap(d.mmapBuf); err != nil {
			d.log.Warnf("failed to unmap reserved buffer: %v", err)
		}
		d.mmapBuf = nil
	}
	return d.f.Close()
}

// Configure sizes the reserved buffer (unless keepDefault), forces pack-id
// matching on receive, and applies the scatter-gather element size hint.
func (d *Device) Configure(reservedSz, elemSz int, keepDefault bool) error {
	if !keepDefault {
		sz := reservedSz
		if err := unix.IoctlSetPointerInt(d.Fd(), sgSetReservedSz, sz); err != nil {
			return fmt.Errorf("failed to set reserved buffer size %d: %w", sz, err)
		}
		d.reservedSz = sz
	} else {
		sz, err := unix.IoctlGetInt(d.Fd(), sgGetReservedSz)
		if err != nil {
			return fmt.Errorf("failed to read reserved buffer size: %w", err)
		}
		d.reservedSz = sz
	}

	if err := unix.IoctlSetPointerInt(d.Fd(), sgSetForcePackID, 1); err != nil {
		return fmt.Errorf("failed to force pack id matching: %w", err)
	}

	if elemSz > 0 && d.version >= minVersionV4 {
		ei := sgExtendedInfo{
			seiWrMask:  seimSgatElemSz,
			seiRdMask:  seimSgatElemSz,
			sgatElemSz: uint32(elemSz),
		}
		if err := d.extended(&ei); err != nil {
			d.log.Debugf("sgat element size hint rejected: %v", err)
		}
	}
	return nil
}

// ReservedSize returns the reserved buffer size established by Configure.
func (d *Device) ReservedSize() int { return d.reservedSz }

// MmapReserved maps the driver's reserved buffer into user space for
// SG_FLAG_MMAP_IO transfers.
func (d *Device) MmapReserved() ([]byte, error) {
	if d.mmapBuf != nil {
		return d.mmapBuf, nil
	}
	if d.reservedSz <= 0 {
		return nil, errors.New("reserved buffer size unknown; call Configure first")
	}
	buf, err := unix.Mmap(d.Fd(), 0, d.reservedSz, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap reserved buffer: %w", err)
	}
	d.mmapBuf = buf
	return buf, nil
}

func (d *Device) extended(ei *sgExtendedInfo) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), sgSetGetExtended, uintptr(unsafe.Pointer(ei)))
	if errno != 0 {
		return errno
	}
	return nil
}

func (d *Device) ioctl(req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), req, uintptr(arg))
		if errno == 0 {
			return nil
		}
		if errno == unix.EINTR || errno == unix.EAGAIN || errno == unix.EBUSY {
			continue
		}
		return errno
	}
}

func requestFlags(rq Request) uint32 {
	var fl uint32
	if rq.DirectIO {
		fl |= flagDirectIO
	}
	if rq.MmapIO {
		fl |= flagMmapIO
	}
	if rq.NoDxfer {
		fl |= flagNoDxfer
	}
	if rq.Share {
		fl |= flagShare
	}
	if rq.KeepShare {
		fl |= flagKeepShare
	}
	if rq.OnOther {
		fl |= flagDoOnOther
	}
	return fl
}

// Submit queues one command. ENOMEM is reported as ErrOutOfMemory so the
// caller can throttle; any other failure is fatal for the transfer.
func (d *Device) Submit(rq Request) error {
	timeout := rq.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	sense := rq.Sense
	if sense == nil {
		sense = d.sense[:]
	}

	var err error
	if d.iface == IfaceV4 {
		h := sgIoV4{
			guard:          'Q',
			requestLen:     uint32(len(rq.Cdb)),
			request:        uint64(uintptr(unsafe.Pointer(&rq.Cdb[0]))),
			maxResponseLen: uint32(len(sense)),
			response:       uint64(uintptr(unsafe.Pointer(&sense[0]))),
			requestExtra:   uint32(rq.PackID),
			timeout:        uint32(timeout / time.Millisecond),
			flags:          requestFlags(rq),
		}
		if len(rq.Buf) > 0 {
			p := uint64(uintptr(unsafe.Pointer(&rq.Buf[0])))
			if rq.Write {
				h.doutXferLen = uint32(len(rq.Buf))
				h.doutXferp = p
			} else {
				h.dinXferLen = uint32(len(rq.Buf))
				h.dinXferp = p
			}
		}
		err = d.ioctl(sgIOSubmit, unsafe.Pointer(&h))
	} else {
		h := sgIoHdr{
			interfaceID:    'S',
			dxferDirection: int32(direction(rq)),
			cmdLen:         uint8(len(rq.Cdb)),
			mxSbLen:        uint8(len(sense)),
			cmdp:           uintptr(unsafe.Pointer(&rq.Cdb[0])),
			sbp:            uintptr(unsafe.Pointer(&sense[0])),
			timeout:        uint32(timeout / time.Millisecond),
			flags:          requestFlags(rq),
			packID:         int32(rq.PackID),
		}
		if len(rq.Buf) > 0 {
			h.dxferLen = uint32(len(rq.Buf))
			h.dxferp = uintptr(unsafe.Pointer(&rq.Buf[0]))
		}
		err = d.ioctl(sgIOSubmitV3, unsafe.Pointer(&h))
	}
	if err != nil {
		if errors.Is(err, unix.ENOMEM) {
			return ErrOutOfMemory
		}
		return fmt.Errorf("sg submit pack_id=%d: %w", rq.PackID, err)
	}
	return nil
}

func direction(rq Request) int {
	if rq.NoDxfer && !rq.Share {
		return dxferNone
	}
	if rq.Write {
		return dxferToDev
	}
	return dxferFromDev
}

// Receive blocks until the command with the given pack id completes and
// classifies the result. sense must be the buffer the matching Submit
// carried; pass nil to use the device fallback buffer.
func (d *Device) Receive(packID int, sense []byte) (Completion, error) {
	if sense == nil {
		sense = d.sense[:]
	}
	if d.iface == IfaceV4 {
		h := sgIoV4{
			guard:          'Q',
			requestExtra:   uint32(packID),
			maxResponseLen: uint32(len(sense)),
			response:       uint64(uintptr(unsafe.Pointer(&sense[0]))),
		}
		if err := d.ioctl(sgIOReceive, unsafe.Pointer(&h)); err != nil {
			return Completion{}, fmt.Errorf("sg receive pack_id=%d: %w", packID, err)
		}
		return classifyV4(&h, sense), nil
	}

	h := sgIoHdr{
		interfaceID: 'S',
		packID:      int32(packID),
		mxSbLen:     uint8(len(sense)),
		sbp:         uintptr(unsafe.Pointer(&sense[0])),
	}
	if err := d.ioctl(sgIOReceiveV3, unsafe.Pointer(&h)); err != nil {
		return Completion{}, fmt.Errorf("sg receive pack_id=%d: %w", packID, err)
	}
	return classifyV3(&h, sense), nil
}

// Abort cancels the in-flight command with the given pack id.
func (d *Device) Abort(packID int) error {
	h := sgIoV4{
		guard:        'Q',
		requestExtra: uint32(packID),
	}
	if err := d.ioctl(sgIOAbort, unsafe.Pointer(&h)); err != nil {
		return fmt.Errorf("sg abort pack_id=%d: %w", packID, err)
	}
	return nil
}

// NumWaiting reports how many completions are ready on this fd.
func (d *Device) NumWaiting() (int, error) {
	return unix.IoctlGetInt(d.Fd(), sgGetNumWaiting)
}

// Poll waits up to the given duration for a completion to become readable.
// Returns false on timeout.
func (d *Device) Poll(timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(d.Fd()), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil && err != unix.EINTR {
		return false, fmt.Errorf("poll: %w", err)
	}
	return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
}

func classifyV3(h *sgIoHdr, sense []byte) Completion {
	c := Completion{
		PackID:   int(h.packID),
		Resid:    int(h.resid),
		Duration: time.Duration(h.duration) * time.Millisecond,
	}
	c.DioIncomplete = h.flags&flagDirectIO != 0 && h.info&infoDirectIOMask != infoDirectIO
	sb := sense[:min(int(h.sbLenWr), len(sense))]
	c.Outcome = classify(uint32(h.maskedStatus), uint32(h.hostStatus), uint32(h.driverStatus), sb)
	c.SenseKey = scsi.SenseKey(sb)
	c.Asc, c.Ascq = scsi.SenseCodes(sb)
	return c
}

func classifyV4(h *sgIoV4, sense []byte) Completion {
	c := Completion{
		PackID:   int(h.requestExtra),
		Resid:    int(h.dinResid) + int(h.doutResid),
		Duration: time.Duration(h.duration) * time.Millisecond,
	}
	c.DioIncomplete = h.flags&flagDirectIO != 0 && h.info&infoDirectIOMask != infoDirectIO
	sb := sense[:min(int(h.responseLen), len(sense))]
	c.Outcome = classify(h.deviceStatus>>1&0x7F, h.transportStatus, h.driverStatus, sb)
	c.SenseKey = scsi.SenseKey(sb)
	c.Asc, c.Ascq = scsi.SenseCodes(sb)
	return c
}

// classify maps a completion's status triple plus sense data onto the
// outcome taxonomy the workers act on.
func classify(maskedStatus, hostStatus, driverStatus uint32, sense []byte) Outcome {
	switch hostStatus {
	case didOK, didSoftError:
	case didNoConnect, didBusBusy, didTimeOut:
		return OutcomeNotReady
	default:
		return OutcomeOther
	}

	hasSense := maskedStatus == scsi.StatusCheckCond || driverStatus&driverSense != 0
	if hasSense {
		switch scsi.SenseKey(sense) {
		case scsi.SenseNoSense, scsi.SenseRecovered:
			return OutcomeRecovered
		case scsi.SenseNotReady:
			return OutcomeNotReady
		case scsi.SenseMediumError, scsi.SenseHardwareError:
			return OutcomeMediumHard
		case scsi.SenseUnitAttention:
			return OutcomeUnitAttention
		case scsi.SenseAbortedCommand:
			return OutcomeAborted
		default:
			return OutcomeOther
		}
	}

	switch maskedStatus {
	case scsi.StatusGood, scsi.StatusConditionGood, scsi.StatusIntermediate:
		if driverStatus&driverStatMask != 0 {
			return OutcomeOther
		}
		return OutcomeClean
	default:
		return OutcomeOther
	}
}

// SyncCommand issues one synchronous SG_IO command (capacity discovery,
// cache synchronisation). buf receives data from the device when fromDev is
// set.
func (d *Device) SyncCommand(cdb, buf []byte, fromDev bool, timeout time.Duration) (Completion, error) {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	dir := dxferToDev
	if fromDev {
		dir = dxferFromDev
	}
	if len(buf) == 0 {
		dir = dxferNone
	}
	h := sgIoHdr{
		interfaceID:    'S',
		dxferDirection: int32(dir),
		cmdLen:         uint8(len(cdb)),
		mxSbLen:        senseBufLen,
		cmdp:           uintptr(unsafe.Pointer(&cdb[0])),
		sbp:            uintptr(unsafe.Pointer(&d.sense[0])),
		timeout:        uint32(timeout / time.Millisecond),
	}
	if len(buf) > 0 {
		h.dxferLen = uint32(len(buf))
		h.dxferp = uintptr(unsafe.Pointer(&buf[0]))
	}
	if err := d.ioctl(sgIO, unsafe.Pointer(&h)); err != nil {
		return Completion{}, fmt.Errorf("sg_io: %w", err)
	}
	return classifyV3(&h, d.sense[:]), nil
}

// ReadCapacity discovers the device size in logical blocks, preferring the
// 10-byte form and escalating to 16-byte when the capacity saturates it.
func (d *Device) ReadCapacity() (scsi.Capacity, error) {
	resp := make([]byte, scsi.ReadCap10RespLen)
	comp, err := d.SyncCommand(scsi.BuildReadCapacity10(), resp, true, 0)
	if err != nil {
		return scsi.Capacity{}, err
	}
	if comp.Outcome != OutcomeClean && comp.Outcome != OutcomeRecovered {
		return scsi.Capacity{}, scsi.Categorize(comp.Outcome.Category(),
			fmt.Errorf("read capacity(10): %s", comp.Outcome))
	}
	cap10, err := scsi.DecodeReadCapacity10(resp)
	if err != nil {
		return scsi.Capacity{}, err
	}
	if !scsi.NeedsReadCapacity16(cap10) {
		return cap10, nil
	}

	resp16 := make([]byte, scsi.ReadCap16RespLen)
	comp, err = d.SyncCommand(scsi.BuildReadCapacity16(uint32(len(resp16))), resp16, true, 0)
	if err != nil {
		return scsi.Capacity{}, err
	}
	if comp.Outcome != OutcomeClean && comp.Outcome != OutcomeRecovered {
		return scsi.Capacity{}, scsi.Categorize(comp.Outcome.Category(),
			fmt.Errorf("read capacity(16): %s", comp.Outcome))
	}
	return scsi.DecodeReadCapacity16(resp16)
}
