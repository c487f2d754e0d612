// Package sgio talks to the Linux SCSI generic (sg) driver: synchronous
// SG_IO, the async v3/v4 submit/receive interface and the v4 driver's
// buffer-share extension.
package sgio

import "unsafe"

// Data transfer directions, as in <scsi/sg.h>.
const (
	dxferNone    = -1
	dxferToDev   = -2
	dxferFromDev = -3
)

// Classic sg ioctls (no size encoding).
const (
	sgSetTimeout     = 0x2201
	sgEmulatedHost   = 0x2203
	sgGetVersionNum  = 0x2282
	sgGetReservedSz  = 0x2272
	sgSetReservedSz  = 0x2275
	sgSetForcePackID = 0x227b
	sgGetNumWaiting  = 0x227d
	sgIO             = 0x2285
)

// ioc builds a request number the way the kernel _IOC macro does.
func ioc(dir, nr, size uintptr) uintptr {
	const typ = 'g'
	return dir<<30 | size<<16 | typ<<8 | nr
}

const (
	iocWrite = 1
	iocRead  = 2
)

// v4 driver ioctls, encoded from the struct sizes below.
var (
	sgSetGetExtended = ioc(iocRead|iocWrite, 0x40, unsafe.Sizeof(sgExtendedInfo{}))
	sgIOSubmit       = ioc(iocRead|iocWrite, 0x41, unsafe.Sizeof(sgIoV4{}))
	sgIOReceive      = ioc(iocRead|iocWrite, 0x42, unsafe.Sizeof(sgIoV4{}))
	sgIOAbort        = ioc(iocWrite, 0x43, unsafe.Sizeof(sgIoV4{}))
	sgIOSubmitV3     = ioc(iocRead|iocWrite, 0x45, unsafe.Sizeof(sgIoHdr{}))
	sgIOReceiveV3    = ioc(iocRead|iocWrite, 0x46, unsafe.Sizeof(sgIoHdr{}))
)

// Request flags shared by the v3 and v4 interfaces.
const (
	flagDirectIO  = 0x1
	flagMmapIO    = 0x4
	flagYieldTag  = 0x8
	flagQAtTail   = 0x10
	flagQAtHead   = 0x20
	flagImmed     = 0x400
	flagShare     = 0x2000
	flagDoOnOther = 0x4000
	flagNoDxfer   = 0x10000
	flagKeepShare = 0x20000
)

// Write/read masks for sgExtendedInfo.
const (
	seimCtlFlags   = 0x1
	seimReadVal    = 0x2
	seimReservedSz = 0x4
	seimTotFdThr   = 0x8
	seimMinorIndex = 0x10
	seimShareFd    = 0x20
	seimChgShareFd = 0x40
	seimSgatElemSz = 0x80
)

// Control flags manipulated through seimCtlFlags.
const (
	ctlfTimeInNs     = 0x1
	ctlfTagForPackID = 0x2
	ctlfUnshare      = 0x80
	ctlfReadSideFini = 0x100
	ctlfReadSideErr  = 0x200
)

// Completion status masks, as in <scsi/sg.h>.
const (
	infoOkMask       = 0x1
	infoDirectIOMask = 0x6
	infoDirectIO     = 0x2

	driverSense    = 0x08
	driverStatMask = 0x0f
)

// Host (adapter) status codes of interest.
const (
	didOK        = 0x00
	didNoConnect = 0x01
	didBusBusy   = 0x02
	didTimeOut   = 0x03
	didSoftError = 0x0b
)

// sgIoHdr is struct sg_io_hdr, the v3 interface control block.
type sgIoHdr struct {
	interfaceID    int32
	dxferDirection int32
	cmdLen         uint8
	mxSbLen        uint8
	iovecCount     uint16
	dxferLen       uint32
	dxferp         uintptr
	cmdp           uintptr
	sbp            uintptr
	timeout        uint32
	flags          uint32
	packID         int32
	usrPtr         uintptr
	status         uint8
	maskedStatus   uint8
	msgStatus      uint8
	sbLenWr        uint8
	hostStatus     uint16
	driverStatus   uint16
	resid          int32
	duration       uint32
	info           uint32
}

// sgIoV4 is struct sg_io_v4 (guard 'Q'), the v4 interface control block.
// The pack id travels in requestExtra and is echoed back on completion.
type sgIoV4 struct {
	guard           int32
	protocol        uint32
	subprotocol     uint32
	requestLen      uint32
	request         uint64
	requestTag      uint64
	requestAttr     uint32
	requestPriority uint32
	requestExtra    uint32
	maxResponseLen  uint32
	response        uint64
	doutIovecCount  uint32
	doutXferLen     uint32
	dinIovecCount   uint32
	dinXferLen      uint32
	doutXferp       uint64
	dinXferp        uint64
	timeout         uint32
	flags           uint32
	usrPtr          uint64
	spareIn         uint32
	driverStatus    uint32
	transportStatus uint32
	deviceStatus    uint32
	retryDelay      uint32
	info            uint32
	duration        uint32
	responseLen     uint32
	dinResid        int32
	doutResid       int32
	generatedTag    uint64
	spareOut        uint32
	padding         uint32
}

// sgExtendedInfo is struct sg_extended_info for SG_SET_GET_EXTENDED.
type sgExtendedInfo struct {
	seiWrMask      uint32
	seiRdMask      uint32
	ctlFlagsWrMask uint32
	ctlFlagsRdMask uint32
	ctlFlags       uint32
	readValue      uint32
	reservedSz     uint32
	totFdThresh    uint32
	minorIndex     uint32
	shareFd        uint32
	sgatElemSz     uint32
	pad            [13]uint32
}
