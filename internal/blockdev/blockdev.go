// Package blockdev resolves what kind of file an endpoint path names and
// discovers block-device capacities.
package blockdev

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kind is the closed set of endpoint file types the copier drives.
type Kind int

const (
	KindOther Kind = iota
	KindSg
	KindBlock
	KindRaw
	KindRegular
	KindNull
	KindStdin
	KindStdout
	KindFifo
)

func (k Kind) String() string {
	switch k {
	case KindSg:
		return "sg device"
	case KindBlock:
		return "block device"
	case KindRaw:
		return "raw device"
	case KindRegular:
		return "regular file"
	case KindNull:
		return "null"
	case KindStdin:
		return "stdin"
	case KindStdout:
		return "stdout"
	case KindFifo:
		return "fifo"
	default:
		return "other"
	}
}

// Character device majors of interest.
const (
	memMajor         = 1 // /dev/null lives here, minor 3
	scsiGenericMajor = 21
	rawMajor         = 162
	devNullMinor     = 3
)

// Detect stats path and classifies it. The pseudo names "-" (stdin/stdout)
// and "." (null sink) are resolved before operands reach here.
func Detect(path string) (Kind, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return KindOther, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return detect(&st), nil
}

// DetectFd classifies an already-open descriptor.
func DetectFd(f *os.File) (Kind, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return KindOther, fmt.Errorf("failed to fstat %s: %w", f.Name(), err)
	}
	return detect(&st), nil
}

func detect(st *unix.Stat_t) Kind {
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFCHR:
		major := unix.Major(st.Rdev)
		minor := unix.Minor(st.Rdev)
		switch {
		case major == scsiGenericMajor:
			return KindSg
		case major == rawMajor:
			return KindRaw
		case major == memMajor && minor == devNullMinor:
			return KindNull
		}
		return KindOther
	case unix.S_IFBLK:
		return KindBlock
	case unix.S_IFREG:
		return KindRegular
	case unix.S_IFIFO:
		return KindFifo
	}
	return KindOther
}

// Capacity returns the size of an open block device in logical blocks of
// size bs, via BLKGETSIZE64.
func Capacity(f *os.File, bs int) (int64, error) {
	var bytes uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64,
		uintptr(unsafe.Pointer(&bytes)))
	if errno != 0 {
		return 0, fmt.Errorf("failed to read size of %s: %w", f.Name(), errno)
	}
	return int64(bytes) / int64(bs), nil
}

// SectorSize returns the device's logical sector size via BLKSSZGET.
func SectorSize(f *os.File) (int, error) {
	sz, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKSSZGET)
	if err != nil {
		return 0, fmt.Errorf("failed to read sector size of %s: %w", f.Name(), err)
	}
	return sz, nil
}

// RegularBlocks returns the block count of a regular file, rounding the
// final partial block up.
func RegularBlocks(f *os.File, bs int) (int64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", f.Name(), err)
	}
	return (st.Size() + int64(bs) - 1) / int64(bs), nil
}
