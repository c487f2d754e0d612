package sgio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sys/unix"
)

// Buffer sharing routes the write side's data phase straight out of the read
// side's reserved buffer inside the kernel, pairing requests by pack id. The
// read side is the "master" that owns the buffer; the write side holds a
// weak reference valid for one matched pair.

// ShareWith establishes the share link: d (the write side) will consume the
// reserved buffer of the read-side fd. Requires a v4-capable driver.
func (d *Device) ShareWith(readSideFd int) error {
	if d.version < minVersionV4 {
		return fmt.Errorf("driver version %d lacks buffer sharing", d.version)
	}
	ei := sgExtendedInfo{
		seiWrMask: seimShareFd,
		seiRdMask: seimShareFd,
		shareFd:   uint32(readSideFd),
	}
	if err := d.extended(&ei); err != nil {
		return fmt.Errorf("failed to bind share to fd %d: %w", readSideFd, err)
	}
	return nil
}

// Unshare drops the share link on d.
func (d *Device) Unshare() error {
	ei := sgExtendedInfo{
		seiWrMask:      seimCtlFlags,
		ctlFlagsWrMask: ctlfUnshare,
		ctlFlags:       ctlfUnshare,
	}
	if err := d.extended(&ei); err != nil {
		return fmt.Errorf("failed to unshare: %w", err)
	}
	return nil
}

// SwapShare redirects the share held on d (the read side) to a different
// write-side fd. With before set it first releases the read side's finished
// state so the pending pair can be reused by the secondary output; the
// kernel reports EBUSY while the previous pair is still draining, which is
// retried with exponential backoff.
func (d *Device) SwapShare(newWrFd int, before bool) error {
	if before {
		ei := sgExtendedInfo{
			seiWrMask:      seimCtlFlags,
			ctlFlagsWrMask: ctlfReadSideFini,
		}
		if err := d.extended(&ei); err != nil {
			return fmt.Errorf("failed to clear read-side finished state: %w", err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Microsecond
	bo.MaxInterval = 10 * time.Millisecond

	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		ei := sgExtendedInfo{
			seiWrMask: seimChgShareFd,
			seiRdMask: seimChgShareFd,
			shareFd:   uint32(newWrFd),
		}
		err := d.extended(&ei)
		if errors.Is(err, unix.EBUSY) {
			return struct{}{}, err
		}
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(5*time.Second))
	if err != nil {
		return fmt.Errorf("failed to swap share to fd %d: %w", newWrFd, err)
	}
	return nil
}
