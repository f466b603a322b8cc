//go:build unix

package vecstore

import (
	"errors"
	"fmt"
	"syscall"
)

// acquireLock takes an advisory exclusive flock on fd, the same call used
// by the pack's own file-based locker (calvinalkan-agent-task's
// internal/fs.Locker) for its inter-process writer coordination, applied
// here directly to the backing path's descriptor instead of a side lock
// file. Returns a DEVICE_BUSY Error if another process already holds it.
func acquireLock(fd uintptr) error {
	err := syscall.Flock(int(fd), syscall.LOCK_EX|syscall.LOCK_NB)
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
		return newErr("initialize", KindDeviceBusy, err)
	}
	return newErr("initialize", KindIO, fmt.Errorf("acquiring advisory lock: %w", err))
}

// releaseLock drops the advisory lock acquired by acquireLock.
func releaseLock(fd uintptr) error {
	if err := syscall.Flock(int(fd), syscall.LOCK_UN); err != nil {
		return newErr("close", KindIO, fmt.Errorf("releasing advisory lock: %w", err))
	}
	return nil
}
