// Package blockdev provides a random-access, fixed-block byte store over
// either a regular file or a character/block special file.
package blockdev

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrShortRead is returned by ReadAt when fewer bytes than requested could
// be read, distinguishing a torn/short read from a clean io.EOF at the
// boundary of the device.
var ErrShortRead = errors.New("blockdev: short read")

// Device is a random-access byte store backed by a single open file
// descriptor, addressed by logical offset rather than sector number.
type Device struct {
	f        *os.File
	isRegular bool
	size     int64
}

// Open opens path as a block device. Regular files are created if absent;
// character/block special files must already exist.
func Open(path string) (*Device, error) {
	info, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("blockdev: stat %s: %w", path, err)
		}
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("blockdev: create %s: %w", path, err)
		}
		return &Device{f: f, isRegular: true, size: 0}, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}

	d := &Device{f: f, isRegular: info.Mode().IsRegular()}
	if d.isRegular {
		d.size = info.Size()
	} else {
		size, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("blockdev: probe size of %s: %w", path, err)
		}
		d.size = size
	}

	return d, nil
}

// ReadAt reads exactly len bytes starting at offset. A short read is
// reported as ErrShortRead rather than silently returning a partial slice.
func (d *Device) ReadAt(offset int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := d.f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("blockdev: read at %d: %w", offset, err)
	}
	if read < n {
		return nil, fmt.Errorf("blockdev: read at %d (%d of %d bytes): %w", offset, read, n, ErrShortRead)
	}
	return buf, nil
}

// WriteAt writes bytes at the given logical offset.
func (d *Device) WriteAt(offset int64, b []byte) error {
	n, err := d.f.WriteAt(b, offset)
	if err != nil {
		return fmt.Errorf("blockdev: write at %d: %w", offset, err)
	}
	if n < len(b) {
		return fmt.Errorf("blockdev: write at %d (%d of %d bytes): %w", offset, n, len(b), io.ErrShortWrite)
	}
	if offset+int64(n) > d.size {
		d.size = offset + int64(n)
	}
	return nil
}

// Flush durably persists all writes issued so far.
func (d *Device) Flush() error {
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("blockdev: sync: %w", err)
	}
	return nil
}

// Capacity returns the device's current logical size in bytes.
func (d *Device) Capacity() int64 {
	return d.size
}

// CanGrow reports whether EnsureSize can extend this device past its
// current capacity: true for a regular file (truncate), false for a
// character/block special file, whose capacity is fixed at open time.
func (d *Device) CanGrow() bool {
	return d.isRegular
}

// EnsureSize grows the device to at least newCap bytes. Regular files are
// extended via truncate; block special files refuse growth past their
// probed capacity.
func (d *Device) EnsureSize(newCap int64) error {
	if newCap <= d.size {
		return nil
	}
	if !d.isRegular {
		return fmt.Errorf("blockdev: cannot grow block device beyond capacity %d (requested %d)", d.size, newCap)
	}
	if err := d.f.Truncate(newCap); err != nil {
		return fmt.Errorf("blockdev: truncate to %d: %w", newCap, err)
	}
	d.size = newCap
	return nil
}

// Fd exposes the underlying file descriptor, needed by the store façade to
// acquire an advisory exclusive lock on the backing path.
func (d *Device) Fd() uintptr {
	return d.f.Fd()
}

// Close releases the underlying file descriptor.
func (d *Device) Close() error {
	if err := d.f.Close(); err != nil {
		return fmt.Errorf("blockdev: close: %w", err)
	}
	return nil
}
