// Package isolate provides the two primitives the isolated hardware
// execution path is built from: a file-backed shared memory region that
// survives the process boundary, and a runner that re-executes the current
// binary as a worker child and maps its exit status to an error.
package isolate

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Region is a shared memory segment backed by a file. A parent creates it,
// hands the path to a child process, and both sides map the same pages, so
// writes on one side are visible on the other without any copying at the
// boundary.
type Region struct {
	f    *os.File
	data []byte
	// owner removes the backing file on Close.
	owner bool
}

// NewRegion creates a zero-filled shared region of the given size under dir.
func NewRegion(dir, name string, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("isolate: region size must be positive, got %d", size)
	}
	f, err := os.CreateTemp(dir, name+"-*.shm")
	if err != nil {
		return nil, fmt.Errorf("isolate: creating region backing file: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("isolate: sizing region %s: %w", f.Name(), err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("isolate: mapping region %s: %w", f.Name(), err)
	}
	return &Region{f: f, data: data, owner: true}, nil
}

// OpenRegion maps an existing region created by another process.
func OpenRegion(path string) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("isolate: opening region: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("isolate: mapping region %s: %w", path, err)
	}
	return &Region{f: f, data: data}, nil
}

// Path returns the backing file path, for handing to the child.
func (r *Region) Path() string { return r.f.Name() }

// Bytes returns the mapped pages.
func (r *Region) Bytes() []byte { return r.data }

// Int64At reads a little-endian int64 at the byte offset.
func (r *Region) Int64At(off int) int64 {
	return int64(binary.LittleEndian.Uint64(r.data[off:]))
}

// SetInt64At writes a little-endian int64 at the byte offset.
func (r *Region) SetInt64At(off int, v int64) {
	binary.LittleEndian.PutUint64(r.data[off:], uint64(v))
}

// Close unmaps the region; the creating side also removes the backing file.
func (r *Region) Close() error {
	err := unix.Munmap(r.data)
	r.data = nil
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	if r.owner {
		if rerr := os.Remove(r.f.Name()); err == nil {
			err = rerr
		}
	}
	return err
}
