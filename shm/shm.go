// Package shm maps files into memory for sharing between processes.
//
// It is the common plumbing underneath the shared ring source and the shared
// double buffer.  On Linux, files under /dev/shm are RAM backed; any other
// path works but is backed by the page cache of its filesystem.
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DefaultDir is where regions are created when no directory is configured
const DefaultDir = "/dev/shm"

var (
	// ErrTooSmall is generated when an existing file is smaller than the
	// region that was asked for and create was not requested
	ErrTooSmall = errors.New("shared memory file is smaller than the requested region")

	// ErrUnmapped is generated when a region is used after Close
	ErrUnmapped = errors.New("shared memory region is not mapped")
)

// Region is a file mapped read/write and shared
type Region struct {
	Path string
	Mem  []byte

	f       *os.File
	created bool
}

// Map maps size bytes of the file at path.  If create is true the file is
// created (or truncated to size) first; otherwise it must already exist and
// be at least size bytes long
func Map(path string, size int, create bool) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shared memory region size must be positive, got %d", size)
	}
	flag := os.O_RDWR
	if create {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		flag |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open shared memory %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat shared memory: %w", err)
	}
	if info.Size() < int64(size) {
		if !create {
			f.Close()
			return nil, fmt.Errorf("%s is %d bytes, need %d: %w", path, info.Size(), size, ErrTooSmall)
		}
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize shared memory: %w", err)
		}
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to mmap shared memory: %w", err)
	}
	return &Region{Path: path, Mem: mem, f: f, created: create}, nil
}

// Close unmaps the region and closes the file.  The file itself is left in
// place for other processes, see Remove
func (r *Region) Close() error {
	if r.Mem == nil {
		return ErrUnmapped
	}
	err := unix.Munmap(r.Mem)
	r.Mem = nil
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Remove deletes the backing file.  Mappings in other processes remain valid
// until they are unmapped
func (r *Region) Remove() error {
	return os.Remove(r.Path)
}

// Created is true if this process created the file
func (r *Region) Created() bool {
	return r.created
}
