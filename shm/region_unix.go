//go:build darwin || linux

package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// region is an mmap-backed shared file. The fd is closed right after
// mapping; the mapping keeps the pages alive.
type region struct {
	path    string
	data    []byte
	created bool
}

func createRegion(dir string, size int) (*region, error) {
	f, err := os.CreateTemp(dir, "eblitproc-*.shm")
	if err != nil {
		return nil, fmt.Errorf("create shared region: %w", err)
	}
	path := f.Name()

	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("size shared region: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	f.Close()
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("map shared region: %w", err)
	}

	return &region{path: path, data: data, created: true}, nil
}

func openRegion(path string, size int) (*region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open shared region: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("map shared region: %w", err)
	}

	return &region{path: path, data: data}, nil
}

func (r *region) close() error {
	var err error
	if r.data != nil {
		err = unix.Munmap(r.data)
		r.data = nil
	}
	if r.created {
		if rmErr := os.Remove(r.path); err == nil {
			err = rmErr
		}
	}
	return err
}
