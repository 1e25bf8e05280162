//go:build unix

package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// Create builds a new shared-memory arena of the given total size and maps
// it into this process. It fails if a region with the same name exists.
func Create(name string, size uint64) (*Arena, error) {
	if size < arenaHeaderSize+allocAlign {
		return nil, fmt.Errorf("shm: arena size %d too small", size)
	}
	path := regionPath(name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: create region %s: %w", path, err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(path)
	}
	if err := file.Truncate(int64(size)); err != nil {
		cleanup()
		return nil, fmt.Errorf("shm: resize region: %w", err)
	}
	mem, err := mmapFile(file, int(size))
	// The fd is only needed for the mapping itself.
	file.Close()
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	a := &Arena{mem: mem, path: path, owner: true}
	a.initHeader(size)
	return a, nil
}

// Open maps an existing arena created by another process.
func Open(name string) (*Arena, error) {
	path := regionPath(name)
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: open region %s: %w", path, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("shm: stat region: %w", err)
	}
	mem, err := mmapFile(file, int(info.Size()))
	if err != nil {
		return nil, err
	}
	a := &Arena{mem: mem, path: path}
	if err := a.validateHeader(); err != nil {
		syscall.Munmap(mem)
		return nil, err
	}
	return a, nil
}

// Close unmaps the region. The creating process also removes the backing
// file; handles held by other processes become invalid after that.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	err := syscall.Munmap(a.mem)
	a.mem = nil
	if a.owner {
		if rmErr := os.Remove(a.path); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}

func regionPath(name string) string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", "infershm_"+name)
	}
	return filepath.Join(os.TempDir(), "infershm_"+name)
}

func mmapFile(file *os.File, size int) ([]byte, error) {
	mem, err := syscall.Mmap(int(file.Fd()), 0, size,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap failed: %w", err)
	}
	return mem, nil
}
