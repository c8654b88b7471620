//go:build !linux

package backend

import (
	"fmt"
	"os"
)

// File is media stored in a regular file
type File struct {
	f    *os.File
	size int64
}

// OpenFile opens or creates path and sizes it to size bytes
func OpenFile(path string, size int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("size %s: %w", path, err)
	}
	return &File{f: f, size: size}, nil
}

func (m *File) ReadAt(p []byte, off int64) (int, error) {
	n, err := m.f.ReadAt(p, off)
	if n == len(p) || off+int64(n) >= m.size {
		err = nil
	}
	return n, err
}

func (m *File) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > m.size {
		return 0, fmt.Errorf("write of %d bytes at %d beyond end of media (%d)", len(p), off, m.size)
	}
	return m.f.WriteAt(p, off)
}

func (m *File) Size() int64  { return m.size }
func (m *File) Flush() error { return m.f.Sync() }
func (m *File) Close() error { return m.f.Close() }

var _ Media = (*File)(nil)
