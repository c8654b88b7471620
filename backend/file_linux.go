//go:build linux

package backend

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"syscall"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
)

const fileRingEntries = 64

// File is media stored in a regular file. Reads, writes and fsync go through
// a private io_uring.
type File struct {
	f    *os.File
	fd   int
	size int64

	mu   sync.Mutex // one request on the ring at a time
	ring *giouring.Ring
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
	ring, err := giouring.CreateRing(fileRingEntries)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create io_uring: %w", err)
	}
	return &File{f: f, fd: int(f.Fd()), size: size, ring: ring}, nil
}

// do submits one prepared request and waits for its result
func (m *File) do(prep func(sqe *giouring.SubmissionQueueEntry)) (int32, error) {
	sqe := m.ring.GetSQE()
	if sqe == nil {
		return 0, fmt.Errorf("io_uring submission queue full")
	}
	prep(sqe)
	if _, err := m.ring.SubmitAndWait(1); err != nil {
		return 0, fmt.Errorf("io_uring submit: %w", err)
	}
	cqe, err := m.ring.WaitCQE()
	if err != nil {
		return 0, fmt.Errorf("io_uring wait: %w", err)
	}
	res := cqe.Res
	m.ring.CQESeen(cqe)
	if res < 0 {
		return 0, syscall.Errno(-res)
	}
	return res, nil
}

func (m *File) transfer(p []byte, off int64, write bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ring == nil {
		return 0, os.ErrClosed
	}

	done := 0
	for done < len(p) {
		buf := uintptr(unsafe.Pointer(&p[done]))
		n := uint32(len(p) - done)
		at := uint64(off) + uint64(done)
		res, err := m.do(func(sqe *giouring.SubmissionQueueEntry) {
			if write {
				sqe.PrepareWrite(m.fd, buf, n, at)
			} else {
				sqe.PrepareRead(m.fd, buf, n, at)
			}
		})
		if err != nil {
			return done, err
		}
		if res == 0 {
			break // end of file
		}
		done += int(res)
	}
	runtime.KeepAlive(p)
	return done, nil
}

// ReadAt implements Media
func (m *File) ReadAt(p []byte, off int64) (int, error) {
	if off >= m.size || len(p) == 0 {
		return 0, nil
	}
	if avail := m.size - off; int64(len(p)) > avail {
		p = p[:avail]
	}
	return m.transfer(p, off, false)
}

// WriteAt implements Media
func (m *File) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > m.size {
		return 0, fmt.Errorf("write of %d bytes at %d beyond end of media (%d)", len(p), off, m.size)
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := m.transfer(p, off, true)
	if err == nil && n < len(p) {
		err = fmt.Errorf("short write: %d of %d bytes", n, len(p))
	}
	return n, err
}

// Size implements Media
func (m *File) Size() int64 { return m.size }

// Flush implements Media
func (m *File) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ring == nil {
		return os.ErrClosed
	}
	_, err := m.do(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareFsync(m.fd, 0)
	})
	return err
}

// Close implements Media
func (m *File) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ring != nil {
		m.ring.QueueExit()
		m.ring = nil
	}
	return m.f.Close()
}

// Stats implements StatMedia
func (m *File) Stats() map[string]any {
	return map[string]any{
		"type": "file",
		"path": m.f.Name(),
		"size": m.size,
	}
}

var (
	_ Media     = (*File)(nil)
	_ StatMedia = (*File)(nil)
)
