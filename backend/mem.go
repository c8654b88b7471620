package backend

import (
	"fmt"
	"sync"
)

// Memory is RAM-backed media
type Memory struct {
	data []byte
	size int64
	mu   sync.RWMutex

	writes uint64
}

// NewMemory creates zeroed media of the given size
func NewMemory(size int64) *Memory {
	return &Memory{
		data: make([]byte, size),
		size: size,
	}
}

// ReadAt implements Media
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.data == nil {
		return 0, fmt.Errorf("memory media closed")
	}
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if off >= m.size {
		return 0, nil
	}

	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	n := copy(p, m.data[off:off+int64(len(p))])
	return n, nil
}

// WriteAt implements Media
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data == nil {
		return 0, fmt.Errorf("memory media closed")
	}
	if off < 0 || off+int64(len(p)) > m.size {
		return 0, fmt.Errorf("write of %d bytes at %d beyond end of media (%d)", len(p), off, m.size)
	}
	m.writes++
	return copy(m.data[off:], p), nil
}

// Size implements Media
func (m *Memory) Size() int64 {
	return m.size
}

// Flush implements Media
func (m *Memory) Flush() error {
	return nil
}

// Close implements Media
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}

// WriteZeroes implements Zeroer
func (m *Memory) WriteZeroes(off, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off >= m.size {
		return nil
	}
	end := off + length
	if end > m.size {
		end = m.size
	}
	clear(m.data[off:end])
	return nil
}

// Stats implements StatMedia
func (m *Memory) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]any{
		"type":   "memory",
		"size":   m.size,
		"writes": m.writes,
	}
}

var (
	_ Media     = (*Memory)(nil)
	_ Zeroer    = (*Memory)(nil)
	_ StatMedia = (*Memory)(nil)
)
