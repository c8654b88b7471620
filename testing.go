package unvme

import (
	"errors"
	"sync"

	"github.com/ehrlich-b/go-unvme/backend"
	"github.com/ehrlich-b/go-unvme/emu"
)

// ErrMediaFailure is returned by MockMedia for injected failures
var ErrMediaFailure = errors.New("unvme: injected media failure")

// MockMedia is an in-memory namespace for testing that counts calls and can
// fail reads and writes on demand. Behind an emulated controller a failed
// read or write completes with a media error status.
type MockMedia struct {
	mu     sync.RWMutex
	data   []byte
	closed bool

	failReads  bool
	failWrites bool

	readCalls  int
	writeCalls int
	flushCalls int
	zeroCalls  int
}

// NewMockMedia creates a mock namespace of size bytes
func NewMockMedia(size int64) *MockMedia {
	return &MockMedia{data: make([]byte, size)}
}

func (m *MockMedia) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls++
	if m.closed {
		return 0, ErrClosed
	}
	if m.failReads {
		return 0, ErrMediaFailure
	}
	if off < 0 {
		return 0, ErrInvalidParameters
	}
	if off >= int64(len(m.data)) {
		return 0, nil
	}
	return copy(p, m.data[off:]), nil
}

func (m *MockMedia) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++
	if m.closed {
		return 0, ErrClosed
	}
	if m.failWrites {
		return 0, ErrMediaFailure
	}
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, ErrInvalidParameters
	}
	return copy(m.data[off:], p), nil
}

func (m *MockMedia) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data))
}

func (m *MockMedia) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushCalls++
	return nil
}

func (m *MockMedia) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// WriteZeroes implements backend.Zeroer
func (m *MockMedia) WriteZeroes(off, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.zeroCalls++
	if off < 0 || off+length > int64(len(m.data)) {
		return ErrInvalidParameters
	}
	clear(m.data[off : off+length])
	return nil
}

// Stats implements backend.StatMedia
func (m *MockMedia) Stats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]any{
		"type":        "mock",
		"size":        int64(len(m.data)),
		"read_calls":  m.readCalls,
		"write_calls": m.writeCalls,
		"flush_calls": m.flushCalls,
		"zero_calls":  m.zeroCalls,
	}
}

// Testing utility methods

// FailReads makes subsequent reads fail (or succeed again)
func (m *MockMedia) FailReads(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failReads = fail
}

// FailWrites makes subsequent writes fail (or succeed again)
func (m *MockMedia) FailWrites(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = fail
}

// IsClosed returns true if the media has been closed
func (m *MockMedia) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Bytes returns a copy of [off, off+n)
func (m *MockMedia) Bytes(off, n int64) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]byte, n)
	copy(out, m.data[off:])
	return out
}

// CallCounts returns the number of times each method has been called
func (m *MockMedia) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int{
		"read":  m.readCalls,
		"write": m.writeCalls,
		"flush": m.flushCalls,
		"zero":  m.zeroCalls,
	}
}

// EmulatedHardware returns the platform collaborators of an emulated
// controller
func EmulatedHardware(c *emu.Controller) Hardware {
	return Hardware{Regs: c, Alloc: c, Intr: c}
}

// NewEmulated starts an emulated controller over a memory namespace of size
// bytes. Close the controller after Shutdown.
func NewEmulated(size int64, opts *emu.Options) (*emu.Controller, Hardware, error) {
	var o emu.Options
	if opts != nil {
		o = *opts
	}
	if o.Media == nil {
		o.Media = backend.NewMemory(size)
	}
	c, err := emu.New(o)
	if err != nil {
		return nil, Hardware{}, err
	}
	return c, EmulatedHardware(c), nil
}

// Compile-time interface checks
var (
	_ backend.Media     = (*MockMedia)(nil)
	_ backend.Zeroer    = (*MockMedia)(nil)
	_ backend.StatMedia = (*MockMedia)(nil)
)
