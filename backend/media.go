// Package backend provides namespace media for the emulated controller
package backend

// Media stores the blocks of one namespace. It mirrors io.ReaderAt and
// io.WriterAt so files and byte slices slot in directly.
type Media interface {
	// ReadAt reads len(p) bytes at off. Reads past the end return fewer bytes
	// and no error.
	ReadAt(p []byte, off int64) (n int, err error)

	// WriteAt writes len(p) bytes at off. It must return a non-nil error if
	// it returns n < len(p). Implementations must not retain p.
	WriteAt(p []byte, off int64) (n int, err error)

	// Size returns the media size in bytes
	Size() int64

	// Flush makes completed writes durable
	Flush() error

	// Close releases the media. No other method may be called afterwards.
	Close() error
}

// Zeroer is an optional interface for media that can clear a range faster
// than writing a zero buffer. Format NVM uses it.
type Zeroer interface {
	Media
	WriteZeroes(off, length int64) error
}

// StatMedia is an optional interface reporting media statistics
type StatMedia interface {
	Media
	Stats() map[string]any
}

// WriteZeroes clears [off, off+length) on m, using Zeroer when available
func WriteZeroes(m Media, off, length int64) error {
	if z, ok := m.(Zeroer); ok {
		return z.WriteZeroes(off, length)
	}
	const chunk = 1 << 20
	zero := make([]byte, chunk)
	for length > 0 {
		n := int64(chunk)
		if length < n {
			n = length
		}
		if _, err := m.WriteAt(zero[:n], off); err != nil {
			return err
		}
		off += n
		length -= n
	}
	return nil
}
