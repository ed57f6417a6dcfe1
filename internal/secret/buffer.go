// ABOUTME: mmap-backed buffer for private key material, zeroed and unmapped on Close
// ABOUTME: Memory lives outside the Go heap so the GC never copies key bytes around

package secret

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by Copy when the buffer has already been released.
var ErrClosed = errors.New("secret: buffer closed")

// Buffer holds sensitive bytes in an anonymous mmap region. The region is
// locked against swap and excluded from core dumps where the kernel allows it.
//
// A Buffer must not be copied after creation. Bytes panics after Close.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	locked bool
	closed bool
}

// New allocates a zero-filled buffer of the given size.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap failed: %w", err)
	}

	// mlock can fail under a tight RLIMIT_MEMLOCK (containers, CI). The
	// region is still off-heap and zeroed on Close, so carry on unlocked.
	locked := unix.Mlock(data) == nil
	_ = unix.Madvise(data, unix.MADV_DONTDUMP)

	return &Buffer{data: data, locked: locked}, nil
}

// NewFromBytes copies source into a new buffer and zeroes source.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secret: cannot create buffer from empty source")
	}

	b, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(b.data, source)
	Wipe(source)
	return b, nil
}

// Bytes returns the protected bytes. The slice aliases the mmap region and
// must not be retained past Close.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.data
}

// Slice returns a sub-range of the protected bytes without copying.
func (b *Buffer) Slice(from, to int) []byte {
	return b.Bytes()[from:to]
}

// Len returns the buffer size, or 0 once closed.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Locked reports whether mlock succeeded for this buffer.
func (b *Buffer) Locked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locked
}

// Closed reports whether Close has been called.
func (b *Buffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Clone copies the contents into a fresh protected buffer.
func (b *Buffer) Clone() (*Buffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	out, err := New(len(b.data))
	if err != nil {
		return nil, err
	}
	copy(out.data, b.data)
	return out, nil
}

// Close zeroes, unlocks and unmaps the region. Idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	Wipe(b.data)

	var firstErr error
	if b.locked {
		if err := unix.Munlock(b.data); err != nil {
			firstErr = fmt.Errorf("secret: munlock failed: %w", err)
		}
	}
	if err := unix.Munmap(b.data); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("secret: munmap failed: %w", err)
	}
	b.data = nil
	return firstErr
}

// Wipe overwrites p with zeros.
func Wipe(p []byte) {
	for i := range p {
		p[i] = 0
	}
}
