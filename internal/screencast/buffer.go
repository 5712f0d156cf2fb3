// Package screencast keeps a test's recent screen frames and turns them into
// GIF or PNG artifacts.
package screencast

import (
	"sync"
	"time"
)

const (
	// DefaultMaxFrame is used when a buffer is created with a bound <= 0.
	DefaultMaxFrame = 15
	// MaxFrameCeiling is the hard upper bound for any buffer.
	MaxFrameCeiling = 30
)

// Frame is one visual sample. Message is drawn as a caption when set; a
// zero Delay falls back to the encoder default.
type Frame struct {
	Buffer  []byte
	Message string
	Delay   time.Duration
}

// Buffer is a bounded FIFO of frames. Appends past the bound drop the oldest
// frames first.
type Buffer struct {
	mu     sync.Mutex
	max    int
	frames []Frame
}

// ClampMaxFrame applies the default and the ceiling to a requested bound.
func ClampMaxFrame(n int) int {
	if n <= 0 {
		n = DefaultMaxFrame
	}
	if n > MaxFrameCeiling {
		n = MaxFrameCeiling
	}
	return n
}

// NewBuffer creates a buffer holding at most maxFrame frames.
func NewBuffer(maxFrame int) *Buffer {
	return &Buffer{max: ClampMaxFrame(maxFrame)}
}

// Max returns the effective bound.
func (b *Buffer) Max() int {
	return b.max
}

// Append adds a frame and evicts from the front if the bound is exceeded.
func (b *Buffer) Append(f Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, f)
	if over := len(b.frames) - b.max; over > 0 {
		kept := make([]Frame, b.max)
		copy(kept, b.frames[over:])
		b.frames = kept
	}
}

// Len returns the number of buffered frames.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Drain returns the buffered frames in order and empties the buffer.
func (b *Buffer) Drain() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.frames
	b.frames = nil
	return out
}
