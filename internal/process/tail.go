package process

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

// TailBuffer keeps the last cap bytes written to it. It is safe for one
// writer and concurrent readers.
type TailBuffer struct {
	mu  sync.Mutex
	buf []byte
	cap int
}

// NewTailBuffer creates a TailBuffer holding at most capacity bytes.
func NewTailBuffer(capacity int) *TailBuffer {
	if capacity <= 0 {
		capacity = 64 * 1024
	}
	return &TailBuffer{
		buf: make([]byte, 0, capacity),
		cap: capacity,
	}
}

func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(p)
	if n >= t.cap {
		t.buf = append(t.buf[:0], p[n-t.cap:]...)
		return n, nil
	}
	if over := len(t.buf) + n - t.cap; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

// String returns the retained bytes with surrounding whitespace trimmed.
func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// maxLine bounds a single scanned stderr line.
const maxLine = 256 * 1024

// Drain reads r to EOF on its own goroutine, copying everything into tail
// and calling onLine for each line. The returned channel is closed at EOF.
// Overlong lines stop line splitting but never stop the draining, so the
// child can't block on a full pipe.
func Drain(r io.Reader, tail *TailBuffer, onLine func(string)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		tee := io.TeeReader(r, tail)
		scanner := bufio.NewScanner(tee)
		scanner.Buffer(make([]byte, 0, 4096), maxLine)
		for scanner.Scan() {
			if onLine != nil {
				onLine(scanner.Text())
			}
		}
		if scanner.Err() != nil {
			_, _ = io.Copy(io.Discard, tee)
		}
	}()
	return done
}
