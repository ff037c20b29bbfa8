package process

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// maxLineBytes caps a single captured line; longer lines are split.
const maxLineBytes = 4096

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Line is one captured output line.
type Line struct {
	Stream Stream    `json:"stream"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// ring keeps the last N lines.
type ring struct {
	mu   sync.Mutex
	buf  []Line
	next int
	full bool
}

func newRing(n int) *ring {
	if n <= 0 {
		n = DefaultTailLines
	}
	return &ring{buf: make([]Line, n)}
}

func (r *ring) add(l Line) {
	r.mu.Lock()
	r.buf[r.next] = l
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// last returns a copy of up to n most recent lines, oldest first.
// n <= 0 means everything retained.
func (r *ring) last(n int) []Line {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := r.next
	if r.full {
		size = len(r.buf)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]Line, n)
	start := r.next - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// lineWriter splits a byte stream into lines and hands them to onLine.
// Raw bytes are also copied to file when set. exec.Cmd drives each
// lineWriter from a single goroutine, so it is not safe for concurrent use.
type lineWriter struct {
	stream  Stream
	file    io.Writer
	onLine  func(Line)
	partial []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	n := len(p)
	if w.file != nil {
		// a failing log file must never stall the child
		_, _ = w.file.Write(p)
	}
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			w.partial = append(w.partial, p...)
			for len(w.partial) >= maxLineBytes {
				w.emit(w.partial[:maxLineBytes])
				w.partial = append(w.partial[:0], w.partial[maxLineBytes:]...)
			}
			break
		}
		w.partial = append(w.partial, p[:i]...)
		w.emit(w.partial)
		w.partial = w.partial[:0]
		p = p[i+1:]
	}
	return n, nil
}

// flush emits a trailing line without newline.
func (w *lineWriter) flush() {
	if len(w.partial) > 0 {
		w.emit(w.partial)
		w.partial = w.partial[:0]
	}
}

func (w *lineWriter) emit(b []byte) {
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	w.onLine(Line{Stream: w.stream, Text: string(b), At: time.Now()})
}
