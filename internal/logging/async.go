package logging

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ErrFlushTimeout is returned by Close when buffered records could not be written in time.
var ErrFlushTimeout = errors.New("log flush timed out")

// asyncWriter queues whole records and writes them from one goroutine. It stamps each record
// with a sequence number in arrival order; dropped records still consume a number, so a gap
// in seq marks where records were lost.
type asyncWriter struct {
	out     io.Writer
	records chan []byte
	done    chan struct{}
	dropped atomic.Uint64

	mu     sync.Mutex
	seq    uint64
	closed bool
}

func newAsyncWriter(out io.Writer, size int) *asyncWriter {
	if size <= 0 {
		size = DefaultBufferSize
	}
	w := &asyncWriter{
		out:     out,
		records: make(chan []byte, size),
		done:    make(chan struct{}),
	}
	go w.drain()
	return w
}

// Write never blocks on the destination. It always reports success to the logger.
func (w *asyncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.dropped.Add(1)
		return len(p), nil
	}
	w.seq++
	select {
	case w.records <- stampSeq(p, w.seq):
	default:
		w.dropped.Add(1)
	}
	return len(p), nil
}

func (w *asyncWriter) Dropped() uint64 {
	return w.dropped.Load()
}

// Close stops accepting records and waits up to timeout for the queue to drain.
func (w *asyncWriter) Close(timeout time.Duration) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.records)
	w.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return nil
	case <-timer.C:
		return ErrFlushTimeout
	}
}

func (w *asyncWriter) drain() {
	defer close(w.done)
	for record := range w.records {
		// A failing destination has nowhere to report to; keep draining so Close returns.
		_, _ = w.out.Write(record)
	}
}

// stampSeq copies a record and inserts the seq field. JSON records get a leading "seq" key;
// anything else is prefixed with seq=N.
func stampSeq(p []byte, seq uint64) []byte {
	number := strconv.FormatUint(seq, 10)
	trimmed := bytes.TrimLeft(p, " \t")
	if len(trimmed) > 1 && trimmed[0] == '{' {
		body := bytes.TrimLeft(trimmed[1:], " \t")
		out := make([]byte, 0, len(p)+len(number)+8)
		out = append(out, `{"seq":`...)
		out = append(out, number...)
		if len(body) > 0 && body[0] != '}' {
			out = append(out, ',')
		}
		return append(out, body...)
	}
	out := make([]byte, 0, len(p)+len(number)+5)
	out = append(out, "seq="...)
	out = append(out, number...)
	out = append(out, ' ')
	return append(out, p...)
}
