// Package status implements the line-oriented, one-way status channel read by
// the process that launched the proxy.
package status

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// Prefix tags every diagnostic line so the owning process can tell them apart
// from anything else written to the same stream.
const Prefix = "[codiner-proxy] "

// defaultBuffer is the number of lines queued before Post starts dropping.
const defaultBuffer = 256

// Reporter delivers status lines to an io.Writer from a single goroutine.
// Post never blocks the caller: when the queue is full the line is dropped.
type Reporter struct {
	lines   chan string
	w       io.Writer
	done    chan struct{}
	closed  atomic.Bool
	dropped atomic.Int64
	mu      sync.RWMutex // guards sends against Close
}

// NewReporter starts a Reporter writing to w. A buffer <= 0 selects the default.
func NewReporter(w io.Writer, buffer int) *Reporter {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	r := &Reporter{
		lines: make(chan string, buffer),
		w:     w,
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Reporter) run() {
	defer close(r.done)
	for line := range r.lines {
		// Write failures mean the owning process went away; nothing to do.
		_, _ = io.WriteString(r.w, line+"\n")
	}
}

// Post queues a raw line.
func (r *Reporter) Post(line string) {
	if r == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed.Load() {
		return
	}
	select {
	case r.lines <- line:
	default:
		r.dropped.Add(1)
	}
}

// Diagnostic queues a Prefix-tagged formatted line.
func (r *Reporter) Diagnostic(format string, args ...any) {
	r.Post(Prefix + fmt.Sprintf(format, args...))
}

// Started queues the readiness line announcing the bound listen URL. It is
// the last line the owning process needs to see.
func (r *Reporter) Started(url string) {
	r.Post("proxy-server-start url=" + url)
}

// Dropped reports how many lines were discarded because the queue was full.
func (r *Reporter) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting lines and waits until queued lines are written.
func (r *Reporter) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.closed.Swap(true) {
		r.mu.Unlock()
		return
	}
	close(r.lines)
	r.mu.Unlock()
	<-r.done
}
