package upload

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// debouncer collects staged paths and emits them as one batch once no new
// event has arrived for the window. A path written several times in a
// window is indexed once; a path removed before the flush is dropped.
type debouncer struct {
	window  time.Duration
	pending map[string]struct{}
	mu      sync.Mutex
	output  chan []string
	timer   *time.Timer
	stopped bool
}

func newDebouncer(window time.Duration) *debouncer {
	return &debouncer{
		window:  window,
		pending: make(map[string]struct{}),
		output:  make(chan []string, 10),
	}
}

// add records a created or written path.
func (d *debouncer) add(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.pending[path] = struct{}{}
	d.scheduleFlush()
}

// remove forgets a path deleted before it was flushed.
func (d *debouncer) remove(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, path)
}

func (d *debouncer) scheduleFlush() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

func (d *debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || len(d.pending) == 0 {
		return
	}
	batch := make([]string, 0, len(d.pending))
	for p := range d.pending {
		batch = append(batch, p)
	}
	sort.Strings(batch)
	d.pending = make(map[string]struct{})

	select {
	case d.output <- batch:
	default:
		slog.Warn("upload_batch_dropped", slog.Int("batch_size", len(batch)))
	}
}

// batches returns the channel of debounced path batches.
func (d *debouncer) batches() <-chan []string {
	return d.output
}

// stop cancels any pending flush and closes the output channel. Safe to
// call more than once.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.output)
}
