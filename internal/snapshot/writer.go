package snapshot

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/parley/chat-relay/internal/metrics"
)

// writeTimeout bounds a single store write.
const writeTimeout = 10 * time.Second

// Writer serializes snapshot writes onto a single background goroutine.
// Save never blocks the caller: it replaces the pending blob and wakes the
// writer, so a slow store only ever delays persistence, never delivery.
// Consecutive saves while a write is in flight coalesce into one write of
// the newest blob.
type Writer struct {
	store Store
	key   string

	mu      sync.Mutex
	pending []byte

	kick    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewWriter starts the background writer loop for the given store and key.
func NewWriter(store Store, key string) *Writer {
	w := &Writer{
		store:   store,
		key:     key,
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go w.loop()
	return w
}

// Save schedules blob for persistence, replacing any not-yet-written blob.
func (w *Writer) Save(blob []byte) {
	w.mu.Lock()
	w.pending = blob
	w.mu.Unlock()

	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Close flushes any pending blob and stops the writer loop.
func (w *Writer) Close() {
	w.once.Do(func() { close(w.done) })
	<-w.stopped
}

func (w *Writer) loop() {
	defer close(w.stopped)
	for {
		select {
		case <-w.kick:
			w.flush()
		case <-w.done:
			w.flush()
			return
		}
	}
}

// flush writes the pending blob, if any, to the store.
func (w *Writer) flush() {
	w.mu.Lock()
	blob := w.pending
	w.pending = nil
	w.mu.Unlock()

	if blob == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	start := time.Now()
	err := w.store.Put(ctx, w.key, blob)
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.SnapshotWrites.WithLabelValues("error").Inc()
		log.Printf("snapshot: write failed: %v", err)
		return
	}
	metrics.SnapshotWrites.WithLabelValues("ok").Inc()
}
