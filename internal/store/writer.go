package store

import (
	"context"
	"sync"
	"time"

	"github.com/strobehq/strobe/internal/logging"
)

// BatchWriter coalesces events arriving from one session's agent into
// batches of up to BatchSize or FlushInterval, whichever comes first
//, then commits each batch in a single InsertBatch transaction.
// One BatchWriter runs per session; ingress into it is a bounded
// channel.
type BatchWriter struct {
	store     *Store
	sessionID string
	eventCap  int
	batchSize int
	interval  time.Duration
	logger    *logging.Logger

	mu     sync.Mutex
	closed bool

	in   chan Event
	quit chan struct{}
	done chan struct{}
}

// NewBatchWriter starts a writer goroutine for sessionID. Call Close to
// stop it and flush any remaining buffered events.
func NewBatchWriter(s *Store, sessionID string, eventCap, batchSize int, interval time.Duration, logger *logging.Logger) *BatchWriter {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	if logger == nil {
		logger = logging.Default()
	}
	w := &BatchWriter{
		store:     s,
		sessionID: sessionID,
		eventCap:  eventCap,
		batchSize: batchSize,
		interval:  interval,
		logger:    logger,
		in:        make(chan Event, 4096),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go w.run()
	return w
}

// Submit enqueues an event for batched insertion. Blocks if the ingress
// channel is full, providing natural backpressure from the store back to
// the coordinator's event-ingress loop — never to the agent, which never
// blocks on its side of the ring.
func (w *BatchWriter) Submit(e Event) {
	// An event arriving for an already-stopped session is dropped, the
	// same outcome malformed events get: the session (or what's left of
	// it) continues, nothing panics.
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	select {
	case w.in <- e:
	case <-w.done:
	}
}

// Close drains any buffered events, flushes them, and stops the writer.
func (w *BatchWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()
	close(w.quit)
	<-w.done
}

func (w *BatchWriter) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	buf := make([]Event, 0, w.batchSize)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := w.store.InsertBatch(ctx, w.sessionID, buf, w.eventCap); err != nil {
			w.logger.Error("store batch insert failed", "session", w.sessionID, "err", err)
		}
		cancel()
		buf = buf[:0]
	}

	for {
		select {
		case e := <-w.in:
			buf = append(buf, e)
			if len(buf) >= w.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-w.quit:
			// Drain whatever made it into the channel before the close,
			// then flush once and stop.
			for {
				select {
				case e := <-w.in:
					buf = append(buf, e)
				default:
					flush()
					return
				}
			}
		}
	}
}
