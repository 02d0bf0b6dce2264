package audiocache

import (
	"fmt"
	"strings"

	"github.com/Sternrassler/music-cache/pkg/track"
)

// Priority orders preload queue entries. Lower values are served first.
type Priority int

const (
	// PriorityHigh is used for the immediate neighbours of the current track.
	PriorityHigh Priority = iota

	// PriorityNormal is used for batch and fill-to-capacity preloads.
	PriorityNormal

	// PriorityLow is used for speculative preloads.
	PriorityLow
)

// String implements fmt.Stringer.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses "high", "normal" or "low".
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// queued is a pending preload. done is closed once the entry has been
// processed, dropped or cleared.
type queued struct {
	track    track.Track
	priority Priority
	seq      uint64
	done     chan struct{}
}

// before reports whether q should be served before o: higher priority
// first, then FIFO by enqueue order.
func (q *queued) before(o *queued) bool {
	if q.priority != o.priority {
		return q.priority < o.priority
	}
	return q.seq < o.seq
}

// enqueueLocked adds t to the queue or, when it is already queued, promotes
// the existing entry to the higher of the two priorities. The original
// enqueue order is kept.
func (e *Engine) enqueueLocked(t track.Track, p Priority) *queued {
	key := t.Key()
	if q, ok := e.pending[key]; ok {
		if p < q.priority {
			e.logger.Debug().
				Str("track", key).
				Str("from", q.priority.String()).
				Str("to", p.String()).
				Msg("Promoted queued preload")
			q.priority = p
		}
		return q
	}

	e.seq++
	q := &queued{track: t, priority: p, seq: e.seq, done: make(chan struct{})}
	e.queue = append(e.queue, q)
	e.pending[key] = q
	return q
}

// nextLocked pops the next entry to load. While the cache is full only
// high-priority entries are served (they evict); the rest are dropped and
// their waiters released.
func (e *Engine) nextLocked() *queued {
	if e.disposed || len(e.queue) == 0 {
		return nil
	}

	full := len(e.entries) >= e.maxSize
	best := -1
	for i, q := range e.queue {
		if full && q.priority != PriorityHigh {
			continue
		}
		if best < 0 || q.before(e.queue[best]) {
			best = i
		}
	}

	if best < 0 {
		for _, q := range e.queue {
			delete(e.pending, q.track.Key())
			close(q.done)
			preloads.WithLabelValues("dropped").Inc()
		}
		e.logger.Debug().Int("dropped", len(e.queue)).Msg("Cache full, dropped queued preloads")
		e.queue = nil
		return nil
	}

	q := e.queue[best]
	e.queue = append(e.queue[:best], e.queue[best+1:]...)
	delete(e.pending, q.track.Key())
	return q
}

// clearQueueLocked releases every waiter and empties the queue.
func (e *Engine) clearQueueLocked() {
	for _, q := range e.queue {
		close(q.done)
	}
	e.queue = nil
	e.pending = make(map[string]*queued)
}
