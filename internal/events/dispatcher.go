package events

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultQueueSize is the per-session delivery queue depth. When a queue is
// full the oldest event is evicted so producers never block on delivery.
const DefaultQueueSize = 512

// Dispatcher is the local EventSink: it delivers events to attached
// observers. Each session gets its own delivery queue and pump goroutine, so
// one session's slow handler cannot stall another session's events, while
// events within a session are always delivered in production order.
type Dispatcher struct {
	queueSize int

	mu     sync.Mutex
	queues map[string]*sessionQueue
	closed bool

	subMu  sync.RWMutex
	subs   map[int]*subscription
	nextID int
}

type subscription struct {
	sessionID string // empty matches every session
	kind      Kind   // empty matches every kind
	fn        Handler
}

type sessionQueue struct {
	ch   chan Event
	seq  uint64
	done chan struct{}
}

// NewDispatcher creates a dispatcher with the given per-session queue depth.
// A non-positive size uses DefaultQueueSize.
func NewDispatcher(queueSize int) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Dispatcher{
		queueSize: queueSize,
		queues:    make(map[string]*sessionQueue),
		subs:      make(map[int]*subscription),
	}
}

// Subscribe attaches a handler for (sessionID, kind). Empty sessionID
// subscribes to all sessions; empty kind subscribes to all kinds. The
// returned disposer detaches the handler and is safe to call more than once.
func (d *Dispatcher) Subscribe(sessionID string, kind Kind, fn Handler) func() {
	d.subMu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = &subscription{sessionID: sessionID, kind: kind, fn: fn}
	d.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.subMu.Lock()
			delete(d.subs, id)
			d.subMu.Unlock()
		})
	}
}

// Deliver stamps and enqueues an event for its session. It never blocks: if
// the session queue is full, the oldest queued event is evicted.
func (d *Dispatcher) Deliver(e Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	q, ok := d.queues[e.SessionID]
	if !ok {
		q = &sessionQueue{
			ch:   make(chan Event, d.queueSize),
			done: make(chan struct{}),
		}
		d.queues[e.SessionID] = q
		go d.pump(q)
	}
	q.seq++
	e.Seq = q.seq
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	select {
	case q.ch <- e:
	default:
		// Queue full: evict the oldest event, then enqueue.
		select {
		case old := <-q.ch:
			slog.Warn("event queue full, dropping oldest event",
				"sessionId", e.SessionID, "droppedKind", old.Kind, "droppedSeq", old.Seq)
		default:
		}
		select {
		case q.ch <- e:
		default:
		}
	}
	d.mu.Unlock()
}

// DropSession tears down a session's delivery queue after draining it. Call
// once the session is destroyed and its final event has been delivered.
func (d *Dispatcher) DropSession(sessionID string) {
	d.mu.Lock()
	q, ok := d.queues[sessionID]
	if ok {
		delete(d.queues, sessionID)
	}
	d.mu.Unlock()
	if ok {
		close(q.ch)
		<-q.done
	}
}

// Close drains and stops every session queue.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	queues := d.queues
	d.queues = make(map[string]*sessionQueue)
	d.mu.Unlock()

	for _, q := range queues {
		close(q.ch)
		<-q.done
	}
}

// pump drains one session's queue, invoking matching handlers in order.
func (d *Dispatcher) pump(q *sessionQueue) {
	defer close(q.done)
	for e := range q.ch {
		for _, fn := range d.matching(e) {
			fn(e)
		}
	}
}

// matching snapshots the handlers subscribed to an event.
func (d *Dispatcher) matching(e Event) []Handler {
	d.subMu.RLock()
	defer d.subMu.RUnlock()
	var out []Handler
	for _, s := range d.subs {
		if s.sessionID != "" && s.sessionID != e.SessionID {
			continue
		}
		if s.kind != "" && s.kind != e.Kind {
			continue
		}
		out = append(out, s.fn)
	}
	return out
}
