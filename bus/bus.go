package bus

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rustyeddy/riskd/internal/id"
	"github.com/rustyeddy/riskd/metrics"
)

var (
	ErrQueueFull = errors.New("bus: queue full")
	ErrBusClosed = errors.New("bus: not running")
)

// Handler consumes events. Name identifies the handler in logs and metrics
// and for idempotent subscription.
type Handler interface {
	Name() string
	HandleEvent(ctx context.Context, ev Event) error
}

type busState int

const (
	stateCreated busState = iota
	stateRunning
	stateStopping
	stateStopped
)

// item is a queued event ordered by (priority, seq): priority dominates,
// the monotonic sequence number resolves ties FIFO.
type item struct {
	ev  Event
	seq uint64
}

type eventQueue []*item

func (q eventQueue) Len() int { return len(q) }
func (q eventQueue) Less(i, j int) bool {
	if q[i].ev.Priority != q[j].ev.Priority {
		return q[i].ev.Priority < q[j].ev.Priority
	}
	return q[i].seq < q[j].seq
}
func (q eventQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *eventQueue) Push(x any)        { *q = append(*q, x.(*item)) }
func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

// subscriber owns one handler's delivery lane. Each handler gets its own
// FIFO channel and worker goroutine, so a slow or blocking handler stalls
// only itself, never the dispatch loop or its siblings.
type subscriber struct {
	handler Handler
	ch      chan Event
}

// Bus is the priority event bus: bounded queue, priority-ordered dispatch,
// per-type plus wildcard fan-out, error isolation per handler.
type Bus struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue eventQueue
	seq   uint64

	capacity int
	state    busState

	subs map[EventType]map[Handler]*subscriber

	drained chan struct{}
	workers sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	log     zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a stopped bus with the given queue capacity. Metrics may be
// nil.
func New(capacity int, log zerolog.Logger, m *metrics.Metrics) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		capacity: capacity,
		subs:     make(map[EventType]map[Handler]*subscriber),
		drained:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		log:      log.With().Str("component", "bus").Logger(),
		metrics:  m,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Start launches the dispatch worker. Publishing before Start fails with
// ErrBusClosed.
func (b *Bus) Start() {
	b.mu.Lock()
	if b.state != stateCreated {
		b.mu.Unlock()
		return
	}
	b.state = stateRunning
	b.mu.Unlock()

	go b.dispatchLoop()
	b.log.Info().Int("capacity", b.capacity).Msg("bus started")
}

// Publish enqueues an event. Fails with ErrQueueFull when the bounded queue
// is at capacity and ErrBusClosed when the bus is not running.
func (b *Bus) Publish(ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != stateRunning {
		return ErrBusClosed
	}
	if len(b.queue) >= b.capacity {
		b.metrics.IncDropped("capacity")
		return fmt.Errorf("%w (capacity %d)", ErrQueueFull, b.capacity)
	}

	if ev.ID == "" {
		ev.ID = id.New()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.seq++
	heap.Push(&b.queue, &item{ev: ev, seq: b.seq})
	b.metrics.IncPublished(string(ev.Type))
	b.metrics.SetQueueDepth(len(b.queue))
	b.cond.Signal()
	return nil
}

// Subscribe registers a handler for an event type (or TypeWildcard).
// Subscribing the same handler to the same type twice is a no-op.
func (b *Bus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[t]
	if !ok {
		set = make(map[Handler]*subscriber)
		b.subs[t] = set
	}
	if _, dup := set[h]; dup {
		return
	}

	sub := &subscriber{
		handler: h,
		ch:      make(chan Event, b.capacity),
	}
	set[h] = sub

	b.workers.Add(1)
	go b.runSubscriber(sub)

	b.log.Debug().Str("type", string(t)).Str("handler", h.Name()).Msg("subscribed")
}

// Unsubscribe removes a handler registration. Unknown registrations are a
// no-op.
func (b *Bus) Unsubscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[t]
	if !ok {
		return
	}
	sub, ok := set[h]
	if !ok {
		return
	}
	delete(set, h)
	close(sub.ch)
}

// Shutdown stops accepting events, drains the queue for up to timeout, then
// forcibly cancels anything still pending. The bus always ends stopped.
func (b *Bus) Shutdown(timeout time.Duration) {
	b.mu.Lock()
	if b.state == stateStopped {
		b.mu.Unlock()
		return
	}
	started := b.state != stateCreated
	b.state = stateStopping
	b.cond.Broadcast()
	b.mu.Unlock()

	if started {
		select {
		case <-b.drained:
		case <-time.After(timeout):
			b.log.Warn().Dur("timeout", timeout).Msg("drain timeout, cancelling")
		}
	}

	b.mu.Lock()
	b.state = stateStopped
	dropped := len(b.queue)
	b.queue = nil
	for _, set := range b.subs {
		for h, sub := range set {
			delete(set, h)
			close(sub.ch)
		}
	}
	b.cond.Broadcast()
	b.mu.Unlock()

	if dropped > 0 {
		b.metrics.IncDropped("shutdown")
		b.log.Warn().Int("events", dropped).Msg("events discarded at shutdown")
	}
	b.metrics.SetQueueDepth(0)

	// Give in-flight handlers a moment to observe cancellation.
	b.cancel()
	done := make(chan struct{})
	go func() {
		b.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		b.log.Warn().Msg("handlers still running at shutdown deadline")
	}

	b.log.Info().Msg("bus stopped")
}

// Depth reports the number of queued, undispatched events.
func (b *Bus) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// HandlerCount reports the number of live (type, handler) registrations.
func (b *Bus) HandlerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return n
}

func (b *Bus) dispatchLoop() {
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && b.state == stateRunning {
			b.cond.Wait()
		}
		if b.state == stateStopped || (len(b.queue) == 0 && b.state != stateRunning) {
			b.mu.Unlock()
			close(b.drained)
			return
		}

		it := heap.Pop(&b.queue).(*item)
		b.metrics.SetQueueDepth(len(b.queue))
		targets := b.targetsLocked(it.ev.Type)

		// Sends stay under the lock so Unsubscribe cannot close a lane
		// mid-send; they are non-blocking, so this never stalls.
		for _, sub := range targets {
			select {
			case sub.ch <- it.ev:
			default:
				// Per-handler lane is saturated; dropping here keeps one
				// stuck handler from wedging the whole pipeline.
				b.metrics.IncDropped("handler_backlog")
				b.log.Error().
					Str("handler", sub.handler.Name()).
					Str("event", it.ev.ID).
					Msg("handler backlog full, event dropped for this handler")
			}
		}
		b.mu.Unlock()
	}
}

// targetsLocked unions type-specific and wildcard subscribers, deduplicated
// by handler so a handler subscribed to both sees the event once.
func (b *Bus) targetsLocked(t EventType) []*subscriber {
	seen := make(map[Handler]struct{})
	var targets []*subscriber
	for _, set := range []map[Handler]*subscriber{b.subs[t], b.subs[TypeWildcard]} {
		for h, sub := range set {
			if _, dup := seen[h]; dup {
				continue
			}
			seen[h] = struct{}{}
			targets = append(targets, sub)
		}
	}
	return targets
}

func (b *Bus) runSubscriber(sub *subscriber) {
	defer b.workers.Done()
	for ev := range sub.ch {
		b.invoke(sub.handler, ev)
	}
}

// invoke runs one handler for one event, catching failures so they never
// abort dispatch to sibling handlers or crash the worker.
func (b *Bus) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.IncHandlerError(h.Name())
			b.log.Error().
				Str("handler", h.Name()).
				Str("event", ev.ID).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err := h.HandleEvent(b.ctx, ev); err != nil {
		b.metrics.IncHandlerError(h.Name())
		b.log.Error().
			Err(err).
			Str("handler", h.Name()).
			Str("event", ev.ID).
			Str("type", string(ev.Type)).
			Msg("handler error")
	}
}
