// Package sched implements the admission-control and dispatch engine.
//
// One mutex and two condition variables coordinate a single acceptor with a
// fixed pool of workers:
//
//   - the acceptor calls Admit with a freshly accepted connection; when the
//     server is overloaded the configured Policy decides whether to block
//     the acceptor, drop the arrival, evict the oldest waiter, or purge the
//     oldest half of the waiters;
//   - workers sleep on the work-ready condition, dequeue in FIFO order,
//     stamp the dispatch time under the mutex, and run the handler outside
//     the critical section.
//
// Occupancy is tracked by two counters, waiting and inFlight. At every stable
// point waiting+inFlight <= capacity, and waiting always equals the number of
// records physically in the ring. The mutex is never held across handler I/O.
package sched

import (
	"sync"
	"time"

	"admission-httpd/internal/logger"
	"admission-httpd/internal/metrics"
	"admission-httpd/internal/queue"
)

// Policy selects the overload behavior applied when a new arrival would
// exceed capacity.
type Policy int

// Overload policies, fixed at startup from the schedalg CLI argument.
const (
	PolicyBlock      Policy = iota // block the acceptor until a slot frees
	PolicyDropTail                 // drop the new arrival
	PolicyDropHead                 // evict the oldest waiter, admit the arrival
	PolicyRandomHalf               // purge the oldest half of the waiters, admit the arrival
	PolicyInvalid                  // unknown schedalg: every overload-branch arrival is dropped
)

// ParsePolicy maps a schedalg CLI string to a Policy. Unknown strings map to
// PolicyInvalid rather than an error: the server still starts, but every
// admission that reaches an overload branch drops the new connection.
func ParsePolicy(s string) Policy {
	switch s {
	case "block":
		return PolicyBlock
	case "dt":
		return PolicyDropTail
	case "dh":
		return PolicyDropHead
	case "random":
		return PolicyRandomHalf
	default:
		return PolicyInvalid
	}
}

// String returns the CLI spelling of the policy.
func (p Policy) String() string {
	switch p {
	case PolicyBlock:
		return "block"
	case PolicyDropTail:
		return "dt"
	case PolicyDropHead:
		return "dh"
	case PolicyRandomHalf:
		return "random"
	default:
		return "invalid"
	}
}

// Handler processes one dispatched connection. Each worker owns exactly one
// Handler instance, so implementations may keep per-worker state (request
// counters) without synchronization.
type Handler interface {
	Handle(c *queue.Conn)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(c *queue.Conn)

// Handle calls f(c).
func (f HandlerFunc) Handle(c *queue.Conn) { f(c) }

// Engine is the shared serving state: the bounded ring, the occupancy
// counters, and the condition protocol tying the acceptor to the workers.
type Engine struct {
	mu        sync.Mutex
	slotFree  *sync.Cond // signaled when a worker finishes a request
	workReady *sync.Cond // broadcast when admission may have produced work

	fifo     *queue.FIFO
	waiting  int // records in the ring
	inFlight int // workers executing a request
	capacity int // waiters + active, total
	policy   Policy

	log *logger.Logger
	met *metrics.Metrics
}

// New creates an engine with the given total capacity (waiters + active) and
// overload policy. A nil met or log gets a private default so callers and
// tests need not wire observability.
func New(capacity int, policy Policy, log *logger.Logger, met *metrics.Metrics) *Engine {
	if capacity < 1 {
		capacity = 1
	}
	if log == nil {
		log = logger.New("sched", "error")
	}
	if met == nil {
		met = metrics.New()
	}
	e := &Engine{
		fifo:     queue.New(capacity),
		capacity: capacity,
		policy:   policy,
		log:      log,
		met:      met,
	}
	e.slotFree = sync.NewCond(&e.mu)
	e.workReady = sync.NewCond(&e.mu)
	return e
}

// Capacity returns the fixed total capacity.
func (e *Engine) Capacity() int { return e.capacity }

// Policy returns the configured overload policy.
func (e *Engine) Policy() Policy { return e.policy }

// Occupancy returns the current waiting and in-flight counts, read under the
// engine mutex. Used by the status endpoint.
func (e *Engine) Occupancy() (waiting, inFlight int) {
	e.mu.Lock()
	waiting, inFlight = e.waiting, e.inFlight
	e.mu.Unlock()
	return waiting, inFlight
}

// Run starts n worker goroutines. newHandler is called once per worker with
// the 0-based worker id; the returned Handler is owned by that worker alone.
// Run returns immediately; workers run until the process exits.
func (e *Engine) Run(n int, newHandler func(id int) Handler) {
	for i := 0; i < n; i++ {
		go e.worker(newHandler(i))
	}
}

// Admit applies the admission protocol to a freshly accepted connection.
// Called only by the acceptor. May block when the policy is PolicyBlock.
//
// Ownership: on return the engine (or a worker) owns c, or c has been
// closed. The caller must not touch c afterwards.
func (e *Engine) Admit(c *queue.Conn) {
	e.mu.Lock()
	e.met.Accepted.Add(1)

	switch {
	// Every slot is actively executing; no waiter exists to evict and no
	// policy can help. Defensive: under the capacity invariant this implies
	// waiting == 0.
	case e.inFlight == e.capacity:
		c.Close()
		e.met.DroppedDefensive.Add(1)
		e.log.Debug("admit_drop", "capacity saturated by active workers")

	// Overloaded with at least one waiter (or the option to block).
	case e.waiting+e.inFlight >= e.capacity && e.waiting > 0:
		e.applyPolicyLocked(c)

	// Slack available.
	default:
		e.fifo.Enqueue(c)
		e.waiting++
		e.met.Admitted.Add(1)
	}

	// Wake the workers after any branch that may have produced work.
	// Harmless after a pure drop.
	e.workReady.Broadcast()
	e.mu.Unlock()
}

// applyPolicyLocked runs the overload policy for arrival c. Caller holds the
// mutex; waiting > 0 on entry.
func (e *Engine) applyPolicyLocked(c *queue.Conn) {
	switch e.policy {
	case PolicyBlock:
		e.met.BlockedAdmissions.Add(1)
		for e.waiting+e.inFlight >= e.capacity {
			e.slotFree.Wait()
		}
		e.fifo.Enqueue(c)
		e.waiting++
		e.met.Admitted.Add(1)

	case PolicyDropTail:
		c.Close()
		e.met.DroppedTail.Add(1)
		e.log.Debug("admit_drop", "drop-tail: new arrival dropped")

	case PolicyDropHead:
		// The victim's slot is reused in place: waiting is not decremented
		// between the eviction and the enqueue.
		e.fifo.Dequeue().Close()
		e.fifo.Enqueue(c)
		e.met.EvictedHead.Add(1)
		e.met.Admitted.Add(1)
		e.log.Debug("admit_evict", "drop-head: oldest waiter evicted")

	case PolicyRandomHalf:
		// Evict the oldest ceil(W/2) waiters, then admit the arrival.
		k := (e.waiting + 1) / 2
		for i := 0; i < k; i++ {
			e.fifo.Dequeue().Close()
			e.waiting--
			e.met.EvictedRandom.Add(1)
		}
		e.fifo.Enqueue(c)
		e.waiting++
		e.met.Admitted.Add(1)
		e.log.Debugf("admit_evict", "random: %d oldest waiters evicted", k)

	default:
		// Invalid policy selector: overload-branch arrivals are dropped.
		c.Close()
		e.met.DroppedInvalid.Add(1)
		e.log.Warn("admit_drop", "invalid policy: new arrival dropped")
	}
}

// worker is the per-goroutine serving loop: wait for work, dequeue, stamp
// dispatch time, serve outside the mutex, close, release the slot.
func (e *Engine) worker(h Handler) {
	for {
		e.mu.Lock()
		for e.waiting == 0 {
			e.workReady.Wait()
		}
		c := e.fifo.Dequeue()
		e.waiting--
		e.inFlight++
		c.DispatchTime = time.Now()
		e.mu.Unlock()

		e.met.RecordQueueWait(c.DispatchTime.Sub(c.ArrivalTime))
		e.serve(h, c)
		c.Close()

		e.mu.Lock()
		e.inFlight--
		e.slotFree.Signal()
		e.mu.Unlock()
	}
}

// serve runs the handler, containing any panic so a faulty request can never
// take a worker down. The socket is closed by the caller either way.
func (e *Engine) serve(h Handler, c *queue.Conn) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("handler_panic", "recovered: %v", r)
		}
		e.met.RecordService(time.Since(start))
	}()
	h.Handle(c)
}
