package sched

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"admission-httpd/internal/logger"
	"admission-httpd/internal/metrics"
	"admission-httpd/internal/queue"
)

// gate is a controllable shared handler: every dispatched connection is
// recorded, announced on started, and held until the test sends a release
// token. This pins connections in the in-flight state so tests can stage
// exact occupancy before the next admission.
type gate struct {
	mu      sync.Mutex
	order   []*queue.Conn
	started chan *queue.Conn
	release chan struct{}
}

func newGate() *gate {
	return &gate{
		started: make(chan *queue.Conn, 64),
		release: make(chan struct{}),
	}
}

func (g *gate) Handle(c *queue.Conn) {
	g.mu.Lock()
	g.order = append(g.order, c)
	g.mu.Unlock()
	g.started <- c
	<-g.release
}

func (g *gate) served() []*queue.Conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*queue.Conn(nil), g.order...)
}

func (g *gate) waitStarted(t *testing.T) *queue.Conn {
	t.Helper()
	select {
	case c := <-g.started:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dispatch")
		return nil
	}
}

func (g *gate) releaseOne(t *testing.T) {
	t.Helper()
	select {
	case g.release <- struct{}{}:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out releasing a worker")
	}
}

func newTestEngine(capacity int, p Policy, met *metrics.Metrics) *Engine {
	return New(capacity, p, logger.NewWithWriter("sched", "error", io.Discard), met)
}

// pipeConn returns a connection record plus the client end of the pipe, so
// drops and evictions are observable as EOF on the peer.
func pipeConn() (*queue.Conn, net.Conn) {
	srv, cli := net.Pipe()
	return &queue.Conn{Sock: srv, ArrivalTime: time.Now()}, cli
}

// closedWithin reports whether the peer observes close within d.
func closedWithin(peer net.Conn, d time.Duration) bool {
	peer.SetReadDeadline(time.Now().Add(d)) //nolint:errcheck
	_, err := peer.Read(make([]byte, 1))
	return err == io.EOF || err == io.ErrClosedPipe
}

func checkOccupancy(t *testing.T, e *Engine) {
	t.Helper()
	w, f := e.Occupancy()
	if w < 0 || f < 0 || w+f > e.Capacity() {
		t.Fatalf("occupancy invariant violated: waiting=%d inFlight=%d capacity=%d", w, f, e.Capacity())
	}
}

func TestParsePolicy(t *testing.T) {
	cases := []struct {
		input string
		want  Policy
	}{
		{"block", PolicyBlock},
		{"dt", PolicyDropTail},
		{"dh", PolicyDropHead},
		{"random", PolicyRandomHalf},
		{"", PolicyInvalid},
		{"BLOCK", PolicyInvalid}, // schedalg strings are case-sensitive
		{"fifo", PolicyInvalid},
	}
	for _, c := range cases {
		if got := ParsePolicy(c.input); got != c.want {
			t.Errorf("ParsePolicy(%q) = %v, want %v", c.input, got, c.want)
		}
	}
}

func TestPolicyString_RoundTrips(t *testing.T) {
	for _, p := range []Policy{PolicyBlock, PolicyDropTail, PolicyDropHead, PolicyRandomHalf} {
		if got := ParsePolicy(p.String()); got != p {
			t.Errorf("ParsePolicy(%v.String()) = %v", p, got)
		}
	}
	if PolicyInvalid.String() != "invalid" {
		t.Errorf("PolicyInvalid.String() = %q", PolicyInvalid.String())
	}
}

func TestAdmit_SlackEnqueuesAndDispatches(t *testing.T) {
	met := metrics.New()
	e := newTestEngine(4, PolicyDropTail, met)
	g := newGate()
	e.Run(1, func(int) Handler { return g })

	c, _ := pipeConn()
	e.Admit(c)
	got := g.waitStarted(t)
	if got != c {
		t.Fatal("dispatched a different record than admitted")
	}
	if c.DispatchTime.IsZero() || c.DispatchTime.Before(c.ArrivalTime) {
		t.Error("dispatch time not stamped after arrival")
	}
	checkOccupancy(t, e)
	if met.Admitted.Load() != 1 {
		t.Errorf("Admitted = %d, want 1", met.Admitted.Load())
	}
	g.releaseOne(t)
}

// Scenario: queue_size=4, threads=2, dt. Six arrivals: four admitted
// (2 running, 2 waiting), the fifth and sixth dropped.
func TestDropTail_OverloadDropsNewArrivals(t *testing.T) {
	met := metrics.New()
	e := newTestEngine(4, PolicyDropTail, met)
	g := newGate()
	e.Run(2, func(int) Handler { return g })

	a, _ := pipeConn()
	b, _ := pipeConn()
	e.Admit(a)
	e.Admit(b)
	g.waitStarted(t)
	g.waitStarted(t) // both workers busy

	cc, _ := pipeConn()
	d, _ := pipeConn()
	e.Admit(cc)
	e.Admit(d)
	checkOccupancy(t, e)
	if w, f := e.Occupancy(); w != 2 || f != 2 {
		t.Fatalf("occupancy = (%d,%d), want (2,2)", w, f)
	}

	admitExpectingDrop(t, e)
	admitExpectingDrop(t, e)
	if met.DroppedTail.Load() != 2 {
		t.Errorf("DroppedTail = %d, want 2", met.DroppedTail.Load())
	}

	// Drain: the two waiters dispatch as the running pair completes.
	g.releaseOne(t)
	g.releaseOne(t)
	g.waitStarted(t)
	g.waitStarted(t)
	g.releaseOne(t)
	g.releaseOne(t)

	if served := g.served(); len(served) != 4 {
		t.Errorf("served %d records, want 4", len(served))
	}
	if met.Admitted.Load() != 4 {
		t.Errorf("Admitted = %d, want 4", met.Admitted.Load())
	}
}

// admitExpectingDrop admits a fresh connection and asserts the engine closed
// it without dispatch.
func admitExpectingDrop(t *testing.T, e *Engine) net.Conn {
	t.Helper()
	c, peer := pipeConn()
	e.Admit(c)
	if !closedWithin(peer, time.Second) {
		t.Fatal("expected the arrival to be dropped (socket closed)")
	}
	return peer
}

// Scenario: queue_size=3, threads=1, dh. A in-flight, B and C waiting; D
// evicts B, E evicts C. Served order: A, D, E.
func TestDropHead_EvictsOldestWaiter(t *testing.T) {
	met := metrics.New()
	e := newTestEngine(3, PolicyDropHead, met)
	g := newGate()
	e.Run(1, func(int) Handler { return g })

	a, _ := pipeConn()
	e.Admit(a)
	g.waitStarted(t)

	b, bPeer := pipeConn()
	cc, cPeer := pipeConn()
	e.Admit(b)
	e.Admit(cc)

	d, _ := pipeConn()
	e.Admit(d)
	if !closedWithin(bPeer, time.Second) {
		t.Fatal("expected B evicted by D")
	}
	ee, _ := pipeConn()
	e.Admit(ee)
	if !closedWithin(cPeer, time.Second) {
		t.Fatal("expected C evicted by E")
	}
	checkOccupancy(t, e)
	if w, _ := e.Occupancy(); w != 2 {
		t.Fatalf("waiting = %d, want 2 after in-place evictions", w)
	}

	g.releaseOne(t)
	g.waitStarted(t)
	g.releaseOne(t)
	g.waitStarted(t)
	g.releaseOne(t)

	want := []*queue.Conn{a, d, ee}
	served := g.served()
	if len(served) != len(want) {
		t.Fatalf("served %d records, want %d", len(served), len(want))
	}
	for i := range want {
		if served[i] != want[i] {
			t.Errorf("served[%d] is the wrong record", i)
		}
	}
	if met.EvictedHead.Load() != 2 {
		t.Errorf("EvictedHead = %d, want 2", met.EvictedHead.Load())
	}
}

// Scenario: queue_size=4, threads=1, random. A in-flight, B,C,D waiting
// (W=3); E arrives, k=ceil(3/2)=2 head-side victims (B,C). Served: A, D, E.
func TestRandomHalf_EvictsCeilHalfFromHead(t *testing.T) {
	met := metrics.New()
	e := newTestEngine(4, PolicyRandomHalf, met)
	g := newGate()
	e.Run(1, func(int) Handler { return g })

	a, _ := pipeConn()
	e.Admit(a)
	g.waitStarted(t)

	b, bPeer := pipeConn()
	cc, cPeer := pipeConn()
	d, dPeer := pipeConn()
	e.Admit(b)
	e.Admit(cc)
	e.Admit(d)

	ee, _ := pipeConn()
	e.Admit(ee)
	if !closedWithin(bPeer, time.Second) || !closedWithin(cPeer, time.Second) {
		t.Fatal("expected B and C evicted")
	}
	if closedWithin(dPeer, 50*time.Millisecond) {
		t.Fatal("D must survive the purge")
	}
	if w, _ := e.Occupancy(); w != 2 {
		t.Fatalf("waiting = %d, want 2 (D and E)", w)
	}
	if met.EvictedRandom.Load() != 2 {
		t.Errorf("EvictedRandom = %d, want 2", met.EvictedRandom.Load())
	}

	g.releaseOne(t)
	g.waitStarted(t)
	g.releaseOne(t)
	g.waitStarted(t)
	g.releaseOne(t)

	want := []*queue.Conn{a, d, ee}
	served := g.served()
	if len(served) != len(want) {
		t.Fatalf("served %d records, want %d", len(served), len(want))
	}
	for i := range want {
		if served[i] != want[i] {
			t.Errorf("served[%d] is the wrong record", i)
		}
	}
}

// Boundary: W=1 evicts exactly one waiter, leaving the arrival as the sole
// waiter.
func TestRandomHalf_SingleWaiter(t *testing.T) {
	e := newTestEngine(2, PolicyRandomHalf, nil)
	g := newGate()
	e.Run(1, func(int) Handler { return g })

	a, _ := pipeConn()
	e.Admit(a)
	g.waitStarted(t)

	b, bPeer := pipeConn()
	e.Admit(b)

	cc, _ := pipeConn()
	e.Admit(cc)
	if !closedWithin(bPeer, time.Second) {
		t.Fatal("expected the single waiter evicted")
	}
	if w, _ := e.Occupancy(); w != 1 {
		t.Fatalf("waiting = %d, want 1", w)
	}

	g.releaseOne(t)
	g.waitStarted(t)
	g.releaseOne(t)

	served := g.served()
	if len(served) != 2 || served[1] != cc {
		t.Error("expected the new arrival to be the second served record")
	}
}

// Scenario: queue_size=2, threads=1, block. A runs, B waits, C blocks the
// acceptor; when A completes, the acceptor unblocks and enqueues C.
func TestBlock_AcceptorBlocksUntilCompletion(t *testing.T) {
	met := metrics.New()
	e := newTestEngine(2, PolicyBlock, met)
	g := newGate()
	e.Run(1, func(int) Handler { return g })

	a, _ := pipeConn()
	e.Admit(a)
	g.waitStarted(t)

	b, _ := pipeConn()
	e.Admit(b)

	cc, _ := pipeConn()
	admitted := make(chan struct{})
	go func() {
		e.Admit(cc)
		close(admitted)
	}()

	select {
	case <-admitted:
		t.Fatal("Admit should block while the server is at capacity")
	case <-time.After(100 * time.Millisecond):
	}

	g.releaseOne(t) // A completes, a slot frees

	select {
	case <-admitted:
	case <-time.After(2 * time.Second):
		t.Fatal("acceptor did not unblock after a completion")
	}
	if met.BlockedAdmissions.Load() != 1 {
		t.Errorf("BlockedAdmissions = %d, want 1", met.BlockedAdmissions.Load())
	}

	g.waitStarted(t)
	g.releaseOne(t)
	g.waitStarted(t)
	g.releaseOne(t)

	want := []*queue.Conn{a, b, cc}
	served := g.served()
	if len(served) != len(want) {
		t.Fatalf("served %d records, want %d", len(served), len(want))
	}
	for i := range want {
		if served[i] != want[i] {
			t.Errorf("served[%d] is the wrong record", i)
		}
	}
}

// Defensive branch: every slot actively executing, no waiters. The arrival
// is closed regardless of policy.
func TestAdmit_DefensiveDropWhenAllSlotsActive(t *testing.T) {
	met := metrics.New()
	e := newTestEngine(1, PolicyBlock, met)
	g := newGate()
	e.Run(1, func(int) Handler { return g })

	a, _ := pipeConn()
	e.Admit(a)
	g.waitStarted(t) // inFlight == capacity, waiting == 0

	admitExpectingDrop(t, e)
	if met.DroppedDefensive.Load() != 1 {
		t.Errorf("DroppedDefensive = %d, want 1", met.DroppedDefensive.Load())
	}
	g.releaseOne(t)
}

// Unknown schedalg: slack admissions still work, overload-branch arrivals
// are dropped.
func TestInvalidPolicy_DropsOnOverloadOnly(t *testing.T) {
	met := metrics.New()
	e := newTestEngine(2, ParsePolicy("bogus"), met)
	g := newGate()
	e.Run(1, func(int) Handler { return g })

	a, _ := pipeConn()
	e.Admit(a)
	g.waitStarted(t)

	b, bPeer := pipeConn()
	e.Admit(b) // slack: admitted normally
	if closedWithin(bPeer, 50*time.Millisecond) {
		t.Fatal("slack admission must not be dropped under an invalid policy")
	}

	admitExpectingDrop(t, e)
	if met.DroppedInvalid.Load() != 1 {
		t.Errorf("DroppedInvalid = %d, want 1", met.DroppedInvalid.Load())
	}

	g.releaseOne(t)
	g.waitStarted(t)
	g.releaseOne(t)
}

// panicOnce panics on the first dispatch and records afterwards, proving a
// handler fault cannot take the worker down.
type panicOnce struct {
	gate *gate
	once sync.Once
}

func (p *panicOnce) Handle(c *queue.Conn) {
	panicked := false
	p.once.Do(func() {
		panicked = true
	})
	if panicked {
		panic("handler fault")
	}
	p.gate.Handle(c)
}

func TestWorker_SurvivesHandlerPanic(t *testing.T) {
	e := newTestEngine(2, PolicyDropTail, nil)
	g := newGate()
	e.Run(1, func(int) Handler { return &panicOnce{gate: g} })

	a, aPeer := pipeConn()
	e.Admit(a)
	if !closedWithin(aPeer, time.Second) {
		t.Fatal("socket of the faulting request must still be closed")
	}

	b, _ := pipeConn()
	e.Admit(b)
	if got := g.waitStarted(t); got != b {
		t.Error("worker did not resume serving after the panic")
	}
	g.releaseOne(t)
	checkOccupancy(t, e)
}

// Sockets of served records are closed by the worker after the handler
// returns; a served record has exactly one close path.
func TestWorker_ClosesServedSockets(t *testing.T) {
	e := newTestEngine(2, PolicyDropTail, nil)
	g := newGate()
	e.Run(1, func(int) Handler { return g })

	a, aPeer := pipeConn()
	e.Admit(a)
	g.waitStarted(t)
	if closedWithin(aPeer, 50*time.Millisecond) {
		t.Fatal("socket closed while the handler still owns it")
	}
	g.releaseOne(t)
	if !closedWithin(aPeer, time.Second) {
		t.Fatal("socket not closed after the handler returned")
	}
}
