// Package queue holds the connection record type and the bounded FIFO of
// pending connections.
//
// The FIFO is a fixed-capacity ring. It carries no locking of its own: the
// serving engine's single mutex protects every call. Capacity checks are the
// caller's job; Enqueue on a full ring is a programming error upstream and
// is silently ignored, matching the engine's contract that it never enqueues
// without having verified slack.
package queue

import (
	"net"
	"time"
)

// Conn is one accepted client connection moving through the server.
//
// Exactly one holder owns a Conn at any time: the acceptor between accept and
// admission, the FIFO while waiting, or a single worker from dequeue to
// close. Eviction and drop paths take ownership the same way and must call
// Close.
type Conn struct {
	Sock net.Conn

	// ArrivalTime is stamped by the acceptor immediately after accept.
	ArrivalTime time.Time

	// DispatchTime is stamped under the engine mutex the moment a worker
	// removes the record from the FIFO. Zero while waiting.
	DispatchTime time.Time
}

// Close releases the underlying socket. Safe on a nil receiver so drop paths
// can be uniform.
func (c *Conn) Close() {
	if c == nil || c.Sock == nil {
		return
	}
	c.Sock.Close()
}

// FIFO is a bounded ring of *Conn preserving insertion order.
type FIFO struct {
	arr   []*Conn
	front int
	rear  int
	size  int
}

// New returns an empty FIFO of the given capacity. Capacities below 1 are
// clamped to 1.
func New(capacity int) *FIFO {
	if capacity < 1 {
		capacity = 1
	}
	return &FIFO{arr: make([]*Conn, capacity)}
}

// Cap returns the fixed capacity.
func (q *FIFO) Cap() int { return len(q.arr) }

// Len returns the number of records currently held.
func (q *FIFO) Len() int { return q.size }

// Full reports whether the ring is at capacity.
func (q *FIFO) Full() bool { return q.size == len(q.arr) }

// Empty reports whether the ring holds no records.
func (q *FIFO) Empty() bool { return q.size == 0 }

// Enqueue appends c at the tail. A full ring ignores the call; the engine
// checks occupancy before enqueueing.
func (q *FIFO) Enqueue(c *Conn) {
	if q.Full() {
		return
	}
	q.arr[q.rear] = c
	q.rear = (q.rear + 1) % len(q.arr)
	q.size++
}

// Dequeue removes and returns the head, or nil if empty.
func (q *FIFO) Dequeue() *Conn {
	if q.Empty() {
		return nil
	}
	c := q.arr[q.front]
	q.arr[q.front] = nil
	q.front = (q.front + 1) % len(q.arr)
	q.size--
	return c
}

// Peek returns the head without removing it, or nil if empty.
func (q *FIFO) Peek() *Conn {
	if q.Empty() {
		return nil
	}
	return q.arr[q.front]
}

// Destroy drains the ring, closing every held socket. The FIFO is empty and
// reusable afterwards.
func (q *FIFO) Destroy() {
	for !q.Empty() {
		q.Dequeue().Close()
	}
}
