// Package mailbox implements a multi-producer, multi-consumer message queue
// with explicit sender/receiver reference counting, used to wire the
// notification pipeline's worker stages together. Unlike a bare Go channel,
// a mailbox knows when every sender (or every receiver) has gone away, so a
// blocked Receive unblocks with an error instead of hanging forever.
package mailbox

import (
	"errors"
	"sync"
)

// ErrSendersDisconnected is returned by Receive/TryReceive once the queue is
// empty and every Sender clone has been closed: no further messages will
// ever arrive.
var ErrSendersDisconnected = errors.New("mailbox: all senders disconnected")

// ErrReceiversDisconnected is returned by Send once every Receiver clone
// has been closed: nothing will ever consume the message.
var ErrReceiversDisconnected = errors.New("mailbox: all receivers disconnected")

// ErrClosed is returned by any method called on a Sender or Receiver after
// its own Close has already run.
var ErrClosed = errors.New("mailbox: use of closed sender or receiver")

type inner[T any] struct {
	mu        sync.Mutex
	cond      *sync.Cond
	senders   uint64
	receivers uint64
	queue     []T
}

func newInner[T any]() *inner[T] {
	in := &inner[T]{senders: 1, receivers: 1}
	in.cond = sync.NewCond(&in.mu)
	return in
}

func (in *inner[T]) senderConnected() {
	in.mu.Lock()
	in.senders++
	in.mu.Unlock()
}

func (in *inner[T]) senderDisconnected() {
	in.mu.Lock()
	in.senders--
	if in.senders == 0 {
		in.cond.Broadcast()
	}
	in.mu.Unlock()
}

func (in *inner[T]) receiverConnected() {
	in.mu.Lock()
	in.receivers++
	in.mu.Unlock()
}

func (in *inner[T]) receiverDisconnected() {
	in.mu.Lock()
	in.receivers--
	if in.receivers == 0 {
		in.cond.Broadcast()
	}
	in.mu.Unlock()
}

func (in *inner[T]) isConnected() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.senders > 0 && in.receivers > 0
}

func (in *inner[T]) send(msg T) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.receivers == 0 {
		return ErrReceiversDisconnected
	}
	in.queue = append(in.queue, msg)
	in.cond.Signal()
	return nil
}

func (in *inner[T]) unsafeTryReceive() (T, bool, error) {
	var zero T
	if len(in.queue) > 0 {
		msg := in.queue[0]
		in.queue = in.queue[1:]
		return msg, true, nil
	}
	if in.senders == 0 {
		return zero, false, ErrSendersDisconnected
	}
	return zero, false, nil
}

func (in *inner[T]) tryReceive() (T, bool, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.unsafeTryReceive()
}

func (in *inner[T]) receive() (T, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for {
		msg, ok, err := in.unsafeTryReceive()
		if err != nil {
			return msg, err
		}
		if ok {
			return msg, nil
		}
		in.cond.Wait()
	}
}

// Sender is a handle that produces messages into a Channel. Sender is not
// safe for concurrent use by itself, but distinct Sender clones sharing the
// same Channel may be used concurrently from different goroutines.
type Sender[T any] struct {
	inner  *inner[T]
	closed bool
}

// Clone returns a new Sender handle onto the same underlying queue,
// incrementing the sender refcount. The mailbox is not considered
// sender-disconnected until every clone (the original included) is closed.
func (s *Sender[T]) Clone() Sender[T] {
	s.inner.senderConnected()
	return Sender[T]{inner: s.inner}
}

// Close decrements the sender refcount. It must be called exactly once per
// Sender handle (including clones), typically via defer.
func (s *Sender[T]) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.inner.senderDisconnected()
}

// IsConnected reports whether at least one sender and one receiver clone
// remain open.
func (s *Sender[T]) IsConnected() (bool, error) {
	if s.closed {
		return false, ErrClosed
	}
	return s.inner.isConnected(), nil
}

// Send enqueues msg. It fails with ErrReceiversDisconnected if every
// receiver clone has already closed.
func (s *Sender[T]) Send(msg T) error {
	if s.closed {
		return ErrClosed
	}
	return s.inner.send(msg)
}

// Receiver is a handle that consumes messages from a Channel. Receiver is
// not safe for concurrent use by itself, but distinct Receiver clones
// sharing the same Channel may be used concurrently from different
// goroutines (the queue is FIFO across all of them).
type Receiver[T any] struct {
	inner  *inner[T]
	closed bool
}

// Clone returns a new Receiver handle onto the same underlying queue,
// incrementing the receiver refcount.
func (r *Receiver[T]) Clone() Receiver[T] {
	r.inner.receiverConnected()
	return Receiver[T]{inner: r.inner}
}

// Close decrements the receiver refcount. It must be called exactly once
// per Receiver handle (including clones), typically via defer.
func (r *Receiver[T]) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.inner.receiverDisconnected()
}

// IsConnected reports whether at least one sender and one receiver clone
// remain open.
func (r *Receiver[T]) IsConnected() (bool, error) {
	if r.closed {
		return false, ErrClosed
	}
	return r.inner.isConnected(), nil
}

// TryReceive returns the next queued message without blocking. The second
// return value is false (with a nil error) if the queue is currently empty
// but senders remain, and an error if every sender has disconnected.
func (r *Receiver[T]) TryReceive() (T, bool, error) {
	var zero T
	if r.closed {
		return zero, false, ErrClosed
	}
	return r.inner.tryReceive()
}

// Receive blocks until a message is available, returning
// ErrSendersDisconnected once the queue drains and no sender remains.
func (r *Receiver[T]) Receive() (T, error) {
	var zero T
	if r.closed {
		return zero, ErrClosed
	}
	return r.inner.receive()
}

// New creates a fresh mailbox with one connected Sender and one connected
// Receiver. Additional handles are obtained via Clone.
func New[T any]() (Sender[T], Receiver[T]) {
	in := newInner[T]()
	return Sender[T]{inner: in}, Receiver[T]{inner: in}
}
