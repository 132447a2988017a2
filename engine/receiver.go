package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-xnet/internal/pool"
	"github.com/arloliu/go-xnet/internal/queue"
	"github.com/arloliu/go-xnet/logger"
	"github.com/arloliu/go-xnet/xnet"
)

// StreamReceiver owns the read side of a port. Its receive loop reads one
// packet per iteration, decides whether the packet answers the message being
// sent, and publishes it to a bounded FIFO drained by the process loop.
//
// Correlation is a two-phase handshake with the sender:
//
//  1. the sender calls MarkTransmission right before writing a message;
//  2. the port calls IncomingPacket on the receive loop when the first byte of
//     the next packet arrives, which captures that packet as the expected one.
//
// When the expected packet is complete it is stamped as the response to the
// marked message; every other packet is unsolicited. ResetExpectedReply ends
// the exchange.
type StreamReceiver struct {
	port    Port
	logger  logger.Logger
	metrics *Metrics

	mu       sync.Mutex // protects the fields below
	queue    queue.Queue[*xnet.Reply]
	sending  *xnet.Message
	expected *xnet.Reply
	reading  bool
	err      error // pending receive error, surfaced once
	failed   bool
	stopped  bool

	avail    chan struct{} // signalled when a reply or error is queued
	slots    chan struct{} // one token per queued reply
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewStreamReceiver creates a receiver reading from port with a queue of at
// most size replies.
func NewStreamReceiver(port Port, size int, l logger.Logger, metrics *Metrics) *StreamReceiver {
	if size < MinReplyQueueSize {
		size = MinReplyQueueSize
	}
	if metrics == nil {
		metrics = &Metrics{}
	}

	return &StreamReceiver{
		port:     port,
		logger:   l,
		metrics:  metrics,
		queue:    queue.NewSliceQueue[*xnet.Reply](size),
		avail:    make(chan struct{}, 1),
		slots:    make(chan struct{}, size),
		stopChan: make(chan struct{}),
	}
}

// MarkTransmission records msg as being sent, so the next packet is presumed
// to be its reply. It fails with ErrTransmissionPending when the previous
// mark was never reset.
func (r *StreamReceiver) MarkTransmission(msg *xnet.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sending != nil {
		return fmt.Errorf("%w: sending %s, new %s", ErrTransmissionPending, r.sending, msg)
	}
	r.sending = msg
	r.expected = nil

	return nil
}

// IncomingPacket is the begin callback passed to Port.ReadReply. It is only
// valid while the receive loop is inside a port read.
func (r *StreamReceiver) IncomingPacket(reply *xnet.Reply) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.reading {
		return ErrNotReceiveContext
	}
	if r.sending != nil && r.expected == nil {
		r.expected = reply
	}

	return nil
}

// ResetExpectedReply clears the correlation state at the end of a
// conversation. reply is the packet the conversation consumed as its first
// reply, or nil if none arrived. A mismatch means correlation state is stale;
// it is logged and the correlation of queued replies is cleared.
func (r *StreamReceiver) ResetExpectedReply(reply *xnet.Reply) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.expected != reply {
		r.metrics.incCorrelationMismatchCount()
		r.logger.Warn("engine: correlation mismatch on reset",
			"expected", r.expected, "reply", reply, "sending", r.sending)

		r.queue.Range(func(q *xnet.Reply) bool {
			if q.ResponseTo() != nil {
				q.SetUnsolicited()
			}
			return true
		})
	}

	r.sending = nil
	r.expected = nil
}

// Take blocks until a reply is available. It returns ErrReceiverStopped once
// the receiver is stopped, the pending receive error once after a failure,
// or ctx.Err() when ctx is done.
func (r *StreamReceiver) Take(ctx context.Context) (*xnet.Reply, error) {
	return r.take(ctx, nil)
}

// TakeWithTimeout is Take bounded by d. It returns (nil, nil) on timeout.
func (r *StreamReceiver) TakeWithTimeout(d time.Duration) (*xnet.Reply, error) {
	return r.takeWithin(context.Background(), d)
}

func (r *StreamReceiver) takeWithin(ctx context.Context, d time.Duration) (*xnet.Reply, error) {
	if d <= 0 {
		return r.TryTake()
	}

	timer := pool.GetTimer(d)
	defer pool.PutTimer(timer)

	return r.take(ctx, timer.C)
}

// TryTake returns the next reply without blocking, or (nil, nil) if none is queued.
func (r *StreamReceiver) TryTake() (*xnet.Reply, error) {
	reply, _, err := r.poll()
	return reply, err
}

// Available is signalled when a reply or a receive error is queued.
func (r *StreamReceiver) Available() <-chan struct{} {
	return r.avail
}

// IsActive reports whether the receiver is neither stopped nor failed.
func (r *StreamReceiver) IsActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return !r.stopped && !r.failed && r.err == nil
}

// Stop deactivates the receiver and wakes every blocked pull. It is idempotent.
func (r *StreamReceiver) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
		close(r.stopChan)
	})
}

func (r *StreamReceiver) take(ctx context.Context, timeout <-chan time.Time) (*xnet.Reply, error) {
	for {
		reply, done, err := r.poll()
		if done {
			return reply, err
		}

		select {
		case <-r.avail:
		case <-r.stopChan:
		case <-timeout:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// poll reports done when the caller must return (reply, err) instead of waiting.
func (r *StreamReceiver) poll() (*xnet.Reply, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return nil, true, ErrReceiverStopped
	}
	if reply, ok := r.queue.Dequeue(); ok {
		<-r.slots
		return reply, true, nil
	}
	if r.err != nil {
		err := r.err
		r.err = nil
		r.failed = true

		return nil, true, err
	}
	if r.failed {
		return nil, true, ErrReceiverStopped
	}

	return nil, false, nil
}

func (r *StreamReceiver) signal() {
	select {
	case r.avail <- struct{}{}:
	default:
	}
}

// receiveOne is one iteration of the receive loop.
func (r *StreamReceiver) receiveOne(_ context.Context) bool {
	r.mu.Lock()
	if r.stopped || r.failed || r.err != nil {
		r.mu.Unlock()
		return false
	}
	r.reading = true
	r.mu.Unlock()

	reply := &xnet.Reply{}
	err := r.readReply(reply)

	r.mu.Lock()
	r.reading = false
	r.mu.Unlock()

	if err != nil {
		return r.readFailed(reply, err)
	}

	select {
	case r.slots <- struct{}{}:
	case <-r.stopChan:
		return false
	}

	r.mu.Lock()
	if r.sending != nil && r.expected == reply {
		reply.SetResponseTo(r.sending)
	} else {
		reply.SetUnsolicited()
	}
	r.queue.Enqueue(reply)
	r.mu.Unlock()

	r.metrics.incReplyRecvCount(reply.IsUnsolicited())
	r.logger.Debug("engine: received", "reply", reply, "unsolicited", reply.IsUnsolicited())
	r.signal()

	return true
}

// readFailed handles a failed read and reports whether the loop continues.
// Framing errors drop the packet; anything else fails the receiver.
func (r *StreamReceiver) readFailed(reply *xnet.Reply, err error) bool {
	r.mu.Lock()
	if r.expected == reply {
		r.expected = nil
	}
	if r.stopped {
		r.mu.Unlock()
		return false
	}

	if errors.Is(err, xnet.ErrChecksumMismatch) || errors.Is(err, xnet.ErrInvalidLength) {
		r.mu.Unlock()
		r.metrics.incFramingErrorCount()
		r.logger.Warn("engine: dropped packet", "error", err)

		return true
	}

	r.err = err
	r.mu.Unlock()

	r.logger.Error("engine: receive failed", "error", err)
	r.signal()

	return false
}

func (r *StreamReceiver) readReply(reply *xnet.Reply) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("engine: panic while reading reply: %v", p)
		}
	}()

	return r.port.ReadReply(reply, r.IncomingPacket)
}
