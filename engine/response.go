package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/arloliu/go-xnet/internal/pool"
	"github.com/arloliu/go-xnet/logger"
	"github.com/arloliu/go-xnet/xnet"
)

// conversationResult tells the send loop how one attempt ended.
type conversationResult uint8

const (
	resultReplied conversationResult = iota
	resultRetransmit
	resultTimeout
	resultStopped
)

// dispatcher runs conversations on the process loop: it sends a command,
// pulls replies until the command's handler declares the conversation
// complete and commits a single state transition per attempt.
type dispatcher struct {
	cfg       *config
	port      Port
	receiver  *StreamReceiver
	state     *responseHandler
	service   *CommandService
	passive   *FeedbackBroadcastHandler
	listeners *listenerSet
	metrics   *Metrics
	logger    logger.Logger
}

// run sends cmd and resolves its conversation, including resends after
// retransmittable errors and timeouts. It returns an error only when the
// receiver stopped.
func (d *dispatcher) run(ctx context.Context, cmd *CommandState) error {
	msg := cmd.msg
	timeouts := 0
	retry := false

	for {
		if err := d.transmit(cmd, retry); err != nil {
			var out ReplyOutcome
			out.Fail(err)
			d.finish(cmd, out)

			return nil
		}
		retry = true

		result, correlated, out, err := d.converse(ctx, cmd)
		switch result {
		case resultReplied:
			d.state.commit(transitionReplied)
			d.receiver.ResetExpectedReply(correlated)
			d.finish(cmd, out)

			return nil

		case resultRetransmit:
			m := d.state.commit(transitionRetransmit)
			d.receiver.ResetExpectedReply(correlated)
			d.metrics.incRetransmitCount()

			if m.RetransmitCount > d.cfg.retransmitLimit {
				d.state.abandon()
				d.logger.Warn("engine: retransmit limit exhausted", "msg", msg, "errors", m.RetransmitCount)
				out.Fail(fmt.Errorf("%w: %s", ErrRetransmitExhausted, msg))
				d.finish(cmd, out)

				return nil
			}

			backoff := d.cfg.retryBackoff * time.Duration(m.RetransmitCount)
			d.logger.Debug("engine: retransmitting", "msg", msg, "count", m.RetransmitCount, "backoff", backoff)
			if err := pool.Sleep(ctx, backoff); err != nil {
				d.state.abandon()
				d.stopped(cmd, nil, err)

				return err
			}

		case resultTimeout:
			d.state.commit(transitionTimedOut)
			d.receiver.ResetExpectedReply(correlated)
			d.metrics.incTimeoutCount()
			d.logger.Warn("engine: reply timeout", "msg", msg, "attempt", cmd.attempts)
			d.listeners.notifyTimeout(msg)

			if timeouts < d.cfg.timeoutRetries {
				timeouts++
				continue
			}

			out.Fail(fmt.Errorf("%w: %s", ErrReplyTimeout, msg))
			d.finish(cmd, out)

			return nil

		case resultStopped:
			d.state.abandon()
			d.stopped(cmd, correlated, err)

			return err
		}
	}
}

// transmit marks the receiver and writes the message.
func (d *dispatcher) transmit(cmd *CommandState, retry bool) error {
	msg := cmd.msg

	d.state.beginSend(msg, retry)
	if err := d.receiver.MarkTransmission(msg); err != nil {
		d.state.abandon()
		d.logger.Error("engine: transmission contract violated", "msg", msg, "error", err)

		return err
	}

	cmd.attempts++
	if cmd.attempts == 1 {
		d.metrics.incCommandInflightCount()
	}

	if err := d.port.WriteMessage(msg); err != nil {
		d.receiver.ResetExpectedReply(nil)
		d.state.abandon()
		d.logger.Error("engine: write failed", "msg", msg, "error", err)

		return fmt.Errorf("engine: write %s: %w", msg, err)
	}

	d.metrics.incMessageSendCount()
	d.logger.Debug("engine: sent", "msg", msg, "attempt", cmd.attempts)

	return nil
}

// converse pulls replies for one attempt. It returns the reply the receiver
// correlated with the message, or nil if none arrived.
func (d *dispatcher) converse(ctx context.Context, cmd *CommandState) (conversationResult, *xnet.Reply, ReplyOutcome, error) {
	msg := cmd.msg
	h := cmd.handler
	timeout := msg.Timeout()
	if timeout <= 0 {
		timeout = d.cfg.replyTimeout
	}

	var out ReplyOutcome
	deadline := time.Now().Add(timeout)
	unexpected := false
	var correlated *xnet.Reply

	// skip unsolicited traffic up to the first reply of this conversation
	var first *xnet.Reply
	for first == nil {
		reply, err := d.takeUntil(ctx, deadline)
		if err != nil {
			return resultStopped, correlated, out, err
		}
		if reply == nil {
			return resultTimeout, correlated, out, nil
		}

		if reply.ResponseTo() != msg {
			// after an unexpected reply the real answer may arrive uncorrelated
			if unexpected && h.AcceptsReply(msg, reply) && !reply.IsFeedbackBroadcast() && !reply.IsBroadcast() {
				first = reply
				break
			}
			d.dispatchUnsolicited(reply)

			continue
		}
		correlated = reply

		if reply.IsRetransmittableError() {
			d.listeners.notifyReply(reply)
			return resultRetransmit, reply, out, nil
		}

		if !h.AcceptsReply(msg, reply) {
			if reply.IsBroadcast() || reply.IsFeedback() {
				d.dispatchUnsolicited(reply)
			} else {
				d.metrics.incUnexpectedReplyCount()
				d.logger.Warn("engine: unexpected reply", "msg", msg, "reply", reply)
				d.listeners.notifyReply(reply)
			}
			unexpected = true

			continue
		}

		first = reply
	}

	out = h.Processed(cmd, first)
	d.deliver(first)

	// further packets of the same conversation
	until := d.nextWait(out, timeout)
	for !out.IsComplete() {
		reply, err := d.takeUntil(ctx, until)
		if err != nil {
			return resultStopped, correlated, out, err
		}
		if reply == nil {
			if out.AdditionalReplyRequired() {
				return resultTimeout, correlated, out, nil
			}
			out.SetComplete()

			break
		}

		if !reply.IsRetransmittableError() && h.AcceptsReply(msg, reply) {
			concurrent := out.ConcurrentActionDetected()
			out = h.Processed(cmd, reply)
			if concurrent {
				out.MarkConcurrentAction()
			}
			d.deliver(reply)
			until = d.nextWait(out, timeout)

			continue
		}

		d.dispatchUnsolicited(reply)
	}

	return resultReplied, correlated, out, nil
}

// nextWait returns the deadline for the next packet: the full reply timeout
// when another reply is required, the short extra-reply window otherwise.
func (d *dispatcher) nextWait(out ReplyOutcome, timeout time.Duration) time.Time {
	if out.AdditionalReplyRequired() {
		return time.Now().Add(timeout)
	}

	return time.Now().Add(d.cfg.extraReplyWait)
}

// takeUntil pulls a reply, returning (nil, nil) at deadline.
func (d *dispatcher) takeUntil(ctx context.Context, deadline time.Time) (*xnet.Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return d.receiver.takeWithin(ctx, time.Until(deadline))
}

// deliver passes a reply processed by the conversation on to the passive
// handler, which skips the feedback items the handler consumed, and to the
// listeners.
func (d *dispatcher) deliver(reply *xnet.Reply) {
	d.passive.Handle(reply)
	d.listeners.notifyReply(reply)
}

// dispatchUnsolicited offers reply to open chains, then to the passive
// feedback handler and the listeners unless it was consumed entirely.
func (d *dispatcher) dispatchUnsolicited(reply *xnet.Reply) {
	d.service.filterUnsolicited(reply)
	if reply.IsFullyConsumed() {
		d.logger.Debug("engine: feedback consumed by open command", "reply", reply)
		return
	}

	d.passive.Handle(reply)
	d.listeners.notifyReply(reply)
}

// finish ends a conversation: the handler decides about follow-ups and the
// service completes the chain when none were queued.
func (d *dispatcher) finish(cmd *CommandState, out ReplyOutcome) {
	if cmd.attempts > 0 {
		d.metrics.decCommandInflightCount()
	}
	if err := out.Err(); err != nil {
		cmd.setErr(err)
	}
	d.metrics.incCommandCompleteCount(out.Err() != nil)

	if out.ConcurrentActionDetected() {
		d.logger.Info("engine: command finished after concurrent layout action", "msg", cmd.msg)
	}

	done := cmd.handler.Finished(out, cmd)
	d.service.complete(cmd, done)
}

// stopped fails cmd because the receiver or the loop went away.
func (d *dispatcher) stopped(cmd *CommandState, correlated *xnet.Reply, err error) {
	d.receiver.ResetExpectedReply(correlated)
	if cmd.attempts > 0 {
		d.metrics.decCommandInflightCount()
	}
	cmd.setErr(err)
	cmd.complete()
}
