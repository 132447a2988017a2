package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/arloliu/go-xnet/xnet"
)

// GroupKind classifies what a group key correlates.
type GroupKind uint8

const (
	GroupNone GroupKind = iota
	GroupAccessory
)

// GroupKey ties a command to its follow-ups and to other commands addressing
// the same accessory pair.
type GroupKey struct {
	Kind GroupKind
	// Base is the odd accessory number of the feedback pair.
	Base int
}

// IsZero reports whether k groups nothing.
func (k GroupKey) IsZero() bool { return k.Kind == GroupNone }

func (k GroupKey) String() string {
	if k.IsZero() {
		return "none"
	}

	return fmt.Sprintf("accessory:%d", k.Base)
}

func groupKeyFor(msg *xnet.Message) GroupKey {
	if n := msg.AccessoryNumber(); n != 0 {
		return GroupKey{Kind: GroupAccessory, Base: xnet.PairBase(n)}
	}

	return GroupKey{}
}

// CommandState is the mutable record of one command: its message, the
// replies counted so far and the group key shared with its follow-ups.
//
// Counters are only touched by the process loop. Done is closed when the
// command and every follow-up it caused have finished.
type CommandState struct {
	msg       *xnet.Message
	group     GroupKey
	handler   CommandHandler
	parent    *CommandState
	initiator *CommandState

	okCount       int
	feedbackCount int
	attempts      int

	err      error
	done     chan struct{}
	doneOnce sync.Once
}

func newCommandState(msg *xnet.Message, group GroupKey, handler CommandHandler) *CommandState {
	return &CommandState{
		msg:     msg,
		group:   group,
		handler: handler,
		done:    make(chan struct{}),
	}
}

// Message returns the command's message.
func (c *CommandState) Message() *xnet.Message { return c.msg }

// Group returns the group key.
func (c *CommandState) Group() GroupKey { return c.group }

// Initiator returns the command that started the chain, c itself for an initiator.
func (c *CommandState) Initiator() *CommandState {
	if c.initiator == nil {
		return c
	}

	return c.initiator
}

// IsFollowUp reports whether c was queued by a handler of another command.
func (c *CommandState) IsFollowUp() bool { return c.parent != nil }

// OkCount returns the number of acknowledgements counted.
func (c *CommandState) OkCount() int { return c.okCount }

// FeedbackCount returns the number of confirming feedback items counted.
func (c *CommandState) FeedbackCount() int { return c.feedbackCount }

// Attempts returns how many times the message was written.
func (c *CommandState) Attempts() int { return c.attempts }

func (c *CommandState) incOk()       { c.okCount++ }
func (c *CommandState) incFeedback() { c.feedbackCount++ }

// Done is closed when the command chain has finished.
func (c *CommandState) Done() <-chan struct{} { return c.done }

// Err returns the first error of the chain once Done is closed.
func (c *CommandState) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait blocks until the chain finishes or ctx is done.
func (c *CommandState) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// setErr records the conversation error; the first one wins.
func (c *CommandState) setErr(err error) {
	if c.err == nil {
		c.err = err
	}
}

// complete closes c and its ancestors, passing the chain error upwards.
func (c *CommandState) complete() {
	for s := c; s != nil; s = s.parent {
		if s != c {
			s.setErr(c.err)
		}
		s.doneOnce.Do(func() { close(s.done) })
	}
}

func (c *CommandState) String() string {
	return fmt.Sprintf("%s (group %s, ok %d, feedback %d)", c.msg, c.group, c.okCount, c.feedbackCount)
}

// ReplyOutcome is the result of processing one reply.
// Complete and AdditionalReplyRequired are never both true.
type ReplyOutcome struct {
	complete   bool
	additional bool
	solicited  bool
	concurrent bool
	err        error
}

// SetComplete declares the conversation finished.
func (o *ReplyOutcome) SetComplete() {
	o.complete = true
	o.additional = false
}

// SetAdditionalReplyRequired declares that another reply must arrive.
func (o *ReplyOutcome) SetAdditionalReplyRequired() {
	o.additional = true
	o.complete = false
}

// SetIncomplete declares that the conversation may complete with an optional
// later reply.
func (o *ReplyOutcome) SetIncomplete() {
	o.complete = false
	o.additional = false
}

// SetSolicited records whether the reply answered the command.
func (o *ReplyOutcome) SetSolicited(v bool) { o.solicited = v }

// MarkConcurrentAction flags a layout change made by someone else during the command.
func (o *ReplyOutcome) MarkConcurrentAction() { o.concurrent = true }

// Fail completes the conversation with err.
func (o *ReplyOutcome) Fail(err error) {
	o.err = err
	o.SetComplete()
}

// IsComplete reports whether the conversation is finished.
func (o *ReplyOutcome) IsComplete() bool { return o.complete }

// AdditionalReplyRequired reports whether another reply must arrive.
func (o *ReplyOutcome) AdditionalReplyRequired() bool { return o.additional }

// IsSolicited reports whether the reply answered the command.
func (o *ReplyOutcome) IsSolicited() bool { return o.solicited }

// ConcurrentActionDetected reports whether the layout was changed by someone
// else while the command was in flight.
func (o *ReplyOutcome) ConcurrentActionDetected() bool { return o.concurrent }

// Err returns the error the conversation failed with, if any.
func (o *ReplyOutcome) Err() error { return o.err }
