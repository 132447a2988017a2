package engine

import (
	"github.com/arloliu/go-xnet/logger"
	"github.com/arloliu/go-xnet/xnet"
)

type accessoryPhase uint8

const (
	phaseOn accessoryPhase = iota
	phaseOff
	phaseResync
)

func (p accessoryPhase) String() string {
	switch p {
	case phaseOn:
		return "on"
	case phaseOff:
		return "off"
	default:
		return "resync"
	}
}

// accessoryHandler drives an accessory output through ON, the delayed OFF and
// an optional resync query.
//
// Feedback for the accessory that disagrees with the commanded state while the
// chain is open sets recheck; the OFF conversation then queues a status query
// instead of ending the chain. Until the ON conversation finishes, such
// feedback is a concurrent action unless it is the acknowledged station's own
// reply.
type accessoryHandler struct {
	env    *handlerEnv
	logger logger.Logger

	number int
	state  xnet.AccessoryState
	phase  accessoryPhase

	acked      bool // current phase saw an acknowledgement
	recheck    bool
	concurrent bool
}

func newAccessoryHandler(env *handlerEnv, msg *xnet.Message) *accessoryHandler {
	h := &accessoryHandler{
		env:    env,
		number: msg.AccessoryNumber(),
		state:  msg.AccessoryState(),
		phase:  phaseOn,
	}
	h.logger = env.logger.With("accessory", h.number)

	if msg.IsAccessoryOn() {
		env.store.ExpectAccessoryState(h.number, h.state)
	} else {
		h.phase = phaseOff
	}

	return h
}

func (h *accessoryHandler) AcceptsReply(_ *xnet.Message, reply *xnet.Reply) bool {
	if reply.IsOkMessage() {
		return true
	}

	return reply.IsFeedback() && reply.FeedbackItem(h.number) != nil
}

func (h *accessoryHandler) Processed(cmd *CommandState, reply *xnet.Reply) ReplyOutcome {
	out := outcomeFor(cmd, reply)

	if h.phase == phaseResync {
		if reply.IsOkMessage() {
			cmd.incOk()
			out.SetAdditionalReplyRequired()

			return out
		}
		// left unconsumed so the passive handler records the reported state
		cmd.incFeedback()
		out.SetComplete()

		return out
	}

	if reply.IsOkMessage() {
		cmd.incOk()
		h.acked = true
	} else if item := reply.FeedbackItem(h.number); item != nil && !item.IsConsumed() {
		h.processFeedback(cmd, item, reply.ResponseTo() == cmd.Message())
	}

	if h.concurrent {
		out.MarkConcurrentAction()
	}

	switch {
	case cmd.OkCount() > 0 && (cmd.FeedbackCount() > 0 || h.recheck):
		out.SetComplete()
	case cmd.OkCount() > 0:
		// decoders without feedback never report; an optional packet may follow
		out.SetIncomplete()
	default:
		out.SetAdditionalReplyRequired()
	}

	return out
}

// processFeedback applies item to the command. solicited tells whether the
// reply carrying item answered the command directly.
func (h *accessoryHandler) processFeedback(cmd *CommandState, item *xnet.FeedbackItem, solicited bool) {
	reported := item.State()
	item.Consume()
	h.consumePair(item)

	switch {
	case reported == h.state:
		cmd.incFeedback()
		h.env.store.UpdateAccessoryState(h.number, reported)
	case !reported.IsDefined():
		// in motion or undefined, says nothing about the outcome
	case h.phase == phaseOn && (!h.acked || !solicited):
		h.markConcurrent(reported)
	default:
		h.logger.Debug("engine: feedback disagrees with command", "reported", reported, "commanded", h.state)
		h.recheck = true
	}
}

// consumePair consumes the other accessory of item's nibble when the byte
// tells nothing new about it.
func (h *accessoryHandler) consumePair(item *xnet.FeedbackItem) {
	pair := item.PairedItem()
	if pair == nil || pair.IsConsumed() {
		return
	}

	n := pair.AccessoryNumber()
	expected := h.env.store.ExpectedAccessoryState(n)
	reported := pair.State()
	if expected != xnet.StateUnknown && expected != reported {
		return
	}

	pair.Consume()
	if reported.IsDefined() {
		h.env.store.UpdateAccessoryState(n, reported)
		if expected == xnet.StateUnknown {
			h.env.store.ExpectAccessoryState(n, reported)
		}
	}
}

func (h *accessoryHandler) markConcurrent(reported xnet.AccessoryState) {
	if !h.concurrent {
		h.env.metrics.incConcurrentActionCount()
	}
	h.concurrent = true
	h.recheck = true
	h.logger.Warn("engine: concurrent layout action", "reported", reported, "commanded", h.state)
}

func (h *accessoryHandler) FilterMessage(reply *xnet.Reply) bool {
	if h.phase == phaseResync || !reply.IsFeedback() {
		return false
	}

	item := reply.FeedbackItem(h.number)
	if item == nil || item.IsConsumed() {
		return false
	}

	reported := item.State()
	item.Consume()
	h.consumePair(item)

	if reported.IsDefined() && reported != h.state {
		if h.phase == phaseOn {
			h.markConcurrent(reported)
		} else {
			h.recheck = true
		}
	}

	return true
}

func (h *accessoryHandler) Finished(_ ReplyOutcome, cmd *CommandState) bool {
	switch h.phase {
	case phaseOn:
		off, err := xnet.NewAccessoryOperation(h.number, h.state, false)
		if err != nil {
			h.logger.Error("engine: cannot build OFF command", "error", err)
			return true
		}

		h.phase = phaseOff
		h.acked = false
		h.env.metrics.incOffPulseCount()
		h.env.followUp(cmd, off.WithPriority(xnet.PriorityHigh).WithDelay(h.env.offDelay))

		return false

	case phaseOff:
		if !h.recheck {
			return true
		}

		query, err := xnet.NewAccessoryInfoRequest(h.number)
		if err != nil {
			h.logger.Error("engine: cannot build resync query", "error", err)
			return true
		}

		h.phase = phaseResync
		h.recheck = false
		h.env.metrics.incResyncCount()
		h.logger.Info("engine: resync accessory state")
		h.env.followUp(cmd, query.WithPriority(xnet.PriorityHigh))

		return false

	default:
		return true
	}
}
