package engine

import "github.com/arloliu/go-xnet/xnet"

// queryHandler asks the command station for an accessory nibble and completes
// on the first feedback naming it. The feedback is left unconsumed so the
// passive handler records it.
type queryHandler struct {
	env  *handlerEnv
	base int
}

func newQueryHandler(env *handlerEnv, msg *xnet.Message) *queryHandler {
	return &queryHandler{env: env, base: msg.AccessoryNumber()}
}

func (h *queryHandler) AcceptsReply(_ *xnet.Message, reply *xnet.Reply) bool {
	if reply.IsOkMessage() {
		return true
	}

	return reply.IsFeedback() && reply.FeedbackItem(h.base) != nil
}

func (h *queryHandler) Processed(cmd *CommandState, reply *xnet.Reply) ReplyOutcome {
	out := outcomeFor(cmd, reply)

	if reply.IsOkMessage() {
		cmd.incOk()
		out.SetAdditionalReplyRequired()

		return out
	}

	cmd.incFeedback()
	out.SetComplete()

	return out
}

func (h *queryHandler) FilterMessage(*xnet.Reply) bool { return false }

func (h *queryHandler) Finished(ReplyOutcome, *CommandState) bool { return true }
