package engine

import "github.com/arloliu/go-xnet/xnet"

// progModeHandler serves service mode reads and writes. The command station
// answers with an acknowledgement and the 61 02 broadcast, in either order,
// and the conversation completes only when both were seen.
type progModeHandler struct {
	env        *handlerEnv
	broadcasts int
}

func newProgModeHandler(env *handlerEnv) *progModeHandler {
	return &progModeHandler{env: env}
}

func (h *progModeHandler) AcceptsReply(_ *xnet.Message, reply *xnet.Reply) bool {
	return reply.IsOkMessage() || reply.IsServiceModeEntry()
}

func (h *progModeHandler) Processed(cmd *CommandState, reply *xnet.Reply) ReplyOutcome {
	out := outcomeFor(cmd, reply)

	if reply.IsOkMessage() {
		cmd.incOk()
	} else {
		h.broadcasts++
	}

	if cmd.OkCount() > 0 && h.broadcasts > 0 {
		out.SetComplete()
	} else {
		out.SetAdditionalReplyRequired()
	}

	return out
}

func (h *progModeHandler) FilterMessage(*xnet.Reply) bool { return false }

func (h *progModeHandler) Finished(ReplyOutcome, *CommandState) bool { return true }
