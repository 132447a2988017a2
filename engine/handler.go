package engine

import (
	"time"

	"github.com/arloliu/go-xnet/logger"
	"github.com/arloliu/go-xnet/xnet"
)

// CommandHandler is the per command kind policy of a conversation.
//
// A handler is selected once per command chain and serves every follow-up of
// the chain, so it can carry state from the initial command to its OFF pulse
// and resync query.
type CommandHandler interface {
	// AcceptsReply reports whether reply plausibly belongs to msg's
	// conversation. It does not change any state.
	AcceptsReply(msg *xnet.Message, reply *xnet.Reply) bool
	// Processed advances the conversation of cmd with an accepted reply.
	Processed(cmd *CommandState, reply *xnet.Reply) ReplyOutcome
	// FilterMessage is offered every unsolicited reply while the handler's
	// chain is open. It returns true if it consumed part of reply.
	FilterMessage(reply *xnet.Reply) bool
	// Finished is called once per completed conversation. It returns false
	// after queueing a follow-up command, true when the chain is done.
	Finished(outcome ReplyOutcome, cmd *CommandState) bool
}

// handlerEnv is what handlers may use besides the replies they process.
type handlerEnv struct {
	store    AccessoryStateStore
	followUp func(parent *CommandState, msg *xnet.Message)
	offDelay time.Duration
	logger   logger.Logger
	metrics  *Metrics
}

// newCommandHandler selects the handler for the command that starts a chain.
func newCommandHandler(env *handlerEnv, msg *xnet.Message) CommandHandler {
	switch msg.Header() {
	case xnet.HeaderAccessoryOp:
		if msg.IsAccessoryOperation() {
			return newAccessoryHandler(env, msg)
		}
	case xnet.HeaderAccessoryInfo:
		if msg.IsAccessoryInfoRequest() {
			return newQueryHandler(env, msg)
		}
	case xnet.HeaderServiceRead, xnet.HeaderServiceWrite:
		return newProgModeHandler(env)
	}

	return newDefaultHandler(env)
}

// outcomeFor starts an outcome for reply in cmd's conversation.
func outcomeFor(cmd *CommandState, reply *xnet.Reply) ReplyOutcome {
	var out ReplyOutcome
	out.SetSolicited(reply.ResponseTo() == cmd.Message())

	return out
}
