package engine

import "github.com/arloliu/go-xnet/xnet"

type replyCode struct {
	header byte
	sub    byte
	anySub bool
}

func (c replyCode) matches(reply *xnet.Reply) bool {
	if reply.Header() != c.header {
		return false
	}

	return c.anySub || reply.Element(1) == int(c.sub)
}

// replyRule lists the replies a command expects. An exclusive rule accepts only
// its codes; otherwise the codes are alternatives to an acknowledgement.
type replyRule struct {
	exclusive bool
	codes     []replyCode
}

// ruleKey matches a command by its header, or by header and first data byte
// when wide is set.
type ruleKey struct {
	header byte
	sub    byte
	wide   bool
}

var defaultReplyRules = map[ruleKey]replyRule{
	{header: xnet.HeaderCSRequest, sub: xnet.ReqCSVersion, wide: true}: {
		exclusive: true,
		codes:     []replyCode{{header: xnet.HeaderCSVersion, sub: 0x21}},
	},
	{header: xnet.HeaderCSRequest, sub: xnet.ReqCSStatus, wide: true}: {
		exclusive: true,
		codes:     []replyCode{{header: xnet.HeaderCSStatus, sub: 0x22}},
	},
	{header: xnet.HeaderCSRequest, sub: xnet.ReqResults, wide: true}: {
		codes: []replyCode{
			{header: xnet.HeaderCSVersion, sub: xnet.CSResultPaged},
			{header: xnet.HeaderCSVersion, sub: xnet.CSResultDirect},
			{header: xnet.HeaderCSVersion, sub: xnet.CSResultHigh},
			{header: xnet.HeaderCSInfo, sub: xnet.CSServiceReady},
			{header: xnet.HeaderCSInfo, sub: xnet.CSServiceShort},
			{header: xnet.HeaderCSInfo, sub: xnet.CSServiceNotFound},
			{header: xnet.HeaderCSInfo, sub: xnet.CSServiceBusy},
		},
	},
	{header: xnet.HeaderCSRequest, sub: xnet.ReqResume, wide: true}: {
		codes: []replyCode{{header: xnet.HeaderCSInfo, sub: xnet.CSNormalResumed}},
	},
	{header: xnet.HeaderCSRequest, sub: xnet.ReqTrackOff, wide: true}: {
		codes: []replyCode{{header: xnet.HeaderCSInfo, sub: xnet.CSTrackPowerOff}},
	},
	{header: xnet.HeaderEmergencyStop}: {
		codes: []replyCode{{header: xnet.HeaderEStopBroadcast, sub: 0x00}},
	},
	{header: xnet.HeaderLIVersion}: {
		exclusive: true,
		codes:     []replyCode{{header: xnet.HeaderLIVersionReply, anySub: true}},
	},
	{header: xnet.HeaderLocoInfoRequest, sub: 0x00, wide: true}: {
		codes: []replyCode{
			{header: 0xE2, anySub: true},
			{header: 0xE4, anySub: true},
			{header: 0xE5, anySub: true},
			{header: 0xE6, anySub: true},
		},
	},
}

func lookupReplyRule(msg *xnet.Message) (replyRule, bool) {
	if msg.Len() > 1 {
		if rule, ok := defaultReplyRules[ruleKey{header: msg.Header(), sub: byte(msg.Element(1)), wide: true}]; ok {
			return rule, true
		}
	}
	rule, ok := defaultReplyRules[ruleKey{header: msg.Header()}]

	return rule, ok
}

// defaultHandler serves every command without a dedicated handler. It
// completes on the first accepted reply.
type defaultHandler struct {
	env *handlerEnv
}

func newDefaultHandler(env *handlerEnv) *defaultHandler {
	return &defaultHandler{env: env}
}

func (h *defaultHandler) AcceptsReply(msg *xnet.Message, reply *xnet.Reply) bool {
	rule, ok := lookupReplyRule(msg)
	if !ok {
		return !reply.IsBroadcast() && !reply.IsFeedback()
	}

	for _, code := range rule.codes {
		if code.matches(reply) {
			return true
		}
	}

	return !rule.exclusive && reply.IsOkMessage()
}

func (h *defaultHandler) Processed(cmd *CommandState, reply *xnet.Reply) ReplyOutcome {
	out := outcomeFor(cmd, reply)
	if reply.IsOkMessage() {
		cmd.incOk()
	}
	out.SetComplete()

	return out
}

func (h *defaultHandler) FilterMessage(*xnet.Reply) bool { return false }

func (h *defaultHandler) Finished(ReplyOutcome, *CommandState) bool { return true }
