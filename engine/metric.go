package engine

import "sync/atomic"

// Metrics contains atomic counters of a traffic controller.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type Metrics struct {
	// MessageSendCount indicates the number of messages written, resends included.
	MessageSendCount atomic.Uint64
	// ReplyRecvCount indicates the number of replies received.
	ReplyRecvCount atomic.Uint64
	// UnsolicitedReplyCount indicates the number of replies not correlated to a message.
	UnsolicitedReplyCount atomic.Uint64
	// FramingErrorCount indicates the number of packets dropped for bad length or checksum.
	FramingErrorCount atomic.Uint64

	// RetransmitCount indicates the number of resends caused by retransmittable errors.
	RetransmitCount atomic.Uint64
	// TimeoutCount indicates the number of reply timeouts.
	TimeoutCount atomic.Uint64
	// UnexpectedReplyCount indicates the number of solicited replies no handler accepted.
	UnexpectedReplyCount atomic.Uint64
	// CorrelationMismatchCount indicates the number of resets with a stale expected reply.
	CorrelationMismatchCount atomic.Uint64

	// CommandCompleteCount indicates the number of finished conversations.
	CommandCompleteCount atomic.Uint64
	// CommandFailCount indicates the number of conversations that ended with an error.
	CommandFailCount atomic.Uint64
	// CommandInflightCount indicates the number of conversations waiting for replies.
	CommandInflightCount atomic.Int64

	// OffPulseCount indicates the number of accessory OFF commands queued.
	OffPulseCount atomic.Uint64
	// ResyncCount indicates the number of accessory status queries queued for resync.
	ResyncCount atomic.Uint64
	// ConcurrentActionCount indicates the number of layout actions detected during a command.
	ConcurrentActionCount atomic.Uint64
}

func (m *Metrics) incMessageSendCount() {
	m.MessageSendCount.Add(1)
}

func (m *Metrics) incReplyRecvCount(unsolicited bool) {
	m.ReplyRecvCount.Add(1)
	if unsolicited {
		m.UnsolicitedReplyCount.Add(1)
	}
}

func (m *Metrics) incFramingErrorCount() {
	m.FramingErrorCount.Add(1)
}

func (m *Metrics) incRetransmitCount() {
	m.RetransmitCount.Add(1)
}

func (m *Metrics) incTimeoutCount() {
	m.TimeoutCount.Add(1)
}

func (m *Metrics) incUnexpectedReplyCount() {
	m.UnexpectedReplyCount.Add(1)
}

func (m *Metrics) incCorrelationMismatchCount() {
	m.CorrelationMismatchCount.Add(1)
}

func (m *Metrics) incCommandCompleteCount(failed bool) {
	m.CommandCompleteCount.Add(1)
	if failed {
		m.CommandFailCount.Add(1)
	}
}

func (m *Metrics) incCommandInflightCount() {
	m.CommandInflightCount.Add(1)
}

func (m *Metrics) decCommandInflightCount() {
	m.CommandInflightCount.Add(-1)
}

func (m *Metrics) incOffPulseCount() {
	m.OffPulseCount.Add(1)
}

func (m *Metrics) incResyncCount() {
	m.ResyncCount.Add(1)
}

func (m *Metrics) incConcurrentActionCount() {
	m.ConcurrentActionCount.Add(1)
}
