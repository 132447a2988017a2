package engine

import (
	"testing"

	"github.com/arloliu/go-xnet/xnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplyOutcome_CompleteNeverRequiresMore(t *testing.T) {
	steps := []func(*ReplyOutcome){
		(*ReplyOutcome).SetComplete,
		(*ReplyOutcome).SetAdditionalReplyRequired,
		(*ReplyOutcome).SetIncomplete,
		func(o *ReplyOutcome) { o.Fail(ErrReplyTimeout) },
		(*ReplyOutcome).MarkConcurrentAction,
	}

	// every ordered pair of mutations keeps the invariant
	for _, a := range steps {
		for _, b := range steps {
			var out ReplyOutcome
			a(&out)
			b(&out)
			require.False(t, out.IsComplete() && out.AdditionalReplyRequired())
		}
	}

	var out ReplyOutcome
	out.SetAdditionalReplyRequired()
	out.SetComplete()
	assert.True(t, out.IsComplete())
	assert.False(t, out.AdditionalReplyRequired())
}

func TestNewCommandHandler_SelectsByOpcode(t *testing.T) {
	env, _ := newTestEnv()

	read, err := xnet.NewDirectModeRead(1)
	require.NoError(t, err)
	write, err := xnet.NewDirectModeWrite(1, 3)
	require.NoError(t, err)

	assert.IsType(t, &accessoryHandler{}, newCommandHandler(env, mustAccessoryOp(t, 1, xnet.StateClosed, true)))
	assert.IsType(t, &queryHandler{}, newCommandHandler(env, mustInfoRequest(t, 1)))
	assert.IsType(t, &progModeHandler{}, newCommandHandler(env, read))
	assert.IsType(t, &progModeHandler{}, newCommandHandler(env, write))
	assert.IsType(t, &defaultHandler{}, newCommandHandler(env, xnet.NewCSStatusRequest()))
	assert.IsType(t, &defaultHandler{}, newCommandHandler(env, xnet.NewEmergencyStop()))
}

func TestDefaultHandler_AcceptanceTable(t *testing.T) {
	env, _ := newTestEnv()
	h := newDefaultHandler(env)

	ack := mustReply(t, 0x01, 0x04)
	power := mustReply(t, 0x61, 0x00)
	feedback := mustReply(t, 0x42, 0x05, 0x21)

	tests := []struct {
		name  string
		msg   *xnet.Message
		reply *xnet.Reply
		want  bool
	}{
		{"version exclusive", xnet.NewCSVersionRequest(), mustReply(t, 0x63, 0x21, 0x36, 0x00), true},
		{"version rejects ack", xnet.NewCSVersionRequest(), ack, false},
		{"status exclusive", xnet.NewCSStatusRequest(), mustReply(t, 0x62, 0x22, 0x00), true},
		{"status rejects ack", xnet.NewCSStatusRequest(), ack, false},
		{"results direct", xnet.NewServiceModeResultsRequest(), mustReply(t, 0x63, 0x14, 0x01, 0x03), true},
		{"results not found", xnet.NewServiceModeResultsRequest(), mustReply(t, 0x61, 0x13), true},
		{"results accepts ack", xnet.NewServiceModeResultsRequest(), ack, true},
		{"results rejects power off", xnet.NewServiceModeResultsRequest(), power, false},
		{"resume broadcast", xnet.NewResumeOperations(), mustReply(t, 0x61, 0x01), true},
		{"power off broadcast", xnet.NewTrackPowerOff(), power, true},
		{"estop broadcast", xnet.NewEmergencyStop(), mustReply(t, 0x81, 0x00), true},
		{"li version", xnet.NewLIVersionRequest(), mustReply(t, 0x02, 0x40, 0x01), true},
		{"li version rejects ack", xnet.NewLIVersionRequest(), ack, false},
		{"fallback ack", mustMessage(t, 0x91, 0x03), ack, true},
		{"fallback rejects broadcast", mustMessage(t, 0x91, 0x03), power, false},
		{"fallback rejects feedback", mustMessage(t, 0x91, 0x03), feedback, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.AcceptsReply(tt.msg, tt.reply))
		})
	}
}

func mustMessage(t *testing.T, header byte, data ...byte) *xnet.Message {
	t.Helper()

	m, err := xnet.NewMessage(header, data...)
	require.NoError(t, err)

	return m
}

func TestDefaultHandler_CompletesOnFirstReply(t *testing.T) {
	env, _ := newTestEnv()
	h := newDefaultHandler(env)
	msg := xnet.NewResumeOperations()
	cmd := newCommandState(msg, GroupKey{}, h)

	reply := mustReply(t, 0x01, 0x04)
	reply.SetResponseTo(msg)

	out := h.Processed(cmd, reply)
	require.True(t, out.IsComplete())
	require.True(t, out.IsSolicited())
	require.Equal(t, 1, cmd.OkCount())
	require.True(t, h.Finished(out, cmd))
}

func TestProgModeHandler_NeedsAckAndBroadcast(t *testing.T) {
	for _, ackFirst := range []bool{true, false} {
		env, _ := newTestEnv()
		msg, err := xnet.NewDirectModeRead(29)
		require.NoError(t, err)

		h := newProgModeHandler(env)
		cmd := newCommandState(msg, GroupKey{}, h)

		ack := mustReply(t, 0x01, 0x04)
		entry := mustReply(t, 0x61, 0x02)
		require.True(t, h.AcceptsReply(msg, ack))
		require.True(t, h.AcceptsReply(msg, entry))
		require.False(t, h.AcceptsReply(msg, mustReply(t, 0x61, 0x00)))

		first, second := ack, entry
		if !ackFirst {
			first, second = entry, ack
		}

		out := h.Processed(cmd, first)
		require.False(t, out.IsComplete(), "ackFirst=%v", ackFirst)
		require.True(t, out.AdditionalReplyRequired())

		out = h.Processed(cmd, second)
		require.True(t, out.IsComplete())
		require.False(t, out.AdditionalReplyRequired())
	}
}

func TestQueryHandler(t *testing.T) {
	env, _ := newTestEnv()
	msg := mustInfoRequest(t, 21)
	h := newQueryHandler(env, msg)
	cmd := newCommandState(msg, groupKeyFor(msg), h)

	require.False(t, h.AcceptsReply(msg, mustReply(t, 0x42, 0x06, 0x21)), "other group")
	require.False(t, h.AcceptsReply(msg, mustReply(t, 0x61, 0x01)))

	out := h.Processed(cmd, mustReply(t, 0x01, 0x04))
	require.True(t, out.AdditionalReplyRequired())

	fb := mustReply(t, 0x42, 0x05, 0x21)
	require.True(t, h.AcceptsReply(msg, fb))
	out = h.Processed(cmd, fb)
	require.True(t, out.IsComplete())
	require.False(t, fb.FeedbackItem(21).IsConsumed(), "left for the passive handler")
	require.True(t, h.Finished(out, cmd))
}

func TestAccessoryHandler_FeedbackPairing(t *testing.T) {
	tests := []struct {
		name         string
		pairExpected xnet.AccessoryState
		pairReported byte // bits 3..2 of the feedback byte
		wantConsumed bool
	}{
		{"pair unknown", xnet.StateUnknown, 0b01, true},
		{"pair matches", xnet.StateClosed, 0b01, true},
		{"pair differs", xnet.StateThrown, 0b01, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, _ := newTestEnv()
			if tt.pairExpected != xnet.StateUnknown {
				env.store.ExpectAccessoryState(22, tt.pairExpected)
			}

			msg := mustAccessoryOp(t, 21, xnet.StateThrown, true)
			h := newAccessoryHandler(env, msg)
			cmd := newCommandState(msg, groupKeyFor(msg), h)

			h.Processed(cmd, mustReply(t, 0x01, 0x04))

			fb := mustReply(t, 0x42, 0x05, 0x20|tt.pairReported<<2|0b10)
			require.True(t, h.AcceptsReply(msg, fb))
			out := h.Processed(cmd, fb)

			require.True(t, out.IsComplete())
			require.Equal(t, 1, cmd.FeedbackCount())
			require.True(t, fb.FeedbackItem(21).IsConsumed())
			require.Equal(t, tt.wantConsumed, fb.FeedbackItem(22).IsConsumed())
			require.Equal(t, xnet.StateThrown, env.store.AccessoryState(21))
		})
	}
}

func TestAccessoryHandler_FeedbackBeforeAck(t *testing.T) {
	env, _ := newTestEnv()
	msg := mustAccessoryOp(t, 21, xnet.StateThrown, true)
	h := newAccessoryHandler(env, msg)
	cmd := newCommandState(msg, groupKeyFor(msg), h)

	out := h.Processed(cmd, mustReply(t, 0x42, 0x05, 0x22))
	require.True(t, out.AdditionalReplyRequired())

	out = h.Processed(cmd, mustReply(t, 0x01, 0x04))
	require.True(t, out.IsComplete())
}

func TestAccessoryHandler_AckOnlyIsTentative(t *testing.T) {
	env, _ := newTestEnv()
	msg := mustAccessoryOp(t, 21, xnet.StateThrown, true)
	h := newAccessoryHandler(env, msg)
	cmd := newCommandState(msg, groupKeyFor(msg), h)

	out := h.Processed(cmd, mustReply(t, 0x01, 0x04))
	require.False(t, out.IsComplete())
	require.False(t, out.AdditionalReplyRequired())
}

func TestAccessoryHandler_ConcurrentAction(t *testing.T) {
	env, _ := newTestEnv()
	msg := mustAccessoryOp(t, 5, xnet.StateClosed, true)
	h := newAccessoryHandler(env, msg)
	cmd := newCommandState(msg, groupKeyFor(msg), h)

	// layout reports thrown before the command was acknowledged
	out := h.Processed(cmd, mustReply(t, 0x42, 0x01, 0x22))
	require.True(t, out.ConcurrentActionDetected())
	require.True(t, out.AdditionalReplyRequired())
	require.Zero(t, cmd.FeedbackCount())
	require.Zero(t, cmd.OkCount())

	out = h.Processed(cmd, mustReply(t, 0x01, 0x04))
	require.True(t, out.IsComplete())
	require.True(t, out.ConcurrentActionDetected())
	require.Equal(t, 1, cmd.OkCount())
	require.Equal(t, uint64(1), env.metrics.ConcurrentActionCount.Load())
}

func TestAccessoryHandler_ConcurrentActionAfterAck(t *testing.T) {
	tests := []struct {
		name           string
		solicited      bool
		wantConcurrent bool
	}{
		{"broadcast after ack", false, true},
		{"station reply after ack", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, _ := newTestEnv()
			msg := mustAccessoryOp(t, 5, xnet.StateClosed, true)
			h := newAccessoryHandler(env, msg)
			cmd := newCommandState(msg, groupKeyFor(msg), h)

			ack := mustReply(t, 0x01, 0x04)
			ack.SetResponseTo(msg)
			out := h.Processed(cmd, ack)
			require.False(t, out.ConcurrentActionDetected())

			fb := mustReply(t, 0x42, 0x01, 0x22)
			if tt.solicited {
				fb.SetResponseTo(msg)
			} else {
				fb.SetUnsolicited()
			}
			out = h.Processed(cmd, fb)

			require.True(t, out.IsComplete())
			require.Equal(t, tt.wantConcurrent, out.ConcurrentActionDetected())
			require.Equal(t, tt.wantConcurrent, env.metrics.ConcurrentActionCount.Load() == 1)
			require.Zero(t, cmd.FeedbackCount())
		})
	}
}

func TestAccessoryHandler_FilterMessageDuringOn(t *testing.T) {
	env, _ := newTestEnv()
	msg := mustAccessoryOp(t, 5, xnet.StateClosed, true)
	h := newAccessoryHandler(env, msg)
	cmd := newCommandState(msg, groupKeyFor(msg), h)

	ack := mustReply(t, 0x01, 0x04)
	ack.SetResponseTo(msg)
	h.Processed(cmd, ack)

	fb := mustReply(t, 0x42, 0x01, 0x22)
	fb.SetUnsolicited()
	require.True(t, h.FilterMessage(fb))
	require.Equal(t, uint64(1), env.metrics.ConcurrentActionCount.Load())
}

func TestAccessoryHandler_PairConsumedOnDisagreement(t *testing.T) {
	tests := []struct {
		name   string
		filter bool
	}{
		{"processed", false},
		{"filtered", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, _ := newTestEnv()
			env.store.ExpectAccessoryState(6, xnet.StateThrown)

			msg := mustAccessoryOp(t, 5, xnet.StateClosed, true)
			h := newAccessoryHandler(env, msg)
			cmd := newCommandState(msg, groupKeyFor(msg), h)

			// 5 thrown against the command, 6 thrown as expected
			fb := mustReply(t, 0x42, 0x01, 0x2A)
			fb.SetUnsolicited()
			if tt.filter {
				require.True(t, h.FilterMessage(fb))
			} else {
				h.Processed(cmd, fb)
			}

			require.True(t, fb.FeedbackItem(5).IsConsumed())
			require.True(t, fb.FeedbackItem(6).IsConsumed())
			require.Equal(t, xnet.StateThrown, env.store.AccessoryState(6))
			require.NotEqual(t, xnet.StateThrown, env.store.AccessoryState(5))
		})
	}
}

func TestAccessoryHandler_FinishedQueuesOneOffThenResync(t *testing.T) {
	env, followUps := newTestEnv()
	msg := mustAccessoryOp(t, 5, xnet.StateClosed, true)
	h := newAccessoryHandler(env, msg)
	cmd := newCommandState(msg, groupKeyFor(msg), h)

	var out ReplyOutcome
	out.SetComplete()
	require.False(t, h.Finished(out, cmd))
	require.Len(t, *followUps, 1)

	off := (*followUps)[0]
	require.Equal(t, cmd.Group(), off.Group())
	require.Same(t, cmd, off.Initiator())
	require.False(t, off.Message().IsAccessoryOn())
	require.Equal(t, 5, off.Message().AccessoryNumber())
	require.Equal(t, xnet.PriorityHigh, off.Message().Priority())
	require.Equal(t, env.offDelay, off.Message().Delay())

	// feedback disagreeing with the command before the OFF completes
	fb := mustReply(t, 0x42, 0x01, 0x22)
	fb.SetUnsolicited()
	require.True(t, h.FilterMessage(fb))
	require.True(t, fb.FeedbackItem(5).IsConsumed())

	require.False(t, h.Finished(out, off))
	require.Len(t, *followUps, 2)

	resync := (*followUps)[1]
	require.True(t, resync.Message().IsAccessoryInfoRequest())
	require.Equal(t, cmd.Group(), resync.Group())
	require.Equal(t, uint64(1), env.metrics.ResyncCount.Load())

	require.True(t, h.Finished(out, resync))
	require.Len(t, *followUps, 2)
	require.Equal(t, uint64(1), env.metrics.OffPulseCount.Load())
}

func TestAccessoryHandler_NoResyncWhenFeedbackAgrees(t *testing.T) {
	env, followUps := newTestEnv()
	msg := mustAccessoryOp(t, 5, xnet.StateClosed, true)
	h := newAccessoryHandler(env, msg)
	cmd := newCommandState(msg, groupKeyFor(msg), h)

	var out ReplyOutcome
	out.SetComplete()
	require.False(t, h.Finished(out, cmd))

	fb := mustReply(t, 0x42, 0x01, 0x21)
	fb.SetUnsolicited()
	require.True(t, h.FilterMessage(fb))

	require.True(t, h.Finished(out, (*followUps)[0]))
	require.Len(t, *followUps, 1)
}

func TestAccessoryHandler_RecordsExpectedState(t *testing.T) {
	env, _ := newTestEnv()
	newAccessoryHandler(env, mustAccessoryOp(t, 9, xnet.StateThrown, true))
	require.Equal(t, xnet.StateThrown, env.store.ExpectedAccessoryState(9))

	// a bare OFF command does not change the expectation
	newAccessoryHandler(env, mustAccessoryOp(t, 9, xnet.StateClosed, false))
	require.Equal(t, xnet.StateThrown, env.store.ExpectedAccessoryState(9))
}
