package engine

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arloliu/go-xnet/logger"
	"github.com/arloliu/go-xnet/xnet"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	level, err := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logger.InfoLevel
	}
	logger.SetLevel(level)

	os.Exit(m.Run())
}

func TestTrafficController_SetTurnout(t *testing.T) {
	require := require.New(t)

	p := newFakePort()
	query := mustInfoRequest(t, 21)
	on := mustAccessoryOp(t, 21, xnet.StateThrown, true)
	off := mustAccessoryOp(t, 21, xnet.StateThrown, false)
	p.on(query, [][]byte{frame(0x42, 0x05, 0x21)})
	p.on(on, [][]byte{ackFrame, frame(0x42, 0x05, 0x22)})
	p.on(off, [][]byte{ackFrame})

	tc := newTestController(t, p)

	state, err := tc.QueryAccessory(context.Background(), 21)
	require.NoError(err)
	require.Equal(xnet.StateClosed, state)

	cmd, err := tc.SetAccessory(21, xnet.StateThrown)
	require.NoError(err)
	require.NoError(waitCommand(t, cmd))

	require.Equal([]string{query.String(), on.String(), off.String()}, p.writtenStrings())
	require.Equal(xnet.StateThrown, tc.Accessories().AccessoryState(21))
	require.Equal(xnet.StateThrown, tc.Accessories().ExpectedAccessoryState(21))
	require.Equal(1, cmd.OkCount())
	require.Equal(1, cmd.FeedbackCount())

	m := tc.Metrics()
	require.Equal(uint64(3), m.MessageSendCount.Load())
	require.Equal(uint64(1), m.OffPulseCount.Load())
	require.Zero(m.ResyncCount.Load())
	require.Zero(m.CorrelationMismatchCount.Load())
	require.Zero(m.CommandInflightCount.Load())
	require.Equal(StateIdle, tc.State().State)
}

func TestTrafficController_ConcurrentActionTriggersResync(t *testing.T) {
	require := require.New(t)

	p := newFakePort()
	on := mustAccessoryOp(t, 5, xnet.StateClosed, true)
	off := mustAccessoryOp(t, 5, xnet.StateClosed, false)
	query := mustInfoRequest(t, 5)
	// the layout reports thrown before the command station acknowledges
	p.on(on, [][]byte{frame(0x42, 0x01, 0x22), ackFrame})
	p.on(off, [][]byte{ackFrame})
	p.on(query, [][]byte{frame(0x42, 0x01, 0x21)})

	tc := newTestController(t, p)

	cmd, err := tc.SetAccessory(5, xnet.StateClosed)
	require.NoError(err)
	require.NoError(waitCommand(t, cmd))

	require.Equal([]string{on.String(), off.String(), query.String()}, p.writtenStrings())
	require.Equal(uint64(1), tc.Metrics().ConcurrentActionCount.Load())
	require.Equal(uint64(1), tc.Metrics().ResyncCount.Load())
	require.Equal(xnet.StateClosed, tc.Accessories().AccessoryState(5))
}

func TestTrafficController_ConcurrentActionAfterAck(t *testing.T) {
	require := require.New(t)

	p := newFakePort()
	on := mustAccessoryOp(t, 5, xnet.StateClosed, true)
	off := mustAccessoryOp(t, 5, xnet.StateClosed, false)
	query := mustInfoRequest(t, 5)
	// acknowledged, then a broadcast within the extra reply window reports 5 thrown
	p.on(on, [][]byte{ackFrame, frame(0x44, 0x01, 0x22, 0x10, 0x21)})
	p.on(off, [][]byte{ackFrame})
	p.on(query, [][]byte{frame(0x42, 0x01, 0x21)})

	tc := newTestController(t, p)

	cmd, err := tc.SetAccessory(5, xnet.StateClosed)
	require.NoError(err)
	require.NoError(waitCommand(t, cmd))

	require.Equal([]string{on.String(), off.String(), query.String()}, p.writtenStrings())
	require.Equal(uint64(1), tc.Metrics().ConcurrentActionCount.Load())
	require.Equal(uint64(1), tc.Metrics().ResyncCount.Load())
	require.Equal(xnet.StateClosed, tc.Accessories().AccessoryState(5))
	require.Equal(xnet.StateClosed, tc.Accessories().AccessoryState(65))
}

func TestTrafficController_RetransmitBeforeAckSendsOneOff(t *testing.T) {
	require := require.New(t)

	p := newFakePort()
	on := mustAccessoryOp(t, 21, xnet.StateThrown, true)
	off := mustAccessoryOp(t, 21, xnet.StateThrown, false)
	p.on(on,
		[][]byte{frame(0x01, 0x01)},
		[][]byte{frame(0x61, 0x81)},
		[][]byte{ackFrame, frame(0x42, 0x05, 0x22)},
	)
	p.on(off, [][]byte{ackFrame})

	tc := newTestController(t, p)

	cmd, err := tc.SetAccessory(21, xnet.StateThrown)
	require.NoError(err)
	require.NoError(waitCommand(t, cmd))

	require.Equal([]string{on.String(), on.String(), on.String(), off.String()}, p.writtenStrings())
	require.Equal(uint64(2), tc.Metrics().RetransmitCount.Load())
	require.Equal(uint64(1), tc.Metrics().OffPulseCount.Load())
	require.Zero(tc.Metrics().ConcurrentActionCount.Load())
	require.Equal(xnet.StateThrown, tc.Accessories().AccessoryState(21))
}

func TestTrafficController_TimeoutThenRetrySendsOneOff(t *testing.T) {
	require := require.New(t)

	p := newFakePort()
	on := mustAccessoryOp(t, 21, xnet.StateThrown, true)
	off := mustAccessoryOp(t, 21, xnet.StateThrown, false)
	p.on(on, nil, [][]byte{ackFrame, frame(0x42, 0x05, 0x22)})
	p.on(off, [][]byte{ackFrame})

	tc := newTestController(t, p)

	var timeouts atomic.Int32
	remove := tc.AddListener(ListenerFuncs{Timeout: func(*xnet.Message) { timeouts.Add(1) }})
	defer remove()

	cmd, err := tc.SetAccessory(21, xnet.StateThrown)
	require.NoError(err)
	require.NoError(waitCommand(t, cmd))

	require.Equal([]string{on.String(), on.String(), off.String()}, p.writtenStrings())
	require.Equal(2, cmd.Attempts())
	require.Equal(int32(1), timeouts.Load())
	require.Equal(uint64(1), tc.Metrics().TimeoutCount.Load())
	require.Equal(uint64(1), tc.Metrics().OffPulseCount.Load())
}

func TestTrafficController_TimeoutExhausted(t *testing.T) {
	require := require.New(t)

	p := newFakePort()
	on := mustAccessoryOp(t, 21, xnet.StateThrown, true)
	off := mustAccessoryOp(t, 21, xnet.StateThrown, false)
	p.on(off, [][]byte{ackFrame})

	tc := newTestController(t, p)

	cmd, err := tc.SetAccessory(21, xnet.StateThrown)
	require.NoError(err)
	require.ErrorIs(waitCommand(t, cmd), ErrReplyTimeout)

	// the output is switched off even though the ON went unanswered
	require.Equal([]string{on.String(), on.String(), off.String()}, p.writtenStrings())
	require.Equal(uint64(1), tc.Metrics().OffPulseCount.Load())
	require.Equal(uint64(2), tc.Metrics().TimeoutCount.Load())
	require.Equal(uint64(1), tc.Metrics().CommandFailCount.Load())
}

func TestTrafficController_DuplicateCommandsRunInTurn(t *testing.T) {
	require := require.New(t)

	p := newFakePort()
	on := mustAccessoryOp(t, 21, xnet.StateThrown, true)
	off := mustAccessoryOp(t, 21, xnet.StateThrown, false)
	p.on(on, [][]byte{ackFrame, frame(0x42, 0x05, 0x22)})
	p.on(off, [][]byte{ackFrame})

	tc := newTestController(t, p)

	first, err := tc.SetAccessory(21, xnet.StateThrown)
	require.NoError(err)
	second, err := tc.SetAccessory(21, xnet.StateThrown)
	require.NoError(err)

	require.NoError(waitCommand(t, first))
	require.NoError(waitCommand(t, second))

	require.Equal([]string{on.String(), off.String(), on.String(), off.String()}, p.writtenStrings())
	require.Equal(xnet.StateThrown, tc.Accessories().AccessoryState(21))
}

func TestTrafficController_Retransmit(t *testing.T) {
	require := require.New(t)

	p := newFakePort()
	status := xnet.NewCSStatusRequest()
	p.on(status, [][]byte{frame(0x61, 0x80)}, [][]byte{frame(0x62, 0x22, 0x00)})

	tc := newTestController(t, p)

	cmd, err := tc.Send(status)
	require.NoError(err)
	require.NoError(waitCommand(t, cmd))

	require.Len(p.Written(), 2)
	require.Equal(uint64(1), tc.Metrics().RetransmitCount.Load())
	require.Equal(StateIdle, tc.State().State)
	require.Zero(tc.State().RetransmitCount)
}

func TestTrafficController_RetransmitExhausted(t *testing.T) {
	require := require.New(t)

	p := newFakePort()
	status := xnet.NewCSStatusRequest()
	p.on(status, [][]byte{frame(0x61, 0x81)})

	tc := newTestController(t, p, WithRetransmitLimit(1))

	cmd, err := tc.Send(status)
	require.NoError(err)
	require.ErrorIs(waitCommand(t, cmd), ErrRetransmitExhausted)

	require.Len(p.Written(), 2)
	require.Equal(StateIdle, tc.State().State)
	require.False(tc.State().Dispatching)
}

func TestTrafficController_ProgrammingModeWaitsForEntryBroadcast(t *testing.T) {
	require := require.New(t)

	p := newFakePort()
	read, err := xnet.NewDirectModeRead(1)
	require.NoError(err)
	p.on(read, [][]byte{ackFrame})

	tc := newTestController(t, p, WithReplyTimeout(time.Second))

	cmd, err := tc.Send(read)
	require.NoError(err)

	require.Eventually(func() bool { return len(p.Written()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	m := tc.State()
	require.Equal(StateWaitProgModeReply, m.State)
	require.True(m.Dispatching)
	select {
	case <-cmd.Done():
		t.Fatal("completed on the acknowledgement alone")
	default:
	}

	p.inject(serviceEntryFrame)
	require.NoError(waitCommand(t, cmd))
	require.Equal(ModeProgramming, tc.Mode())
	require.Equal(StateReadyToSend, tc.State().State)
	require.False(tc.State().Dispatching)
}

func TestTrafficController_ResumeLeavesProgrammingMode(t *testing.T) {
	require := require.New(t)

	p := newFakePort()
	read, err := xnet.NewDirectModeRead(8)
	require.NoError(err)
	resume := xnet.NewResumeOperations()
	p.on(read, [][]byte{serviceEntryFrame, ackFrame})
	p.on(resume, [][]byte{frame(0x61, 0x01)})

	tc := newTestController(t, p, WithProgModeWarmup(20*time.Millisecond))

	cmd, err := tc.Send(read)
	require.NoError(err)
	require.NoError(waitCommand(t, cmd))
	require.Equal(ModeProgramming, tc.Mode())

	cmd, err = tc.Send(resume)
	require.NoError(err)
	require.NoError(waitCommand(t, cmd))
	require.Equal(ModeNormal, tc.Mode())
}

func TestTrafficController_UnexpectedReplyBeforeAnswer(t *testing.T) {
	require := require.New(t)

	p := newFakePort()
	version := xnet.NewCSVersionRequest()
	p.on(version, [][]byte{ackFrame, frame(0x63, 0x21, 0x36, 0x00)})

	tc := newTestController(t, p)

	cmd, err := tc.Send(version)
	require.NoError(err)
	require.NoError(waitCommand(t, cmd))

	require.Equal(uint64(1), tc.Metrics().UnexpectedReplyCount.Load())
	require.Zero(tc.Metrics().CorrelationMismatchCount.Load())
	require.Equal(StateIdle, tc.State().State)
}

func TestTrafficController_IdleFeedbackUpdatesCache(t *testing.T) {
	require := require.New(t)

	p := newFakePort()
	tc := newTestController(t, p)

	var mu sync.Mutex
	var got []*xnet.Reply
	tc.AddListener(ListenerFuncs{Reply: func(r *xnet.Reply) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, r)
	}})

	p.inject(frame(0x42, 0x05, 0x22))

	require.Eventually(func() bool {
		return tc.Accessories().AccessoryState(21) == xnet.StateThrown
	}, time.Second, 5*time.Millisecond)
	require.Equal(xnet.StateThrown, tc.Accessories().ExpectedAccessoryState(21))

	require.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(uint64(1), tc.Metrics().UnsolicitedReplyCount.Load())
	require.Empty(p.Written())
}

func TestTrafficController_CloseFailsPending(t *testing.T) {
	require := require.New(t)

	p := newFakePort()
	tc, err := NewTrafficController(p, testOptions()...)
	require.NoError(err)

	a, err := tc.Send(xnet.NewCSStatusRequest())
	require.NoError(err)
	b, err := tc.SetAccessory(21, xnet.StateThrown)
	require.NoError(err)

	require.NoError(tc.Close())
	require.NoError(tc.Close())

	require.ErrorIs(waitCommand(t, a), ErrControllerClosed)
	require.ErrorIs(waitCommand(t, b), ErrControllerClosed)

	_, err = tc.Send(xnet.NewCSStatusRequest())
	require.ErrorIs(err, ErrControllerClosed)
	require.ErrorIs(tc.Start(context.Background()), ErrControllerClosed)
}

func TestTrafficController_CloseWhileWaiting(t *testing.T) {
	require := require.New(t)

	p := newFakePort()
	tc, err := NewTrafficController(p, testOptions(WithReplyTimeout(10*time.Second))...)
	require.NoError(err)
	require.NoError(tc.Start(context.Background()))
	require.ErrorIs(tc.Start(context.Background()), ErrAlreadyStarted)

	cmd, err := tc.Send(xnet.NewCSStatusRequest())
	require.NoError(err)
	require.Eventually(func() bool { return len(p.Written()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(tc.Close())
	require.Error(waitCommand(t, cmd))
	require.Equal(0, tc.tasks.TaskCount())
}

func TestTrafficController_WriteFailure(t *testing.T) {
	require := require.New(t)

	p := newFakePort()
	p.writeErr = os.ErrClosed
	tc := newTestController(t, p)

	cmd, err := tc.Send(xnet.NewCSStatusRequest())
	require.NoError(err)
	require.ErrorIs(waitCommand(t, cmd), os.ErrClosed)
	require.Equal(StateIdle, tc.State().State)
}

func TestNewTrafficController_Options(t *testing.T) {
	p := newFakePort()

	tests := []struct {
		name string
		opt  Option
	}{
		{"reply timeout too short", WithReplyTimeout(time.Millisecond)},
		{"reply timeout too long", WithReplyTimeout(time.Hour)},
		{"negative timeout retries", WithTimeoutRetries(-1)},
		{"negative retransmit limit", WithRetransmitLimit(-1)},
		{"retransmit limit too high", WithRetransmitLimit(MaxRetransmitLimit + 1)},
		{"negative backoff", WithRetryBackoff(-time.Millisecond)},
		{"off delay too long", WithAccessoryOffDelay(time.Minute)},
		{"extra wait too long", WithExtraReplyWait(time.Minute)},
		{"warm-up too long", WithProgModeWarmup(time.Hour)},
		{"empty queue", WithReplyQueueSize(0)},
		{"nil store", WithAccessoryStore(nil)},
		{"nil logger", WithLogger(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTrafficController(p, tt.opt)
			require.Error(t, err)
		})
	}

	_, err := NewTrafficController(nil)
	require.Error(t, err)

	store := NewAccessoryCache()
	tc, err := NewTrafficController(p, WithAccessoryStore(store), WithReplyQueueSize(8))
	require.NoError(t, err)
	require.Same(t, store, tc.Accessories())
	require.Equal(t, ModeNormal, tc.Mode())
}
