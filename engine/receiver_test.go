package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arloliu/go-xnet/logger"
	"github.com/arloliu/go-xnet/xnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// startReceiver runs the receive loop of a new receiver until the test ends.
func startReceiver(t *testing.T, port *fakePort, size int) (*StreamReceiver, *logger.MockLogger) {
	t.Helper()

	l := logger.NewPermissiveMockLogger()
	r := NewStreamReceiver(port, size, l, &Metrics{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for r.receiveOne(context.Background()) {
		}
	}()

	t.Cleanup(func() {
		r.Stop()
		_ = port.Close()
		<-done
	})

	return r, l
}

func takeOne(t *testing.T, r *StreamReceiver) *xnet.Reply {
	t.Helper()

	reply, err := r.TakeWithTimeout(time.Second)
	require.NoError(t, err)
	require.NotNil(t, reply)

	return reply
}

func TestStreamReceiver_CorrelatesFirstPacketAfterMark(t *testing.T) {
	port := newFakePort()
	r, _ := startReceiver(t, port, 8)

	port.inject(frame(0x42, 0x05, 0x21))
	before := takeOne(t, r)
	require.True(t, before.IsUnsolicited())

	msg := xnet.NewCSStatusRequest()
	require.NoError(t, r.MarkTransmission(msg))
	port.inject(frame(0x62, 0x22, 0x00), frame(0x42, 0x05, 0x22))

	first := takeOne(t, r)
	require.Same(t, msg, first.ResponseTo())
	require.False(t, first.IsUnsolicited())

	second := takeOne(t, r)
	require.Nil(t, second.ResponseTo())
	require.True(t, second.IsUnsolicited())

	r.ResetExpectedReply(first)
	require.Zero(t, r.metrics.CorrelationMismatchCount.Load())
	require.NoError(t, r.MarkTransmission(msg))
}

func TestStreamReceiver_MarkWhilePending(t *testing.T) {
	r := NewStreamReceiver(newFakePort(), 4, logger.NewPermissiveMockLogger(), nil)

	require.NoError(t, r.MarkTransmission(xnet.NewCSStatusRequest()))
	err := r.MarkTransmission(xnet.NewCSVersionRequest())
	require.ErrorIs(t, err, ErrTransmissionPending)

	r.ResetExpectedReply(nil)
	require.NoError(t, r.MarkTransmission(xnet.NewCSVersionRequest()))
}

func TestStreamReceiver_IncomingPacketOutsideReceiveLoop(t *testing.T) {
	r := NewStreamReceiver(newFakePort(), 4, logger.NewPermissiveMockLogger(), nil)

	err := r.IncomingPacket(&xnet.Reply{})
	require.ErrorIs(t, err, ErrNotReceiveContext)
}

func TestStreamReceiver_TakeWithTimeout(t *testing.T) {
	port := newFakePort()
	r, _ := startReceiver(t, port, 4)

	start := time.Now()
	reply, err := r.TakeWithTimeout(50 * time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, reply)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	reply, err = r.TryTake()
	require.NoError(t, err)
	require.Nil(t, reply)
}

func TestStreamReceiver_StopWakesTake(t *testing.T) {
	port := newFakePort()
	r, _ := startReceiver(t, port, 4)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Take(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	r.Stop()
	r.Stop()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrReceiverStopped)
	case <-time.After(time.Second):
		t.Fatal("Take was not woken by Stop")
	}

	require.False(t, r.IsActive())
	_, err := r.TakeWithTimeout(time.Second)
	require.ErrorIs(t, err, ErrReceiverStopped)
}

func TestStreamReceiver_IOErrorSurfacesOnce(t *testing.T) {
	port := newFakePort()
	r, l := startReceiver(t, port, 4)

	port.inject(ackFrame)
	require.Eventually(t, func() bool {
		return r.metrics.ReplyRecvCount.Load() == 1
	}, time.Second, time.Millisecond)

	ioErr := errors.New("device unplugged")
	port.fail(ioErr)

	// replies read before the failure are delivered first
	reply := takeOne(t, r)
	require.True(t, reply.IsOkMessage())

	_, err := r.Take(context.Background())
	require.ErrorIs(t, err, ioErr)
	require.False(t, r.IsActive())

	_, err = r.Take(context.Background())
	require.ErrorIs(t, err, ErrReceiverStopped)

	l.AssertCalled(t, "Error", "engine: receive failed", mock.Anything)
}

func TestStreamReceiver_CorrelationMismatchClearsQueued(t *testing.T) {
	port := newFakePort()
	r, l := startReceiver(t, port, 4)

	msg := xnet.NewCSVersionRequest()
	require.NoError(t, r.MarkTransmission(msg))
	port.inject(frame(0x63, 0x21, 0x36, 0x00))

	require.Eventually(t, func() bool {
		return r.metrics.ReplyRecvCount.Load() == 1
	}, time.Second, time.Millisecond)

	// the conversation gave up without taking the reply
	r.ResetExpectedReply(nil)
	assert.Equal(t, uint64(1), r.metrics.CorrelationMismatchCount.Load())
	l.AssertCalled(t, "Warn", "engine: correlation mismatch on reset", mock.Anything)

	stale := takeOne(t, r)
	require.Nil(t, stale.ResponseTo())
	require.True(t, stale.IsUnsolicited())
}

func TestStreamReceiver_DropsBadFrames(t *testing.T) {
	port := newFakePort()
	r, _ := startReceiver(t, port, 4)

	msg := xnet.NewCSStatusRequest()
	require.NoError(t, r.MarkTransmission(msg))

	bad := frame(0x62, 0x22, 0x00)
	bad[len(bad)-1] ^= 0xFF
	port.inject(bad, frame(0x62, 0x22, 0x00))

	reply := takeOne(t, r)
	require.Same(t, msg, reply.ResponseTo(), "packet after a dropped one is the expected reply")
	require.Equal(t, uint64(1), r.metrics.FramingErrorCount.Load())
	require.True(t, r.IsActive())
}

func TestStreamReceiver_BoundedQueue(t *testing.T) {
	port := newFakePort()
	r, _ := startReceiver(t, port, 1)

	port.inject(frame(0x61, 0x00), frame(0x61, 0x01))

	require.Eventually(t, func() bool {
		return r.metrics.ReplyRecvCount.Load() == 1
	}, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, uint64(1), r.metrics.ReplyRecvCount.Load(), "second reply waits for a free slot")

	first := takeOne(t, r)
	require.Equal(t, 0x00, first.Element(1))

	second := takeOne(t, r)
	require.Equal(t, 0x01, second.Element(1))
	require.Equal(t, uint64(2), r.metrics.ReplyRecvCount.Load())
}
