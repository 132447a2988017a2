package engine

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/arloliu/go-xnet/logger"
	"github.com/arloliu/go-xnet/xnet"
	"github.com/stretchr/testify/require"
)

// frame builds a wire frame with its checksum.
func frame(header byte, data ...byte) []byte {
	b := append([]byte{header}, data...)
	return append(b, xnet.Checksum(b))
}

var (
	ackFrame          = frame(0x01, 0x04)
	serviceEntryFrame = frame(0x61, 0x02)
)

// fakePort is a Port scripted per written message. Every write of a message
// whose String() has a script enqueues the frames of the matching attempt;
// the last attempt repeats.
type fakePort struct {
	mu      sync.Mutex
	written []*xnet.Message
	counts  map[string]int
	script  map[string][][][]byte

	incoming  chan []byte
	readErr   chan error
	closed    chan struct{}
	closeOnce sync.Once
	writeErr  error
}

func newFakePort() *fakePort {
	return &fakePort{
		counts:   make(map[string]int),
		script:   make(map[string][][][]byte),
		incoming: make(chan []byte, 256),
		readErr:  make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

// on scripts the replies to msg, one frame list per attempt.
func (p *fakePort) on(msg *xnet.Message, attempts ...[][]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.script[msg.String()] = attempts
}

func (p *fakePort) inject(frames ...[]byte) {
	for _, f := range frames {
		p.incoming <- f
	}
}

func (p *fakePort) fail(err error) {
	p.readErr <- err
}

func (p *fakePort) ReadReply(reply *xnet.Reply, begin func(*xnet.Reply) error) error {
	select {
	case f := <-p.incoming:
		if err := begin(reply); err != nil {
			return err
		}
		return reply.Decode(f)
	case err := <-p.readErr:
		return err
	case <-p.closed:
		return io.ErrClosedPipe
	}
}

func (p *fakePort) WriteMessage(msg *xnet.Message) error {
	p.mu.Lock()
	if p.writeErr != nil {
		p.mu.Unlock()
		return p.writeErr
	}

	p.written = append(p.written, msg)
	key := msg.String()
	attempt := p.counts[key]
	p.counts[key]++

	var frames [][]byte
	if attempts, ok := p.script[key]; ok && len(attempts) > 0 {
		frames = attempts[min(attempt, len(attempts)-1)]
	}
	p.mu.Unlock()

	p.inject(frames...)

	return nil
}

func (p *fakePort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) Written() []*xnet.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*xnet.Message, len(p.written))
	copy(out, p.written)

	return out
}

func (p *fakePort) writtenStrings() []string {
	var out []string
	for _, m := range p.Written() {
		out = append(out, m.String())
	}

	return out
}

// testOptions are short timings suitable for tests.
func testOptions(opts ...Option) []Option {
	defaults := []Option{
		WithReplyTimeout(200 * time.Millisecond),
		WithAccessoryOffDelay(10 * time.Millisecond),
		WithExtraReplyWait(30 * time.Millisecond),
		WithRetryBackoff(5 * time.Millisecond),
	}

	return append(defaults, opts...)
}

// newTestController creates and starts a controller over port. It is closed
// when the test ends.
func newTestController(t *testing.T, port Port, opts ...Option) *TrafficController {
	t.Helper()

	tc, err := NewTrafficController(port, testOptions(opts...)...)
	require.NoError(t, err)
	require.NoError(t, tc.Start(context.Background()))
	t.Cleanup(func() { _ = tc.Close() })

	return tc
}

func waitCommand(t *testing.T, cmd *CommandState) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := cmd.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "command %s did not finish", cmd.Message())

	return err
}

func mustAccessoryOp(t *testing.T, number int, state xnet.AccessoryState, on bool) *xnet.Message {
	t.Helper()

	m, err := xnet.NewAccessoryOperation(number, state, on)
	require.NoError(t, err)

	return m
}

func mustInfoRequest(t *testing.T, number int) *xnet.Message {
	t.Helper()

	m, err := xnet.NewAccessoryInfoRequest(number)
	require.NoError(t, err)

	return m
}

func mustReply(t *testing.T, header byte, data ...byte) *xnet.Reply {
	t.Helper()

	r, err := xnet.NewReply(header, data...)
	require.NoError(t, err)

	return r
}

// newTestEnv returns a handler environment whose follow-ups are recorded.
func newTestEnv() (*handlerEnv, *[]*CommandState) {
	var followUps []*CommandState
	env := &handlerEnv{
		store:    NewAccessoryCache(),
		offDelay: 10 * time.Millisecond,
		logger:   logger.NewPermissiveMockLogger(),
		metrics:  &Metrics{},
	}
	env.followUp = func(parent *CommandState, msg *xnet.Message) {
		cmd := newCommandState(msg, parent.group, parent.handler)
		cmd.parent = parent
		cmd.initiator = parent.Initiator()
		followUps = append(followUps, cmd)
	}

	return env, &followUps
}
