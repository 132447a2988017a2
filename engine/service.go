package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-xnet/internal/queue"
	"github.com/arloliu/go-xnet/logger"
	"github.com/arloliu/go-xnet/xnet"
	"github.com/puzpuzpuz/xsync/v3"
)

// commandChain is an open command chain for a group key: the initiating
// command, the handler shared by its follow-ups and the new commands for the
// same group waiting for the chain to finish.
type commandChain struct {
	initiator *CommandState
	handler   CommandHandler
	deferred  []*CommandState
}

// CommandService is the outgoing command queue. It orders commands by
// priority, FIFO within a priority, holds delayed follow-ups until they are
// due and keeps commands of one accessory pair from overlapping.
type CommandService struct {
	env     *handlerEnv
	logger  logger.Logger
	metrics *Metrics

	mu     sync.Mutex // protects queue, timers, closed and chain deferral
	queue  *queue.PriorityQueue[*CommandState]
	timers map[*time.Timer]*CommandState
	closed bool

	chains *xsync.MapOf[GroupKey, *commandChain]
	ready  chan struct{}
}

func newCommandService(env *handlerEnv, l logger.Logger, metrics *Metrics) *CommandService {
	s := &CommandService{
		env:     env,
		logger:  l,
		metrics: metrics,
		queue:   queue.NewPriorityQueue[*CommandState](int(xnet.PriorityHigh) + 1),
		timers:  make(map[*time.Timer]*CommandState),
		chains:  xsync.NewMapOf[GroupKey, *commandChain](),
		ready:   make(chan struct{}, 1),
	}
	env.followUp = s.FollowUp

	return s
}

// Send accepts a new command. A command whose group has an open chain is held
// back until that chain finishes.
func (s *CommandService) Send(msg *xnet.Message) (*CommandState, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrControllerClosed
	}

	key := groupKeyFor(msg)
	if !key.IsZero() {
		if ch, ok := s.chains.Load(key); ok {
			cmd := newCommandState(msg, key, nil)
			ch.deferred = append(ch.deferred, cmd)
			s.logger.Debug("engine: command deferred until group chain finishes", "msg", msg, "group", key)

			return cmd, nil
		}
	}

	cmd := s.openChain(msg, key)
	s.scheduleLocked(cmd)

	return cmd, nil
}

// openChain creates the initiator of a new chain. The handler is created here,
// once per chain.
func (s *CommandService) openChain(msg *xnet.Message, key GroupKey) *CommandState {
	cmd := newCommandState(msg, key, newCommandHandler(s.env, msg))
	if !key.IsZero() {
		s.chains.Store(key, &commandChain{initiator: cmd, handler: cmd.handler})
	}

	return cmd
}

// FollowUp queues msg as part of parent's chain. Follow-ups share the parent's
// handler and group key and bypass group deferral.
func (s *CommandService) FollowUp(parent *CommandState, msg *xnet.Message) {
	cmd := newCommandState(msg, parent.group, parent.handler)
	cmd.parent = parent
	cmd.initiator = parent.Initiator()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		cmd.setErr(ErrControllerClosed)
		cmd.complete()

		return
	}

	s.logger.Debug("engine: follow-up queued", "msg", msg, "delay", msg.Delay(), "group", cmd.group)
	s.scheduleLocked(cmd)
}

func (s *CommandService) scheduleLocked(cmd *CommandState) {
	d := cmd.msg.Delay()
	if d <= 0 {
		s.enqueueLocked(cmd)
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if _, ok := s.timers[timer]; !ok {
			return
		}
		delete(s.timers, timer)
		s.enqueueLocked(cmd)
	})
	s.timers[timer] = cmd
}

func (s *CommandService) enqueueLocked(cmd *CommandState) {
	s.queue.Enqueue(int(cmd.msg.Priority()), cmd)

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Next returns the next command to send without blocking.
func (s *CommandService) Next() (*CommandState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queue.Dequeue()
}

// Ready is signalled when a command is queued.
func (s *CommandService) Ready() <-chan struct{} {
	return s.ready
}

// Len returns the number of queued commands, delayed and deferred ones excluded.
func (s *CommandService) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queue.Length()
}

// complete ends cmd's conversation. When chainDone is set the chain ends too:
// cmd and its ancestors complete and the next deferred command of the group
// starts a new chain.
func (s *CommandService) complete(cmd *CommandState, chainDone bool) {
	if !chainDone {
		return
	}

	cmd.complete()

	if cmd.group.IsZero() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.chains.Load(cmd.group)
	if !ok || ch.initiator != cmd.Initiator() {
		return
	}
	s.chains.Delete(cmd.group)

	if s.closed || len(ch.deferred) == 0 {
		return
	}

	next := ch.deferred[0]
	next.handler = newCommandHandler(s.env, next.msg)
	s.chains.Store(next.group, &commandChain{initiator: next, handler: next.handler, deferred: ch.deferred[1:]})
	s.scheduleLocked(next)
}

// filterUnsolicited offers reply to the handlers of open chains and reports
// whether any consumed part of it.
func (s *CommandService) filterUnsolicited(reply *xnet.Reply) bool {
	consumed := false
	s.chains.Range(func(_ GroupKey, ch *commandChain) bool {
		if ch.handler.FilterMessage(reply) {
			consumed = true
		}
		return true
	})

	return consumed
}

// close fails every queued, delayed and deferred command with err.
func (s *CommandService) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	var pending []*CommandState
	for timer, cmd := range s.timers {
		timer.Stop()
		pending = append(pending, cmd)
	}
	clear(s.timers)

	for cmd, ok := s.queue.Dequeue(); ok; cmd, ok = s.queue.Dequeue() {
		pending = append(pending, cmd)
	}

	s.chains.Range(func(key GroupKey, ch *commandChain) bool {
		pending = append(pending, ch.deferred...)
		s.chains.Delete(key)
		return true
	})

	for _, cmd := range pending {
		cmd.setErr(fmt.Errorf("%w: %s not sent", err, cmd.msg))
		cmd.complete()
	}
}
