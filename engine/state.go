package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-xnet/logger"
	"github.com/arloliu/go-xnet/xnet"
)

// Mode is the command station's operating mode as seen by the engine.
type Mode uint8

const (
	ModeNormal Mode = iota
	ModeProgramming
)

func (m Mode) String() string {
	if m == ModeProgramming {
		return "programming"
	}

	return "normal"
}

// State is the transmit-side state.
type State uint8

const (
	StateIdle State = iota
	StateWaitCommandReply
	StateWaitProgModeReply
	StateWaitNormalModeReply
	StateAutoRetry
	StateReadyToSend
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitCommandReply:
		return "wait-command-reply"
	case StateWaitProgModeReply:
		return "wait-progmode-reply"
	case StateWaitNormalModeReply:
		return "wait-normalmode-reply"
	case StateAutoRetry:
		return "auto-retry"
	case StateReadyToSend:
		return "ready-to-send"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// isWaiting reports whether s expects a reply.
func (s State) isWaiting() bool {
	return s == StateWaitCommandReply || s == StateWaitProgModeReply || s == StateWaitNormalModeReply
}

// StateMemento is a snapshot of the transmit-side state machine.
type StateMemento struct {
	Mode            Mode
	State           State
	RetransmitCount int
	// OrigState is the state captured when the conversation began.
	OrigState State
	// Dispatching is set from send until the conversation's transition is committed.
	Dispatching bool
}

// transition is the pending result of a conversation, committed once.
type transition uint8

const (
	transitionNone transition = iota
	transitionReplied
	transitionRetransmit
	transitionTimedOut
)

func (t transition) String() string {
	switch t {
	case transitionReplied:
		return "replied"
	case transitionRetransmit:
		return "retransmit"
	case transitionTimedOut:
		return "timed-out"
	default:
		return "none"
	}
}

// responseHandler owns the StateMemento. Only the process loop mutates it;
// the lock makes snapshots safe for other goroutines.
type responseHandler struct {
	mu      sync.Mutex
	memento StateMemento
	warmup  time.Duration // pending programming warm-up

	progModeWarmup time.Duration
	logger         logger.Logger
}

func newResponseHandler(progModeWarmup time.Duration, l logger.Logger) *responseHandler {
	return &responseHandler{
		memento:        StateMemento{Mode: ModeNormal, State: StateIdle},
		progModeWarmup: progModeWarmup,
		logger:         l,
	}
}

// Snapshot returns a copy of the memento.
func (rh *responseHandler) Snapshot() StateMemento {
	rh.mu.Lock()
	defer rh.mu.Unlock()

	return rh.memento
}

// beginSend enters the wait state for msg. The first attempt of a
// conversation captures OrigState; retries keep it.
func (rh *responseHandler) beginSend(msg *xnet.Message, retry bool) {
	rh.mu.Lock()
	defer rh.mu.Unlock()

	wait := StateWaitCommandReply
	switch {
	case msg.IsServiceModeCommand():
		wait = StateWaitProgModeReply
	case msg.IsResumeOperations() && rh.memento.Mode == ModeProgramming:
		wait = StateWaitNormalModeReply
	}

	if !retry {
		rh.memento.RetransmitCount = 0
		rh.memento.OrigState = wait
	}
	rh.memento.State = wait
	rh.memento.Dispatching = true
}

// commit applies t. When t is not valid in the current state it is retried
// from OrigState; if that fails too the state is left unchanged. Dispatching
// is cleared in every case.
func (rh *responseHandler) commit(t transition) StateMemento {
	rh.mu.Lock()
	defer rh.mu.Unlock()

	if err := rh.apply(t, rh.memento.State); err != nil {
		rh.logger.Debug("engine: transition retried from original state",
			"transition", t, "state", rh.memento.State, "orig_state", rh.memento.OrigState)

		if err := rh.apply(t, rh.memento.OrigState); err != nil {
			rh.logger.Error("engine: state transition failed", "transition", t, "error", err)
		}
	}

	rh.memento.Dispatching = false

	return rh.memento
}

func (rh *responseHandler) apply(t transition, from State) error {
	m := &rh.memento

	switch t {
	case transitionReplied:
		switch from {
		case StateWaitCommandReply:
			m.State = StateIdle
		case StateWaitProgModeReply:
			if m.Mode != ModeProgramming {
				m.Mode = ModeProgramming
				rh.warmup = rh.progModeWarmup
			}
			m.State = StateReadyToSend
		case StateWaitNormalModeReply:
			m.Mode = ModeNormal
			m.State = StateReadyToSend
		default:
			return fmt.Errorf("engine: %s not valid in %s", t, from)
		}
		m.RetransmitCount = 0

	case transitionRetransmit:
		if !from.isWaiting() {
			return fmt.Errorf("engine: %s not valid in %s", t, from)
		}
		m.State = StateAutoRetry
		m.RetransmitCount++

	case transitionTimedOut:
		if !from.isWaiting() {
			return fmt.Errorf("engine: %s not valid in %s", t, from)
		}
		m.State = StateIdle

	default:
		return fmt.Errorf("engine: unknown transition %d", t)
	}

	return nil
}

// abandon returns to Idle after a conversation ended without a reply.
func (rh *responseHandler) abandon() {
	rh.mu.Lock()
	defer rh.mu.Unlock()

	rh.memento.State = StateIdle
	rh.memento.RetransmitCount = 0
	rh.memento.Dispatching = false
}

// takeWarmup returns the pending programming warm-up once.
func (rh *responseHandler) takeWarmup() time.Duration {
	rh.mu.Lock()
	defer rh.mu.Unlock()

	d := rh.warmup
	rh.warmup = 0

	return d
}
