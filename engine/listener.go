package engine

import (
	"slices"
	"sync"

	"github.com/arloliu/go-xnet/logger"
	"github.com/arloliu/go-xnet/xnet"
)

// Listener receives every processed reply and every declared timeout. Calls
// are made from the controller's process loop and must not block.
type Listener interface {
	OnReply(reply *xnet.Reply)
	OnTimeout(msg *xnet.Message)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Reply   func(reply *xnet.Reply)
	Timeout func(msg *xnet.Message)
}

func (f ListenerFuncs) OnReply(reply *xnet.Reply) {
	if f.Reply != nil {
		f.Reply(reply)
	}
}

func (f ListenerFuncs) OnTimeout(msg *xnet.Message) {
	if f.Timeout != nil {
		f.Timeout(msg)
	}
}

type listenerSet struct {
	mu        sync.RWMutex
	listeners []Listener
	logger    logger.Logger
}

func (s *listenerSet) add(l Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	// wrap so removal finds this registration even if l is not comparable
	entry := &listenerEntry{Listener: l}
	s.listeners = append(s.listeners, entry)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		s.listeners = slices.DeleteFunc(s.listeners, func(x Listener) bool {
			return x == Listener(entry)
		})
	}
}

type listenerEntry struct {
	Listener
}

func (s *listenerSet) snapshot() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.listeners)
}

func (s *listenerSet) notifyReply(reply *xnet.Reply) {
	for _, l := range s.snapshot() {
		s.call(func() { l.OnReply(reply) })
	}
}

func (s *listenerSet) notifyTimeout(msg *xnet.Message) {
	for _, l := range s.snapshot() {
		s.call(func() { l.OnTimeout(msg) })
	}
}

func (s *listenerSet) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("engine: listener panic", "panic", r)
		}
	}()

	fn()
}
