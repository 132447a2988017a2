package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-xnet/internal/pool"
	"github.com/arloliu/go-xnet/internal/task"
	"github.com/arloliu/go-xnet/logger"
	"github.com/arloliu/go-xnet/xnet"
)

// TrafficController runs the XPressNet link over a Port: a receive loop
// reading packets and a process loop sending queued commands and resolving
// their conversations one at a time.
//
// Example:
//
//	tc, err := engine.NewTrafficController(port, engine.WithReplyTimeout(time.Second))
//	if err != nil {
//	    return err
//	}
//	if err := tc.Start(ctx); err != nil {
//	    return err
//	}
//	defer tc.Close()
//
//	cmd, err := tc.SetAccessory(21, xnet.StateThrown)
//	if err != nil {
//	    return err
//	}
//	err = cmd.Wait(ctx) // returns after the OFF pulse
type TrafficController struct {
	cfg     *config
	port    Port
	logger  logger.Logger
	metrics *Metrics

	receiver   *StreamReceiver
	state      *responseHandler
	service    *CommandService
	passive    *FeedbackBroadcastHandler
	listeners  *listenerSet
	dispatcher *dispatcher

	tasks     *task.Manager
	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewTrafficController creates a controller for port. It does not start any
// goroutine; call Start.
func NewTrafficController(port Port, opts ...Option) (*TrafficController, error) {
	if port == nil {
		return nil, errors.New("engine: nil port")
	}

	cfg, err := newConfig(opts...)
	if err != nil {
		return nil, err
	}

	c := &TrafficController{
		cfg:     cfg,
		port:    port,
		logger:  cfg.logger,
		metrics: &Metrics{},
	}

	c.receiver = NewStreamReceiver(port, cfg.replyQueueSize, c.logger, c.metrics)
	c.state = newResponseHandler(cfg.progModeWarmup, c.logger)
	c.passive = NewFeedbackBroadcastHandler(cfg.store, c.logger)
	c.listeners = &listenerSet{logger: c.logger}

	env := &handlerEnv{
		store:    cfg.store,
		offDelay: cfg.offDelay,
		logger:   c.logger,
		metrics:  c.metrics,
	}
	c.service = newCommandService(env, c.logger, c.metrics)

	c.dispatcher = &dispatcher{
		cfg:       cfg,
		port:      port,
		receiver:  c.receiver,
		state:     c.state,
		service:   c.service,
		passive:   c.passive,
		listeners: c.listeners,
		metrics:   c.metrics,
		logger:    c.logger,
	}

	return c, nil
}

// Start launches the receive and process loops. They stop when ctx is done
// or Close is called.
func (c *TrafficController) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrControllerClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	c.tasks = task.NewManager(ctx, c.logger)

	if err := c.tasks.Start("receiveLoop", c.receiver.receiveOne, nil); err != nil {
		return err
	}
	if err := c.tasks.Start("processLoop", c.processOne, c.processExited); err != nil {
		c.tasks.Stop()
		return err
	}

	c.logger.Info("engine: traffic controller started")

	return nil
}

// Close stops both loops, closes the port and fails every command that was
// not sent. It is safe to call more than once.
func (c *TrafficController) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.service.close(ErrControllerClosed)
		c.receiver.Stop()
		c.closeErr = c.port.Close()

		if c.tasks != nil {
			c.tasks.Stop()
			c.tasks.Wait()
		}

		c.logger.Info("engine: traffic controller closed")
	})

	return c.closeErr
}

// Send queues msg and returns its command state.
func (c *TrafficController) Send(msg *xnet.Message) (*CommandState, error) {
	if c.closed.Load() {
		return nil, ErrControllerClosed
	}

	return c.service.Send(msg)
}

// SetAccessory commands accessory number to state. The returned command is
// done once the OFF pulse, and a resync query if one was needed, finished.
func (c *TrafficController) SetAccessory(number int, state xnet.AccessoryState) (*CommandState, error) {
	msg, err := xnet.NewAccessoryOperation(number, state, true)
	if err != nil {
		return nil, err
	}

	return c.Send(msg)
}

// RequestAccessoryStatus queues a status query for the nibble holding number.
func (c *TrafficController) RequestAccessoryStatus(number int) (*CommandState, error) {
	msg, err := xnet.NewAccessoryInfoRequest(number)
	if err != nil {
		return nil, err
	}

	return c.Send(msg)
}

// QueryAccessory asks the layout for accessory number and returns the state
// it reported.
func (c *TrafficController) QueryAccessory(ctx context.Context, number int) (xnet.AccessoryState, error) {
	cmd, err := c.RequestAccessoryStatus(number)
	if err != nil {
		return xnet.StateUnknown, err
	}
	if err := cmd.Wait(ctx); err != nil {
		return xnet.StateUnknown, err
	}

	return c.cfg.store.AccessoryState(number), nil
}

// AddListener registers l and returns a function removing it.
func (c *TrafficController) AddListener(l Listener) func() {
	return c.listeners.add(l)
}

// Accessories returns the accessory state store.
func (c *TrafficController) Accessories() AccessoryStateStore {
	return c.cfg.store
}

// Mode returns the command station mode.
func (c *TrafficController) Mode() Mode {
	return c.state.Snapshot().Mode
}

// State returns a snapshot of the transmit-side state machine.
func (c *TrafficController) State() StateMemento {
	return c.state.Snapshot()
}

// Metrics returns the controller's counters.
func (c *TrafficController) Metrics() *Metrics {
	return c.metrics
}

// processOne is one iteration of the process loop: send the next command and
// resolve its conversation, or hand idle traffic to the passive handlers.
func (c *TrafficController) processOne(ctx context.Context) bool {
	if d := c.state.takeWarmup(); d > 0 {
		c.logger.Debug("engine: programming mode warm-up", "delay", d)
		if err := pool.Sleep(ctx, d); err != nil {
			return false
		}
	}

	if !c.drainIdle() {
		return false
	}

	if cmd, ok := c.service.Next(); ok {
		return c.dispatcher.run(ctx, cmd) == nil
	}

	select {
	case <-c.service.Ready():
	case <-c.receiver.Available():
	case <-ctx.Done():
		return false
	}

	return true
}

// drainIdle dispatches replies that arrived while no conversation was open.
func (c *TrafficController) drainIdle() bool {
	for {
		reply, err := c.receiver.TryTake()
		if err != nil {
			if !errors.Is(err, ErrReceiverStopped) {
				c.logger.Error("engine: receiver failed", "error", err)
			}
			return false
		}
		if reply == nil {
			return true
		}

		c.dispatcher.dispatchUnsolicited(reply)
	}
}

func (c *TrafficController) processExited() {
	if !c.closed.Load() {
		c.logger.Warn("engine: process loop exited")
	}
	c.service.close(ErrReceiverStopped)
}
