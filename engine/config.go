package engine

import (
	"fmt"
	"time"

	"github.com/arloliu/go-xnet/logger"
)

// Default values of the controller options.
const (
	DefaultReplyTimeout    = 2 * time.Second
	DefaultTimeoutRetries  = 1
	DefaultRetransmitLimit = 5
	DefaultRetryBackoff    = 100 * time.Millisecond
	DefaultOffDelay        = 100 * time.Millisecond
	DefaultExtraReplyWait  = 100 * time.Millisecond
	DefaultProgModeWarmup  = 0
	DefaultReplyQueueSize  = 64
)

// Option range limits.
const (
	MinReplyTimeout = 10 * time.Millisecond
	MaxReplyTimeout = 60 * time.Second

	MaxTimeoutRetries  = 10
	MaxRetransmitLimit = 31

	MaxRetryBackoff   = 5 * time.Second
	MaxOffDelay       = 5 * time.Second
	MaxExtraReplyWait = 5 * time.Second
	MaxProgModeWarmup = 30 * time.Second

	MinReplyQueueSize = 1
	MaxReplyQueueSize = 4096
)

type config struct {
	replyTimeout    time.Duration
	timeoutRetries  int
	retransmitLimit int
	retryBackoff    time.Duration
	offDelay        time.Duration
	extraReplyWait  time.Duration
	progModeWarmup  time.Duration
	replyQueueSize  int

	store  AccessoryStateStore
	logger logger.Logger
}

func newConfig(opts ...Option) (*config, error) {
	cfg := &config{
		replyTimeout:    DefaultReplyTimeout,
		timeoutRetries:  DefaultTimeoutRetries,
		retransmitLimit: DefaultRetransmitLimit,
		retryBackoff:    DefaultRetryBackoff,
		offDelay:        DefaultOffDelay,
		extraReplyWait:  DefaultExtraReplyWait,
		progModeWarmup:  DefaultProgModeWarmup,
		replyQueueSize:  DefaultReplyQueueSize,
		logger:          logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.store == nil {
		cfg.store = NewAccessoryCache()
	}

	return cfg, nil
}

// Option configures a TrafficController.
type Option interface {
	apply(*config) error
}

type optFunc func(*config) error

func (f optFunc) apply(cfg *config) error {
	return f(cfg)
}

func durationInRange(name string, d, minVal, maxVal time.Duration) error {
	if d < minVal || d > maxVal {
		return fmt.Errorf("engine: %s %v out of range [%v, %v]", name, d, minVal, maxVal)
	}

	return nil
}

// WithReplyTimeout sets how long the engine waits for a reply before it
// declares a timeout. Messages built with WithTimeout override it.
func WithReplyTimeout(d time.Duration) Option {
	return optFunc(func(cfg *config) error {
		if err := durationInRange("reply timeout", d, MinReplyTimeout, MaxReplyTimeout); err != nil {
			return err
		}
		cfg.replyTimeout = d

		return nil
	})
}

// WithTimeoutRetries sets how many times a timed out message is sent again
// before its conversation fails with ErrReplyTimeout.
func WithTimeoutRetries(n int) Option {
	return optFunc(func(cfg *config) error {
		if n < 0 || n > MaxTimeoutRetries {
			return fmt.Errorf("engine: timeout retries %d out of range [0, %d]", n, MaxTimeoutRetries)
		}
		cfg.timeoutRetries = n

		return nil
	})
}

// WithRetransmitLimit sets how many retransmittable errors a conversation
// tolerates before it fails with ErrRetransmitExhausted.
func WithRetransmitLimit(n int) Option {
	return optFunc(func(cfg *config) error {
		if n < 0 || n > MaxRetransmitLimit {
			return fmt.Errorf("engine: retransmit limit %d out of range [0, %d]", n, MaxRetransmitLimit)
		}
		cfg.retransmitLimit = n

		return nil
	})
}

// WithRetryBackoff sets the base delay before a retransmission. The n-th
// retransmission waits n times this value.
func WithRetryBackoff(d time.Duration) Option {
	return optFunc(func(cfg *config) error {
		if err := durationInRange("retry backoff", d, 0, MaxRetryBackoff); err != nil {
			return err
		}
		cfg.retryBackoff = d

		return nil
	})
}

// WithAccessoryOffDelay sets how long an accessory output stays active before
// the OFF command is sent.
func WithAccessoryOffDelay(d time.Duration) Option {
	return optFunc(func(cfg *config) error {
		if err := durationInRange("accessory off delay", d, 0, MaxOffDelay); err != nil {
			return err
		}
		cfg.offDelay = d

		return nil
	})
}

// WithExtraReplyWait sets how long the engine waits for an optional second
// packet after a reply that completes a conversation only tentatively.
func WithExtraReplyWait(d time.Duration) Option {
	return optFunc(func(cfg *config) error {
		if err := durationInRange("extra reply wait", d, 0, MaxExtraReplyWait); err != nil {
			return err
		}
		cfg.extraReplyWait = d

		return nil
	})
}

// WithProgModeWarmup sets the delay applied once after the command station
// enters programming mode, before the next command is sent.
func WithProgModeWarmup(d time.Duration) Option {
	return optFunc(func(cfg *config) error {
		if err := durationInRange("programming warm-up", d, 0, MaxProgModeWarmup); err != nil {
			return err
		}
		cfg.progModeWarmup = d

		return nil
	})
}

// WithReplyQueueSize sets the capacity of the receiver's reply queue.
func WithReplyQueueSize(n int) Option {
	return optFunc(func(cfg *config) error {
		if n < MinReplyQueueSize || n > MaxReplyQueueSize {
			return fmt.Errorf("engine: reply queue size %d out of range [%d, %d]", n, MinReplyQueueSize, MaxReplyQueueSize)
		}
		cfg.replyQueueSize = n

		return nil
	})
}

// WithAccessoryStore replaces the built-in AccessoryCache.
func WithAccessoryStore(store AccessoryStateStore) Option {
	return optFunc(func(cfg *config) error {
		if store == nil {
			return fmt.Errorf("engine: nil accessory store")
		}
		cfg.store = store

		return nil
	})
}

// WithLogger sets the logger. The default is logger.GetLogger().
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *config) error {
		if l == nil {
			return fmt.Errorf("engine: nil logger")
		}
		cfg.logger = l

		return nil
	})
}
