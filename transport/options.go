package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/arloliu/go-xnet/logger"
)

// Framing selects how packets are delimited on the link.
type Framing uint8

const (
	// FramingRaw carries bare packets (LI100, LI101 and compatible serial interfaces).
	FramingRaw Framing = iota
	// FramingLI prefixes every packet with 0xFF 0xFE (LIUSB, LAN interfaces).
	FramingLI
)

func (f Framing) String() string {
	if f == FramingLI {
		return "li"
	}

	return "raw"
}

// ParseFraming converts a framing name to a Framing. "liusb" and "lan" are
// accepted as aliases of "li".
func ParseFraming(s string) (Framing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "raw", "serial":
		return FramingRaw, nil
	case "li", "liusb", "lan":
		return FramingLI, nil
	default:
		return FramingRaw, fmt.Errorf("transport: unknown framing %q", s)
	}
}

// Default values of the port options.
const (
	DefaultSerialBaud       = 19200
	DefaultDialTimeout      = 10 * time.Second
	DefaultReadBufferSize   = 256
	DefaultHandshakeTimeout = 10 * time.Second
)

type options struct {
	framing     Framing
	logger      logger.Logger
	name        string
	readBufSize int
	dialTimeout time.Duration
	header      http.Header
}

func newOptions(opts ...Option) (*options, error) {
	o := &options{
		framing:     FramingRaw,
		logger:      logger.GetLogger(),
		readBufSize: DefaultReadBufferSize,
		dialTimeout: DefaultDialTimeout,
		header:      http.Header{},
	}

	for _, opt := range opts {
		if err := opt.apply(o); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// Option configures a port.
type Option interface {
	apply(*options) error
}

type optFunc func(*options) error

func (f optFunc) apply(o *options) error { return f(o) }

// WithFraming sets the packet framing. The default is FramingRaw, except for
// DialTCP which defaults to FramingLI.
func WithFraming(f Framing) Option {
	return optFunc(func(o *options) error {
		if f != FramingRaw && f != FramingLI {
			return fmt.Errorf("transport: invalid framing %d", f)
		}
		o.framing = f

		return nil
	})
}

// WithLogger sets the logger. The default is logger.GetLogger().
func WithLogger(l logger.Logger) Option {
	return optFunc(func(o *options) error {
		if l == nil {
			return errors.New("transport: nil logger")
		}
		o.logger = l

		return nil
	})
}

// WithName sets the name the port logs under. The constructors default it to
// the device path or address.
func WithName(name string) Option {
	return optFunc(func(o *options) error {
		o.name = name
		return nil
	})
}

// WithReadBufferSize sets the size of the read buffer.
func WithReadBufferSize(n int) Option {
	return optFunc(func(o *options) error {
		if n < 16 || n > 64*1024 {
			return fmt.Errorf("transport: read buffer size %d out of range [16, 65536]", n)
		}
		o.readBufSize = n

		return nil
	})
}

// WithDialTimeout bounds connection setup of DialTCP and DialWebSocket.
func WithDialTimeout(d time.Duration) Option {
	return optFunc(func(o *options) error {
		if d <= 0 {
			return fmt.Errorf("transport: dial timeout %v must be positive", d)
		}
		o.dialTimeout = d

		return nil
	})
}

// WithBasicAuth adds HTTP basic credentials to the DialWebSocket handshake.
// Other constructors ignore it.
func WithBasicAuth(username, password string) Option {
	return optFunc(func(o *options) error {
		if username == "" {
			return errors.New("transport: empty username")
		}
		r := http.Request{Header: http.Header{}}
		r.SetBasicAuth(username, password)
		o.header.Set("Authorization", r.Header.Get("Authorization"))

		return nil
	})
}
