package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-xnet/engine"
	"github.com/arloliu/go-xnet/logger"
	"github.com/arloliu/go-xnet/xnet"
)

// ErrClosed is returned by a port after Close.
var ErrClosed = errors.New("transport: port closed")

const (
	liPrefix     = 0xFF
	liToStation  = 0xFE
	liFromDevice = 0xFD
)

// StreamPort is an engine.Port over a byte stream.
//
// ReadReply must only be called from one goroutine at a time; WriteMessage
// may be called concurrently with it.
type StreamPort struct {
	rwc     io.ReadWriteCloser
	reader  *bufio.Reader
	framing Framing
	logger  logger.Logger

	wmu       sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ engine.Port = (*StreamPort)(nil)

// NewStreamPort wraps rwc. The port owns rwc and closes it on Close.
func NewStreamPort(rwc io.ReadWriteCloser, opts ...Option) (*StreamPort, error) {
	if rwc == nil {
		return nil, errors.New("transport: nil stream")
	}

	o, err := newOptions(opts...)
	if err != nil {
		return nil, err
	}

	return newStreamPort(rwc, o), nil
}

func newStreamPort(rwc io.ReadWriteCloser, o *options) *StreamPort {
	l := o.logger
	if o.name != "" {
		l = l.With("port", o.name)
	}

	return &StreamPort{
		rwc:     rwc,
		reader:  bufio.NewReaderSize(rwc, o.readBufSize),
		framing: o.framing,
		logger:  l,
	}
}

// Framing returns the port's framing.
func (p *StreamPort) Framing() Framing {
	return p.framing
}

// ReadReply reads one packet into reply. begin is called once the header
// byte has been read.
func (p *StreamPort) ReadReply(reply *xnet.Reply, begin func(*xnet.Reply) error) error {
	header, err := p.readHeader()
	if err != nil {
		return p.readErr(err)
	}

	if begin != nil {
		if err := begin(reply); err != nil {
			return err
		}
	}

	frame := make([]byte, xnet.FrameLen(header))
	frame[0] = header
	if _, err := io.ReadFull(p.reader, frame[1:]); err != nil {
		return p.readErr(err)
	}

	return reply.Decode(frame)
}

// readHeader returns the header byte of the next packet, skipping the LI
// prefix. A packet without prefix is accepted as is.
func (p *StreamPort) readHeader() (byte, error) {
	b, err := p.reader.ReadByte()
	if err != nil || p.framing != FramingLI || b != liPrefix {
		return b, err
	}

	next, err := p.reader.ReadByte()
	if err != nil {
		return 0, err
	}
	if next != liToStation && next != liFromDevice {
		p.logger.Debug("transport: bad packet prefix", "prefix", fmt.Sprintf("%02X %02X", b, next))
		return 0, fmt.Errorf("%w: prefix %02X %02X", xnet.ErrInvalidLength, b, next)
	}

	return p.reader.ReadByte()
}

func (p *StreamPort) readErr(err error) error {
	if errors.Is(err, xnet.ErrInvalidLength) {
		return err
	}
	if p.closed.Load() {
		return ErrClosed
	}

	return fmt.Errorf("transport: read: %w", err)
}

// WriteMessage writes msg in a single write.
func (p *StreamPort) WriteMessage(msg *xnet.Message) error {
	if msg == nil {
		return errors.New("transport: nil message")
	}
	if p.closed.Load() {
		return ErrClosed
	}

	data := msg.Bytes()
	if p.framing == FramingLI {
		data = append([]byte{liPrefix, liToStation}, data...)
	}

	p.wmu.Lock()
	defer p.wmu.Unlock()

	if err := writeAll(p.rwc, data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}

	return nil
}

func writeAll(w io.Writer, data []byte) error {
	for written := 0; written < len(data); {
		n, err := w.Write(data[written:])
		written += n

		if err != nil {
			return err
		}
	}

	return nil
}

// Close closes the underlying stream. It is safe to call more than once.
func (p *StreamPort) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.closeErr = p.rwc.Close()
		p.logger.Debug("transport: port closed")
	})

	return p.closeErr
}
