package transport

import (
	"context"
	"fmt"
	"net"
)

// DialTCP connects to a LAN interface. Framing defaults to FramingLI.
func DialTCP(ctx context.Context, addr string, opts ...Option) (*StreamPort, error) {
	o, err := newOptions(append([]Option{WithFraming(FramingLI)}, opts...)...)
	if err != nil {
		return nil, err
	}
	if o.name == "" {
		o.name = addr
	}

	dialer := net.Dialer{Timeout: o.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	o.logger.Info("transport: connected", "addr", addr, "framing", o.framing)

	return newStreamPort(conn, o), nil
}
