package transport

import (
	"context"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"
)

// wsConn adapts a websocket connection to a byte stream. Each write is sent
// as one binary message; reads drain binary messages in order and skip
// other message types.
type wsConn struct {
	conn   *websocket.Conn
	buf    []byte
	offset int
}

func (w *wsConn) Read(p []byte) (int, error) {
	if w.offset < len(w.buf) {
		n := copy(p, w.buf[w.offset:])
		w.offset += n

		return n, nil
	}

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if messageType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}

		n := copy(p, data)
		w.buf = data
		w.offset = n

		return n, nil
	}
}

func (w *wsConn) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}

	return len(p), nil
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

// DialWebSocket connects to a serial-to-websocket bridge at rawURL (ws:// or
// wss://). Packets travel as binary messages; framing defaults to FramingRaw.
func DialWebSocket(ctx context.Context, rawURL string, opts ...Option) (*StreamPort, error) {
	o, err := newOptions(opts...)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("transport: unsupported url scheme %q, use ws:// or wss://", u.Scheme)
	}
	if o.name == "" {
		o.name = u.Host
	}

	dialer := websocket.Dialer{HandshakeTimeout: DefaultHandshakeTimeout}

	ctx, cancel := context.WithTimeout(ctx, o.dialTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, rawURL, o.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: websocket dial %s (HTTP %d): %w", u.Host, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("transport: websocket dial %s: %w", u.Host, err)
	}

	o.logger.Info("transport: websocket connected", "url", u.Redacted(), "framing", o.framing)

	return newStreamPort(&wsConn{conn: conn}, o), nil
}
