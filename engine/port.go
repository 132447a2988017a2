package engine

import "github.com/arloliu/go-xnet/xnet"

// Port is the byte source and sink of a traffic controller, implemented by the
// transport adapters.
type Port interface {
	// ReadReply blocks until one complete packet has been read into reply.
	// begin must be called as soon as the first byte of the packet is seen,
	// before the rest is read. Framing errors are reported with
	// xnet.ErrChecksumMismatch or xnet.ErrInvalidLength; any other error is
	// terminal for the receiver.
	ReadReply(reply *xnet.Reply, begin func(*xnet.Reply) error) error
	// WriteMessage writes msg, checksum included.
	WriteMessage(msg *xnet.Message) error
	// Close releases the port and unblocks a pending ReadReply.
	Close() error
}
