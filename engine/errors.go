package engine

import "errors"

var (
	// ErrTransmissionPending is returned by MarkTransmission while the mark of
	// the previous transmission has not been reset.
	ErrTransmissionPending = errors.New("engine: transmission mark still set")
	// ErrNotReceiveContext is returned by IncomingPacket when it is called
	// outside the receive loop's port read.
	ErrNotReceiveContext = errors.New("engine: incoming packet outside receive loop")
	// ErrReceiverStopped is returned by pulls once the receiver is stopped or failed.
	ErrReceiverStopped = errors.New("engine: receiver stopped")
	// ErrRetransmitExhausted ends a conversation after too many retransmittable errors.
	ErrRetransmitExhausted = errors.New("engine: retransmit limit exhausted")
	// ErrReplyTimeout ends a conversation when no reply arrived after all resends.
	ErrReplyTimeout = errors.New("engine: reply timeout")
	// ErrControllerClosed is returned for commands sent to, or pending in, a closed controller.
	ErrControllerClosed = errors.New("engine: controller closed")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("engine: controller already started")
	// ErrNilMessage is returned when a nil message is sent.
	ErrNilMessage = errors.New("engine: nil message")
)
