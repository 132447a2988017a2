package xnet

import (
	"fmt"
	"slices"
)

// Reply is one packet received from the command station.
//
// The receiver stamps a Reply either as the response to the message being sent
// or as unsolicited. Feedback items decoded from the packet can be consumed by
// the engine so later processing skips them.
type Reply struct {
	elements []byte // header and data, without checksum
	items    []*FeedbackItem

	responseTo  *Message
	unsolicited bool
}

// NewReply builds a reply from a header and data bytes, as a transport would
// after validating the checksum.
func NewReply(header byte, data ...byte) (*Reply, error) {
	frame := make([]byte, 0, len(data)+2)
	frame = append(frame, header)
	frame = append(frame, data...)
	frame = append(frame, Checksum(frame))

	return ParseReply(frame)
}

// ParseReply decodes a complete frame, checksum included.
func ParseReply(frame []byte) (*Reply, error) {
	r := &Reply{}
	if err := r.Decode(frame); err != nil {
		return nil, err
	}

	return r, nil
}

// Decode loads a complete frame into r. The frame length must match the header
// and the last byte must be the XOR checksum of the others.
func (r *Reply) Decode(frame []byte) error {
	if len(frame) < 2 || len(frame) != FrameLen(frame[0]) {
		return fmt.Errorf("%w: % X", ErrInvalidLength, frame)
	}

	n := len(frame) - 1
	if Checksum(frame[:n]) != frame[n] {
		return fmt.Errorf("%w: % X", ErrChecksumMismatch, frame)
	}

	r.elements = slices.Clone(frame[:n])
	r.items = nil
	if r.IsFeedback() {
		r.items = decodeFeedback(r)
	}

	return nil
}

// Header returns the header byte, or 0 for an empty reply.
func (r *Reply) Header() byte {
	if len(r.elements) == 0 {
		return 0
	}

	return r.elements[0]
}

// Len returns the number of elements, header included and checksum excluded.
func (r *Reply) Len() int { return len(r.elements) }

// Element returns the i-th element, or -1 if i is out of range.
func (r *Reply) Element(i int) int {
	if i < 0 || i >= len(r.elements) {
		return -1
	}

	return int(r.elements[i])
}

// Bytes returns the packet including its checksum.
func (r *Reply) Bytes() []byte {
	b := make([]byte, 0, len(r.elements)+1)
	b = append(b, r.elements...)

	return append(b, Checksum(r.elements))
}

func (r *Reply) is(header byte, subs ...byte) bool {
	if len(r.elements) < 2 || r.elements[0] != header {
		return false
	}

	return slices.Contains(subs, r.elements[1])
}

// IsOkMessage reports whether r is the interface acknowledgement 01 04.
func (r *Reply) IsOkMessage() bool {
	return r.is(HeaderLIMessage, LIOk)
}

// IsRetransmittableError reports whether r asks for the last command to be sent again.
func (r *Reply) IsRetransmittableError() bool {
	return r.is(HeaderLIMessage, 0x01, 0x02, 0x03, 0x05, 0x06) ||
		r.is(HeaderCSInfo, CSTransferError, CSBusy)
}

// IsBroadcast reports whether r is a command station broadcast
// (track power off, normal operation resumed, service mode entry, emergency stop).
func (r *Reply) IsBroadcast() bool {
	return r.is(HeaderCSInfo, CSTrackPowerOff, CSNormalResumed, CSServiceMode) ||
		r.is(HeaderEStopBroadcast, 0x00)
}

// IsServiceModeEntry reports whether r is the 61 02 broadcast that accompanies
// every service mode command.
func (r *Reply) IsServiceModeEntry() bool {
	return r.is(HeaderCSInfo, CSServiceMode)
}

// IsServiceModeResult reports whether r carries a service mode result or status.
func (r *Reply) IsServiceModeResult() bool {
	return r.is(HeaderCSVersion, CSResultPaged, CSResultDirect, CSResultHigh) ||
		r.is(HeaderCSInfo, CSServiceReady, CSServiceShort, CSServiceNotFound, CSServiceBusy)
}

// ServiceModeResult returns the CV and value of a 63 1x result.
func (r *Reply) ServiceModeResult() (cv int, value int, ok bool) {
	if !r.is(HeaderCSVersion, CSResultPaged, CSResultDirect, CSResultHigh) || len(r.elements) < 4 {
		return 0, 0, false
	}

	cv = int(r.elements[2])
	if cv == 0 {
		cv = 256
	}

	return cv, int(r.elements[3]), true
}

// CSStatus returns the status byte of a 62 22 reply.
func (r *Reply) CSStatus() (byte, bool) {
	if !r.is(HeaderCSStatus, 0x22) || len(r.elements) < 3 {
		return 0, false
	}

	return r.elements[2], true
}

// IsFeedback reports whether r is a feedback packet of address/data pairs.
func (r *Reply) IsFeedback() bool {
	h := r.Header()
	n := DataLen(h)

	return h&0xF0 == OpFeedback && n > 0 && n%2 == 0
}

// IsFeedbackBroadcast reports whether r is feedback that carries more than one
// pair or arrived unsolicited.
func (r *Reply) IsFeedbackBroadcast() bool {
	return r.IsFeedback() && (DataLen(r.Header()) > 2 || r.unsolicited)
}

// FeedbackItems returns the decoded feedback items, or nil if r is not feedback.
func (r *Reply) FeedbackItems() []*FeedbackItem {
	return r.items
}

// FeedbackItem returns the item for accessory number, or nil if r does not
// report it.
func (r *Reply) FeedbackItem(number int) *FeedbackItem {
	for _, it := range r.items {
		if it.IsAccessory() && it.number == number {
			return it
		}
	}

	return nil
}

// IsFullyConsumed reports whether r is feedback whose items are all consumed.
func (r *Reply) IsFullyConsumed() bool {
	if len(r.items) == 0 {
		return false
	}

	for _, it := range r.items {
		if !it.consumed {
			return false
		}
	}

	return true
}

// ResponseTo returns the message r was correlated to, or nil.
func (r *Reply) ResponseTo() *Message { return r.responseTo }

// SetResponseTo stamps r as the response to m.
func (r *Reply) SetResponseTo(m *Message) {
	r.responseTo = m
	r.unsolicited = false
}

// SetUnsolicited marks r as not being a response to any message.
func (r *Reply) SetUnsolicited() {
	r.responseTo = nil
	r.unsolicited = true
}

// IsUnsolicited reports whether r arrived independently of any command.
func (r *Reply) IsUnsolicited() bool { return r.unsolicited }

func (r *Reply) String() string {
	if r == nil {
		return "<nil>"
	}

	return formatHex(r.Bytes())
}
