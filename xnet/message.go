package xnet

import (
	"bytes"
	"fmt"
	"slices"
	"time"
)

// Message is an outgoing command. A Message is never modified after it is
// built; the With* methods return copies.
//
// Equal compares bytes. The engine tracks messages by pointer, so a resend of
// the same *Message is a retry while a new *Message with the same bytes is a
// new command.
type Message struct {
	elements []byte // header and data, without checksum
	priority Priority
	delay    time.Duration
	timeout  time.Duration

	accessory int
	state     AccessoryState
}

// NewMessage builds a message from a header byte and its data bytes.
// The data length must match the header's low nibble.
func NewMessage(header byte, data ...byte) (*Message, error) {
	if DataLen(header) != len(data) {
		return nil, fmt.Errorf("%w: header %02X expects %d data bytes, got %d",
			ErrInvalidLength, header, DataLen(header), len(data))
	}

	elements := make([]byte, 0, len(data)+1)
	elements = append(elements, header)
	elements = append(elements, data...)

	m := &Message{elements: elements}
	m.decodeAccessory()

	return m, nil
}

func mustMessage(header byte, data ...byte) *Message {
	m, err := NewMessage(header, data...)
	if err != nil {
		panic(err)
	}

	return m
}

func (m *Message) decodeAccessory() {
	if len(m.elements) != 3 {
		return
	}

	switch m.elements[0] {
	case HeaderAccessoryOp:
		group := int(m.elements[1])
		bb := int(m.elements[2]>>1) & 0x03
		m.accessory = group*4 + bb + 1
		if m.elements[2]&0x01 == 1 {
			m.state = StateThrown
		} else {
			m.state = StateClosed
		}
	case HeaderAccessoryInfo:
		if m.elements[2]&0x80 == 0 {
			return
		}
		m.accessory = AccessoryFromFeedback(int(m.elements[1]), int(m.elements[2]&0x01), 0)
	}
}

func (m *Message) clone() *Message {
	c := *m
	c.elements = slices.Clone(m.elements)

	return &c
}

// WithPriority returns a copy of m with priority p.
func (m *Message) WithPriority(p Priority) *Message {
	c := m.clone()
	c.priority = p

	return c
}

// WithDelay returns a copy of m that is held back for d before it is queued.
func (m *Message) WithDelay(d time.Duration) *Message {
	c := m.clone()
	c.delay = d

	return c
}

// WithTimeout returns a copy of m with its own reply timeout.
func (m *Message) WithTimeout(d time.Duration) *Message {
	c := m.clone()
	c.timeout = d

	return c
}

// Header returns the header byte.
func (m *Message) Header() byte { return m.elements[0] }

// Opcode returns the high nibble of the header.
func (m *Message) Opcode() byte { return m.elements[0] & 0xF0 }

// Len returns the number of elements, header included and checksum excluded.
func (m *Message) Len() int { return len(m.elements) }

// Element returns the i-th element, or -1 if i is out of range.
func (m *Message) Element(i int) int {
	if i < 0 || i >= len(m.elements) {
		return -1
	}

	return int(m.elements[i])
}

// Bytes returns the packet as written on the wire, checksum included.
func (m *Message) Bytes() []byte {
	b := make([]byte, 0, len(m.elements)+1)
	b = append(b, m.elements...)

	return append(b, Checksum(m.elements))
}

// Priority returns the queue priority.
func (m *Message) Priority() Priority { return m.priority }

// Delay returns how long the message is held back before it is queued.
func (m *Message) Delay() time.Duration { return m.delay }

// Timeout returns the message's own reply timeout, or 0 for the engine default.
func (m *Message) Timeout() time.Duration { return m.timeout }

// AccessoryNumber returns the addressed accessory, or 0 if the message does
// not address one. For info requests it is the odd accessory of the nibble.
func (m *Message) AccessoryNumber() int { return m.accessory }

// AccessoryState returns the commanded output state of an accessory operation.
func (m *Message) AccessoryState() AccessoryState { return m.state }

// IsAccessoryOperation reports whether m is an accessory output command.
func (m *Message) IsAccessoryOperation() bool {
	return m.elements[0] == HeaderAccessoryOp && len(m.elements) == 3
}

// IsAccessoryOn reports whether m activates an accessory output.
func (m *Message) IsAccessoryOn() bool {
	return m.IsAccessoryOperation() && m.elements[2]&0x08 != 0
}

// IsAccessoryInfoRequest reports whether m asks for an accessory nibble's state.
func (m *Message) IsAccessoryInfoRequest() bool {
	return m.elements[0] == HeaderAccessoryInfo && m.accessory != 0
}

// IsServiceModeCommand reports whether m is a service mode read or write.
func (m *Message) IsServiceModeCommand() bool {
	return m.elements[0] == HeaderServiceRead || m.elements[0] == HeaderServiceWrite
}

// IsResumeOperations reports whether m asks the command station to resume normal operation.
func (m *Message) IsResumeOperations() bool {
	return len(m.elements) == 2 && m.elements[0] == HeaderCSRequest && m.elements[1] == ReqResume
}

// Equal reports whether m and o carry the same bytes.
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}

	return bytes.Equal(m.elements, o.elements)
}

func (m *Message) String() string {
	if m == nil {
		return "<nil>"
	}

	return formatHex(m.Bytes())
}

// NewAccessoryOperation builds 0x52 AAAAAAAA 1000DBBP for accessory number.
// on sets the D bit; state selects the output (thrown sets P).
func NewAccessoryOperation(number int, state AccessoryState, on bool) (*Message, error) {
	if !ValidAccessory(number) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAccessory, number)
	}
	if !state.IsDefined() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidState, state)
	}

	data := byte(0x80) | byte((number-1)%4)<<1
	if on {
		data |= 0x08
	}
	if state == StateThrown {
		data |= 0x01
	}

	return mustMessage(HeaderAccessoryOp, byte(AccessoryGroup(number)), data), nil
}

// NewAccessoryInfoRequest builds 0x42 AAAAAAAA 1000000N for the nibble holding number.
func NewAccessoryInfoRequest(number int) (*Message, error) {
	if !ValidAccessory(number) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAccessory, number)
	}

	return mustMessage(HeaderAccessoryInfo, byte(AccessoryGroup(number)), 0x80|byte(AccessoryNibble(number))), nil
}

func cvByte(cv int) (byte, error) {
	if cv < 1 || cv > 256 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidCV, cv)
	}

	// CV 256 is sent as 0
	return byte(cv & 0xFF), nil
}

func registerByte(reg int) (byte, error) {
	if reg < 1 || reg > 8 {
		return 0, fmt.Errorf("%w: register %d", ErrInvalidCV, reg)
	}

	return byte(reg), nil
}

// NewDirectModeRead builds 0x22 0x15 CV.
func NewDirectModeRead(cv int) (*Message, error) {
	b, err := cvByte(cv)
	if err != nil {
		return nil, err
	}

	return mustMessage(HeaderServiceRead, ReqDirectRead, b), nil
}

// NewPagedModeRead builds 0x22 0x14 CV.
func NewPagedModeRead(cv int) (*Message, error) {
	b, err := cvByte(cv)
	if err != nil {
		return nil, err
	}

	return mustMessage(HeaderServiceRead, ReqPagedRead, b), nil
}

// NewRegisterModeRead builds 0x22 0x11 REG.
func NewRegisterModeRead(reg int) (*Message, error) {
	b, err := registerByte(reg)
	if err != nil {
		return nil, err
	}

	return mustMessage(HeaderServiceRead, ReqRegisterRead, b), nil
}

// NewDirectModeWrite builds 0x23 0x16 CV V.
func NewDirectModeWrite(cv int, value byte) (*Message, error) {
	b, err := cvByte(cv)
	if err != nil {
		return nil, err
	}

	return mustMessage(HeaderServiceWrite, ReqDirectWr, b, value), nil
}

// NewPagedModeWrite builds 0x23 0x17 CV V.
func NewPagedModeWrite(cv int, value byte) (*Message, error) {
	b, err := cvByte(cv)
	if err != nil {
		return nil, err
	}

	return mustMessage(HeaderServiceWrite, ReqPagedWr, b, value), nil
}

// NewRegisterModeWrite builds 0x23 0x12 REG V.
func NewRegisterModeWrite(reg int, value byte) (*Message, error) {
	b, err := registerByte(reg)
	if err != nil {
		return nil, err
	}

	return mustMessage(HeaderServiceWrite, ReqRegisterWr, b, value), nil
}

// NewServiceModeResultsRequest builds 0x21 0x10.
func NewServiceModeResultsRequest() *Message {
	return mustMessage(HeaderCSRequest, ReqResults)
}

// NewResumeOperations builds 0x21 0x81.
func NewResumeOperations() *Message {
	return mustMessage(HeaderCSRequest, ReqResume)
}

// NewTrackPowerOff builds 0x21 0x80.
func NewTrackPowerOff() *Message {
	return mustMessage(HeaderCSRequest, ReqTrackOff)
}

// NewEmergencyStop builds 0x80.
func NewEmergencyStop() *Message {
	return mustMessage(HeaderEmergencyStop)
}

// NewCSStatusRequest builds 0x21 0x24.
func NewCSStatusRequest() *Message {
	return mustMessage(HeaderCSRequest, ReqCSStatus)
}

// NewCSVersionRequest builds 0x21 0x21.
func NewCSVersionRequest() *Message {
	return mustMessage(HeaderCSRequest, ReqCSVersion)
}

// NewLIVersionRequest builds 0xF0.
func NewLIVersionRequest() *Message {
	return mustMessage(HeaderLIVersion)
}

// NewLocoInfoRequest builds 0xE3 0x00 AH AL. Addresses above 99 use the long form.
func NewLocoInfoRequest(addr int) (*Message, error) {
	if addr < 0 || addr > 9999 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAddress, addr)
	}

	var ah, al byte
	if addr > 99 {
		ah = byte(addr>>8) | 0xC0
		al = byte(addr & 0xFF)
	} else {
		al = byte(addr)
	}

	return mustMessage(HeaderLocoInfoRequest, 0x00, ah, al), nil
}
