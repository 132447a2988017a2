// Package xnet is the wire model of the XPressNet link between a control
// application and a DCC command station.
//
// Every packet starts with a header byte whose high nibble is the opcode and
// whose low nibble is the number of data bytes that follow. The last byte is the
// XOR of all preceding bytes.
//
//	header | data[0] ... data[n-1] | checksum
//
// Message describes one outgoing command and is immutable once built. Reply is a
// decoded incoming packet; it classifies itself (acknowledgement, retransmittable
// error, feedback, command station broadcast) and carries the correlation stamp
// set by the engine's receiver.
package xnet

import (
	"errors"
	"fmt"
	"strings"
)

// Header bytes and sub-codes used by the engine.
const (
	HeaderLIMessage      byte = 0x01 // interface messages (ack, transfer errors)
	HeaderLIVersionReply byte = 0x02
	HeaderCSInfo         byte = 0x61 // broadcasts and service mode status
	HeaderCSStatus       byte = 0x62
	HeaderCSVersion      byte = 0x63 // version reply and service mode results
	HeaderEStopBroadcast byte = 0x81

	HeaderCSRequest       byte = 0x21
	HeaderServiceRead     byte = 0x22
	HeaderServiceWrite    byte = 0x23
	HeaderAccessoryInfo   byte = 0x42
	HeaderAccessoryOp     byte = 0x52
	HeaderEmergencyStop   byte = 0x80
	HeaderLocoInfoRequest byte = 0xE3
	HeaderLIVersion       byte = 0xF0

	OpFeedback byte = 0x40 // opcode nibble of feedback replies
)

// Sub-codes (second byte).
const (
	LIOk              byte = 0x04
	CSTrackPowerOff   byte = 0x00
	CSNormalResumed   byte = 0x01
	CSServiceMode     byte = 0x02
	CSServiceReady    byte = 0x11
	CSServiceShort    byte = 0x12
	CSServiceNotFound byte = 0x13
	CSServiceBusy     byte = 0x1F
	CSTransferError   byte = 0x80
	CSBusy            byte = 0x81

	CSResultPaged  byte = 0x10
	CSResultDirect byte = 0x14
	CSResultHigh   byte = 0x15

	ReqResults      byte = 0x10
	ReqCSVersion    byte = 0x21
	ReqCSStatus     byte = 0x24
	ReqTrackOff     byte = 0x80
	ReqResume       byte = 0x81
	ReqRegisterRead byte = 0x11
	ReqPagedRead    byte = 0x14
	ReqDirectRead   byte = 0x15
	ReqRegisterWr   byte = 0x12
	ReqDirectWr     byte = 0x16
	ReqPagedWr      byte = 0x17
)

// MaxDataLen is the largest data length a header nibble can express.
const MaxDataLen = 15

var (
	// ErrChecksumMismatch is returned when a packet's XOR checksum does not match.
	ErrChecksumMismatch = errors.New("xnet: checksum mismatch")
	// ErrInvalidLength is returned when a packet is shorter or longer than its header says.
	ErrInvalidLength = errors.New("xnet: invalid packet length")
	// ErrInvalidAccessory is returned for accessory numbers outside 1..MaxAccessory.
	ErrInvalidAccessory = errors.New("xnet: invalid accessory number")
	// ErrInvalidState is returned when an accessory must be commanded to an undefined state.
	ErrInvalidState = errors.New("xnet: invalid accessory state")
	// ErrInvalidCV is returned for CV or register numbers out of range.
	ErrInvalidCV = errors.New("xnet: invalid CV number")
	// ErrInvalidAddress is returned for locomotive addresses out of range.
	ErrInvalidAddress = errors.New("xnet: invalid locomotive address")
)

// Checksum returns the XOR of all bytes in b.
func Checksum(b []byte) byte {
	var x byte
	for _, v := range b {
		x ^= v
	}

	return x
}

// DataLen returns the data length encoded in a header byte.
func DataLen(header byte) int {
	return int(header & 0x0F)
}

// FrameLen returns the full packet length, checksum included, for a header byte.
func FrameLen(header byte) int {
	return DataLen(header) + 2
}

func formatHex(b []byte) string {
	var sb strings.Builder
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", v)
	}

	return sb.String()
}
