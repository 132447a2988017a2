// Package engine implements the XPressNet command/reply engine.
//
// A TrafficController owns two goroutines. The receive loop reads packets from
// a Port through a StreamReceiver, stamps the packet that answers the message
// being sent and queues every packet in arrival order. The process loop takes
// the next command from the CommandService, writes it and pulls replies until
// the command's handler declares the conversation complete; only then is the
// transmit state machine moved and the next command sent.
//
// Handlers are chosen by opcode once per command chain:
//
//   - accessory operations (0x52) send ON, then a delayed OFF, then a status
//     query if feedback disagreed with the command while the chain was open;
//   - accessory info requests (0x42) complete on the first feedback naming
//     the queried nibble;
//   - service mode commands (0x22, 0x23) complete after both the
//     acknowledgement and the 61 02 broadcast;
//   - all other commands follow a static table of expected reply codes.
//
// Replies that answer nothing are offered to the handlers of open chains,
// then to the FeedbackBroadcastHandler, which keeps the AccessoryStateStore
// in step with the layout, and finally to the registered listeners.
package engine
