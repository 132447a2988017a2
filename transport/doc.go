// Package transport provides engine.Port implementations for XPressNet
// interfaces.
//
// A StreamPort frames XPressNet packets over any io.ReadWriteCloser. Serial
// interfaces of the LI100/LI101 family carry bare packets (FramingRaw); the
// LIUSB and the LAN interfaces prefix every packet with 0xFF 0xFE on the way
// to the command station and 0xFF 0xFE or 0xFF 0xFD on the way back
// (FramingLI).
//
// The constructors open the underlying link and wrap it:
//
//	port, err := transport.OpenSerial("/dev/ttyUSB0", 57600, transport.WithFraming(transport.FramingLI))
//	port, err := transport.DialTCP(ctx, "192.168.0.200:5550")
//	port, err := transport.DialWebSocket(ctx, "ws://bridge.local/xnet")
package transport
