package transport

import (
	"fmt"

	"go.bug.st/serial"
)

// OpenSerial opens a serial interface at baud, 8N1. A baud of zero selects
// DefaultSerialBaud.
func OpenSerial(name string, baud int, opts ...Option) (*StreamPort, error) {
	o, err := newOptions(opts...)
	if err != nil {
		return nil, err
	}
	if o.name == "" {
		o.name = name
	}
	if baud == 0 {
		baud = DefaultSerialBaud
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open serial port %s: %w", name, err)
	}

	o.logger.Info("transport: serial port opened", "port", name, "baud", baud, "framing", o.framing)

	return newStreamPort(port, o), nil
}

// SerialPorts lists the serial ports of the host.
func SerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("transport: list serial ports: %w", err)
	}

	return ports, nil
}
