// Command xnetctl talks to an XPressNet command station through a LI100,
// LI101, LIUSB or LAN interface.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
