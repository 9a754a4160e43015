//go:build windows

package signals

import (
	"os"
	"syscall"
)

var terminationSignals = []os.Signal{os.Interrupt}

var platformKinds = map[os.Signal]Kind{}

var signalNames = map[string]os.Signal{
	"INT":       os.Interrupt,
	"INTERRUPT": os.Interrupt,
	"TERM":      syscall.SIGTERM,
	"TERMINATE": syscall.SIGTERM,
}
