//go:build !windows

package signals

import (
	"os"
	"syscall"
)

// terminationSignals lists the signals that trigger a graceful shutdown by default.
var terminationSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

var platformKinds = map[os.Signal]Kind{
	syscall.SIGHUP:  KindHangup,
	syscall.SIGQUIT: KindQuit,
	syscall.SIGUSR1: "usr1",
	syscall.SIGUSR2: "usr2",
}

var signalNames = map[string]os.Signal{
	"INT":       os.Interrupt,
	"INTERRUPT": os.Interrupt,
	"TERM":      syscall.SIGTERM,
	"TERMINATE": syscall.SIGTERM,
	"HUP":       syscall.SIGHUP,
	"HANGUP":    syscall.SIGHUP,
	"QUIT":      syscall.SIGQUIT,
	"USR1":      syscall.SIGUSR1,
	"USR2":      syscall.SIGUSR2,
}
