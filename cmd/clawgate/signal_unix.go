//go:build !windows

package main

import (
	"os"
	"syscall"
)

// terminationSignals are the signals that trigger a graceful shutdown.
// Process managers (systemd, kubernetes) send SIGTERM; Ctrl-C sends SIGINT.
var terminationSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
