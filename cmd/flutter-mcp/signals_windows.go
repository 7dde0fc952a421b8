//go:build windows

package main

import (
	"os"
	"os/signal"
)

// setupSignalHandling stops the bridge on Ctrl+C, the only signal Windows delivers reliably.
func setupSignalHandling(sigChan chan os.Signal) {
	signal.Notify(sigChan, os.Interrupt)
}
