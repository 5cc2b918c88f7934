//go:build unix

package main

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// notifyReclaim delivers SIGUSR2 on the returned channel. The stop func
// unregisters it.
func notifyReclaim() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGUSR2)
	return ch, func() { signal.Stop(ch) }
}
