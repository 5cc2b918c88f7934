//go:build !unix

package main

import "os"

// notifyReclaim returns a channel that never fires; only unix has SIGUSR2.
func notifyReclaim() (<-chan os.Signal, func()) {
	return nil, func() {}
}
