//go:build !unix

package page

func mapAnon(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapAnon([]byte) error { return nil }

// Sync is a no-op where there is no mapping to flush.
func Sync([]byte, Direction) error { return nil }
