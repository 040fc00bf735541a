package binary

import "sync"

const lockStripes = 256

// digestLocks serializes publishes of a digest against the sweep's
// check-then-delete of the same digest. Digests share a stripe by their
// first two hex characters, which are uniformly distributed.
type digestLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *digestLocks) lock(hex string) func() {
	mu := &l.stripes[stripe(hex)]
	mu.Lock()
	return mu.Unlock
}

func stripe(hex string) int {
	if len(hex) < 2 {
		return 0
	}
	return int(nibble(hex[0])<<4 | nibble(hex[1]))
}

func nibble(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	}
	return 0
}
