package util

import (
	"hash/crc32"
	"time"
)

var crc32Table = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum computes a CRC32 checksum for the given data
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ContentTracker remembers the checksum of the last bytes seen per key.
// It is not safe for concurrent use; callers serialize access per key.
type ContentTracker struct {
	sums map[string]contentSum
}

type contentSum struct {
	sum     uint32
	size    int
	modTime time.Time
}

// NewContentTracker creates an empty tracker
func NewContentTracker() *ContentTracker {
	return &ContentTracker{sums: make(map[string]contentSum)}
}

// Observe records data as the content for key at modTime
func (t *ContentTracker) Observe(key string, data []byte, modTime time.Time) {
	t.sums[key] = contentSum{sum: ComputeChecksum(data), size: len(data), modTime: modTime}
}

// Unchanged reports whether data matches the last observed content for key
// and the content has not been modified since
func (t *ContentTracker) Unchanged(key string, data []byte, modTime time.Time) bool {
	prev, ok := t.sums[key]
	if !ok || prev.size != len(data) || !prev.modTime.Equal(modTime) {
		return false
	}
	return prev.sum == ComputeChecksum(data)
}

// Forget drops whatever is known about key
func (t *ContentTracker) Forget(key string) {
	delete(t.sums, key)
}
