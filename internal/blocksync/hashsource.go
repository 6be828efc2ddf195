package blocksync

import (
	"sync"

	"github.com/cobaltbit/cobalt/types"
)

// Target is a (hash, height) pair awaiting download.
type Target struct {
	Hash   types.Hash
	Height uint64
}

// HashSource supplies successive block targets to the reservations table.
// Implementations must yield targets strictly increasing in height. A
// source may be finite (the sync completes) or effectively unbounded.
//
// Next is called under the table mutex and must not call back into the
// table.
type HashSource interface {
	Next() (Target, bool)
}

// SliceSource is a HashSource over a fixed, height-ascending slice of
// targets. It is used for checkpointed syncs and in tests.
type SliceSource struct {
	mtx     sync.Mutex
	targets []Target
	next    int
}

// NewSliceSource returns a source yielding the given targets in order.
// The caller is responsible for height-ascending order.
func NewSliceSource(targets []Target) *SliceSource {
	copied := make([]Target, len(targets))
	copy(copied, targets)
	return &SliceSource{targets: copied}
}

// Next implements HashSource.
func (s *SliceSource) Next() (Target, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.next >= len(s.targets) {
		return Target{}, false
	}
	target := s.targets[s.next]
	s.next++
	return target, true
}

// Remaining returns the number of targets not yet yielded.
func (s *SliceSource) Remaining() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.targets) - s.next
}
