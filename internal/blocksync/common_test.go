package blocksync

import (
	"sync"
	"time"

	"github.com/cobaltbit/cobalt/libs/log"
	"github.com/cobaltbit/cobalt/types"
)

// testClock is a controllable clock shared between a reservation under
// test and its fake chain, so import costs are deterministic.
type testClock struct {
	mtx sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1600000000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.now = c.now.Add(d)
}

// fakeChain is a storage collaborator that advances the test clock by a
// fixed cost per update and can be told to refuse specific heights.
type fakeChain struct {
	mtx      sync.Mutex
	clock    *testClock
	cost     time.Duration
	refuse   map[uint64]bool
	imported []uint64
}

func newFakeChain(clock *testClock, cost time.Duration) *fakeChain {
	return &fakeChain{clock: clock, cost: cost, refuse: make(map[uint64]bool)}
}

func (c *fakeChain) Update(block *types.Block, height uint64) bool {
	if c.clock != nil {
		c.clock.Advance(c.cost)
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.refuse[height] {
		return false
	}
	c.imported = append(c.imported, height)
	return true
}

func (c *fakeChain) importedHeights() []uint64 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	heights := make([]uint64, len(c.imported))
	copy(heights, c.imported)
	return heights
}

// makeBlocks returns count distinct blocks plus the matching targets at
// heights firstHeight, firstHeight+1, ...
func makeBlocks(count int, firstHeight uint64) ([]*types.Block, []Target) {
	blocks := make([]*types.Block, 0, count)
	targets := make([]Target, 0, count)
	for i := 0; i < count; i++ {
		block := &types.Block{
			Header: types.Header{Version: 1, Nonce: uint32(firstHeight) + uint32(i)},
		}
		blocks = append(blocks, block)
		targets = append(targets, Target{
			Hash:   block.Header.Hash(),
			Height: firstHeight + uint64(i),
		})
	}
	return blocks, targets
}

// newTestTable builds a table over the given targets with every row's
// clock pinned to clock (when non-nil).
func newTestTable(
	chain Chain,
	targets []Target,
	peerCount, maxRequest int,
	blockLatency time.Duration,
	clock *testClock,
) *Reservations {
	table := NewReservations(
		log.TestingLogger(),
		NopMetrics(),
		chain,
		NewSliceSource(targets),
		peerCount,
		maxRequest,
		blockLatency,
	)
	if clock != nil {
		for _, row := range table.Rows() {
			row.now = clock.Now
		}
	}
	return table
}
