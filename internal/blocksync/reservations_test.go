package blocksync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cobaltbit/cobalt/libs/log"
	"github.com/cobaltbit/cobalt/types"
)

// A newly attached peer that finds the queue empty is cut in on the
// richest row's work.
func TestReservationsPartitionOnNewPeer(t *testing.T) {
	chain := newFakeChain(nil, 0)
	_, targets := makeBlocks(10, 1)

	table := newTestTable(chain, targets, 1, 10, time.Minute, nil)
	donor := table.Rows()[0]
	table.Populate(donor)
	require.Equal(t, 10, donor.Size())
	require.Equal(t, 0, table.QueueLen())
	donor.Request(true)

	donee := table.Attach()
	assert.EqualValues(t, 1, donee.Slot())
	table.Populate(donee)

	assert.Equal(t, 5, donor.Size())
	assert.Equal(t, 5, donee.Size())
	assert.True(t, donee.Pending())
	assert.True(t, donor.TogglePartitioned())

	// The donee received the lowest heights.
	packet := donee.Request(false)
	require.Equal(t, 5, packet.Size())
	assert.Equal(t, targets[0].Hash, packet.Inventories[0].Hash)
	assert.Equal(t, targets[4].Hash, packet.Inventories[4].Hash)
}

// Odd-sized partitions round up in the donee's favor.
func TestReservationsPartitionOddSplit(t *testing.T) {
	chain := newFakeChain(nil, 0)
	_, targets := makeBlocks(7, 1)

	table := newTestTable(chain, targets, 1, 10, time.Minute, nil)
	donor := table.Rows()[0]
	table.Populate(donor)

	donee := table.Attach()
	table.Populate(donee)

	assert.Equal(t, 3, donor.Size())
	assert.Equal(t, 4, donee.Size())
}

// Partitioning away everything resets the donor.
func TestReservationsPartitionEmptiesDonor(t *testing.T) {
	chain := newFakeChain(nil, 0)
	_, targets := makeBlocks(1, 1)

	table := newTestTable(chain, targets, 1, 10, time.Minute, nil)
	donor := table.Rows()[0]
	table.Populate(donor)
	donor.setRate(Performance{Events: 5, Window: 100})

	donee := table.Attach()
	table.Populate(donee)

	assert.Equal(t, 0, donor.Size())
	assert.Equal(t, 1, donee.Size())
	assert.False(t, donor.TogglePartitioned(), "an emptied donor is not partitioned")
	assert.True(t, donor.Idle(), "an emptied donor is reset")
}

func TestReservationsRates(t *testing.T) {
	table := newTestTable(newFakeChain(nil, 0), nil, 4, 8, time.Minute, nil)
	rows := table.Rows()

	// One row just attached and still idle: statistics cover the rest.
	rows[0].setRate(Performance{Events: 10, Window: 1})
	rows[1].setRate(Performance{Events: 10, Window: 1})
	rows[2].setRate(Performance{Events: 3, Window: 1})

	statistics := table.Rates()
	assert.Equal(t, 3, statistics.ActiveCount)
	assert.InDelta(t, 23.0/3.0, statistics.Mean, 1e-9)
	assert.InDelta(t, 3.2998, statistics.StdDev, 1e-3)
}

func TestReservationsRatesDegenerate(t *testing.T) {
	table := newTestTable(newFakeChain(nil, 0), nil, 2, 8, time.Minute, nil)
	rows := table.Rows()

	// no active rows
	statistics := table.Rates()
	assert.Equal(t, 0, statistics.ActiveCount)
	assert.Zero(t, statistics.Mean)
	assert.Zero(t, statistics.StdDev)

	// a single active row has no deviation
	rows[0].setRate(Performance{Events: 7, Window: 1})
	statistics = table.Rates()
	assert.Equal(t, 1, statistics.ActiveCount)
	assert.Equal(t, 7.0, statistics.Mean)
	assert.Zero(t, statistics.StdDev)
}

// With a single active reservation Expired is always false, and a row at
// or above the mean never expires.
func TestReservationsExpired(t *testing.T) {
	table := newTestTable(newFakeChain(nil, 0), nil, 3, 8, time.Minute, nil)
	rows := table.Rows()

	rows[0].setRate(Performance{Events: 9, Window: 1})
	assert.False(t, rows[0].Expired(), "lone peer never expires")

	rows[1].setRate(Performance{Events: 9, Window: 1})
	rows[2].setRate(Performance{Events: 3, Window: 1})

	assert.False(t, rows[0].Expired(), "at or above the mean never expires")
	assert.False(t, rows[1].Expired())
	assert.True(t, rows[2].Expired())
}

// Three peers at {10, 10, 3}: the slow one is more than 1.01 standard
// deviations below the mean and is pruned; its targets return to the
// queue.
func TestReservationsPruneEvictsOutlier(t *testing.T) {
	chain := newFakeChain(nil, 0)
	_, targets := makeBlocks(6, 1)

	table := newTestTable(chain, targets, 3, 2, time.Minute, nil)
	rows := table.Rows()
	for _, row := range rows {
		table.Populate(row)
	}
	require.Equal(t, 0, table.QueueLen())

	rows[0].setRate(Performance{Events: 10, Window: 1})
	rows[1].setRate(Performance{Events: 10, Window: 1})
	rows[2].setRate(Performance{Events: 3, Window: 1})

	stopped := table.Prune()
	require.Equal(t, []uint64{2}, stopped)

	assert.True(t, rows[2].Stopped())
	assert.True(t, rows[2].Idle())
	assert.True(t, rows[2].Empty(), "stopped row is drained")
	assert.Equal(t, 2, table.QueueLen(), "drained targets are requeued")

	assert.False(t, rows[0].Stopped())
	assert.False(t, rows[1].Stopped())

	// A second prune with the outlier gone drops nobody.
	rows[2].Start()
	assert.Empty(t, table.Prune())
}

// Removing a reservation returns its targets to the queue, and later
// populates hand them to surviving rows.
func TestReservationsRemove(t *testing.T) {
	chain := newFakeChain(nil, 0)
	_, targets := makeBlocks(4, 1)

	table := newTestTable(chain, targets, 2, 2, time.Minute, nil)
	first, second := table.Rows()[0], table.Rows()[1]
	table.Populate(first)
	table.Populate(second)
	require.Equal(t, 2, first.Size())
	require.Equal(t, 2, second.Size())

	table.Remove(first)
	assert.Len(t, table.Rows(), 1)
	assert.Equal(t, 2, table.QueueLen())

	// Slots are not renumbered.
	assert.EqualValues(t, 1, table.Rows()[0].Slot())
	assert.EqualValues(t, 2, table.Attach().Slot())
}

// Import routes a block to whichever reservation owns its hash.
func TestReservationsImportDispatch(t *testing.T) {
	clock := newTestClock()
	chain := newFakeChain(clock, 50*time.Microsecond)
	blocks, targets := makeBlocks(4, 1)

	table := newTestTable(chain, targets, 2, 2, time.Minute, clock)
	first, second := table.Rows()[0], table.Rows()[1]
	table.Populate(first)
	table.Populate(second)

	table.Import(blocks[0]) // owned by first
	table.Import(blocks[2]) // owned by second

	assert.ElementsMatch(t, []uint64{1, 3}, chain.importedHeights())
	assert.False(t, first.owns(targets[0].Hash))
	assert.False(t, second.owns(targets[2].Hash))

	// unknown block: dropped without effect
	stranger := &types.Block{Header: types.Header{Nonce: 0xbeef}}
	table.Import(stranger)
	assert.ElementsMatch(t, []uint64{1, 3}, chain.importedHeights())
}

// Every target yielded by the source and not yet imported lives in
// exactly one place: the unassigned queue or a single row's assignment.
func TestReservationsTargetConservation(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		peerCount := rapid.IntRange(1, 4).Draw(rt, "peers").(int)
		maxRequest := rapid.IntRange(1, 6).Draw(rt, "maxRequest").(int)
		targetCount := rapid.IntRange(0, 32).Draw(rt, "targets").(int)

		clock := newTestClock()
		chain := newFakeChain(clock, 10*time.Microsecond)
		blocks, targets := makeBlocks(targetCount, 1)
		blockByHash := make(map[types.Hash]*types.Block, targetCount)
		for i, block := range blocks {
			blockByHash[targets[i].Hash] = block
		}

		source := NewSliceSource(targets)
		table := NewReservations(
			log.NewNopLogger(), NopMetrics(), chain, source,
			peerCount, maxRequest, time.Minute,
		)
		for _, row := range table.Rows() {
			row.now = clock.Now
		}

		check := func() {
			imported := make(map[uint64]bool)
			for _, height := range chain.importedHeights() {
				imported[height] = true
			}

			seen := make(map[uint64]int)
			table.mtx.Lock()
			for _, target := range table.hashes {
				seen[target.Height]++
			}
			table.mtx.Unlock()
			for _, row := range table.Rows() {
				row.hashMtx.RLock()
				for height := range row.byHeight {
					seen[height]++
				}
				row.hashMtx.RUnlock()
			}

			yielded := targetCount - source.Remaining()
			for i := 0; i < yielded; i++ {
				height := targets[i].Height
				if imported[height] {
					if seen[height] != 0 {
						rt.Fatalf("imported height %d still held somewhere", height)
					}
					continue
				}
				if seen[height] != 1 {
					rt.Fatalf("height %d held in %d places", height, seen[height])
				}
			}
		}

		steps := rapid.IntRange(1, 40).Draw(rt, "steps").(int)
		for i := 0; i < steps; i++ {
			rows := table.Rows()
			op := rapid.IntRange(0, 3).Draw(rt, "op").(int)
			switch op {
			case 0: // populate a random row
				if len(rows) != 0 {
					row := rows[rapid.IntRange(0, len(rows)-1).Draw(rt, "row").(int)]
					table.Populate(row)
				}
			case 1: // import one assigned block
				if len(rows) != 0 {
					row := rows[rapid.IntRange(0, len(rows)-1).Draw(rt, "row").(int)]
					row.hashMtx.RLock()
					var hash types.Hash
					found := false
					for h := range row.byHash {
						hash = h
						found = true
						break
					}
					row.hashMtx.RUnlock()
					if found {
						row.Import(table.Chain(), blockByHash[hash])
					}
				}
			case 2: // attach a new peer and populate it
				if len(rows) < 6 {
					table.Populate(table.Attach())
				}
			case 3: // disconnect a random peer
				if len(rows) > 1 {
					row := rows[rapid.IntRange(0, len(rows)-1).Draw(rt, "row").(int)]
					table.Remove(row)
				}
			}
			check()
		}
	})
}
