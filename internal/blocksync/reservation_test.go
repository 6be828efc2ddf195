package blocksync

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobaltbit/cobalt/types"
)

// One peer, three blocks: the peer requests everything, imports in order,
// and publishes its first rate exactly at the third sample.
func TestReservationSinglePeerSync(t *testing.T) {
	clock := newTestClock()
	chain := newFakeChain(clock, 100*time.Microsecond)
	blocks, targets := makeBlocks(3, 1)

	table := newTestTable(chain, targets, 1, 8, time.Minute, clock)
	row := table.Rows()[0]

	table.Populate(row)
	require.Equal(t, 3, row.Size())

	packet := row.Request(true)
	require.Equal(t, 3, packet.Size())
	for i, inv := range packet.Inventories {
		assert.Equal(t, types.InvTypeBlock, inv.Type)
		assert.Equal(t, targets[i].Hash, inv.Hash, "inventories must be height-ascending")
	}

	// Still idle until minimumHistory samples have accumulated.
	row.Import(table.Chain(), blocks[0])
	row.Import(table.Chain(), blocks[1])
	assert.True(t, row.Idle())

	row.Import(table.Chain(), blocks[2])

	record := row.Rate()
	assert.False(t, record.Idle)
	assert.EqualValues(t, 3, record.Events)
	assert.EqualValues(t, 300, record.Database)
	assert.EqualValues(t, 300, record.Window)
	assert.Equal(t, []uint64{1, 2, 3}, chain.importedHeights())
	assert.True(t, row.Empty())
}

// A request immediately after insert includes the inserted height; a
// second request without further inserts returns an empty packet.
func TestReservationRequestPending(t *testing.T) {
	table := newTestTable(newFakeChain(nil, 0), nil, 1, 8, time.Minute, nil)
	row := table.Rows()[0]

	_, targets := makeBlocks(3, 10)
	for _, target := range targets {
		row.Insert(target.Hash, target.Height)
	}
	require.True(t, row.Pending())

	packet := row.Request(false)
	require.Equal(t, 3, packet.Size())
	assert.Equal(t, targets[0].Hash, packet.Inventories[0].Hash)
	assert.False(t, row.Pending())

	emptyPacket := row.Request(false)
	assert.True(t, emptyPacket.Empty())

	// A new channel receives the full assignment regardless of pending.
	fullPacket := row.Request(true)
	assert.Equal(t, 3, fullPacket.Size())
}

func TestReservationInsertDuplicatePanics(t *testing.T) {
	table := newTestTable(newFakeChain(nil, 0), nil, 1, 8, time.Minute, nil)
	row := table.Rows()[0]

	_, targets := makeBlocks(2, 1)
	row.Insert(targets[0].Hash, targets[0].Height)

	assert.Panics(t, func() { row.Insert(targets[0].Hash, 99) })
	assert.Panics(t, func() { row.Insert(targets[1].Hash, targets[0].Height) })
}

// An unsolicited block leaves both the assignment and the rate history
// untouched.
func TestReservationUnsolicitedImport(t *testing.T) {
	clock := newTestClock()
	chain := newFakeChain(clock, 100*time.Microsecond)
	_, targets := makeBlocks(2, 1)

	table := newTestTable(chain, targets, 1, 8, time.Minute, clock)
	row := table.Rows()[0]
	table.Populate(row)
	require.Equal(t, 2, row.Size())

	stranger := &types.Block{Header: types.Header{Version: 1, Nonce: 0xdead}}
	row.Import(table.Chain(), stranger)

	assert.Equal(t, 2, row.Size())
	assert.True(t, row.Idle())
	assert.Empty(t, chain.importedHeights())
}

// Stop and a concurrent import must commute: either ordering leaves the
// reservation drained of the hash, idle, and with empty history.
func TestReservationStopDuringImport(t *testing.T) {
	clock := newTestClock()

	setup := func() (*Reservations, *Reservation, *types.Block, *fakeChain) {
		chain := newFakeChain(clock, 100*time.Microsecond)
		blocks, targets := makeBlocks(1, 1)
		table := newTestTable(chain, targets, 1, 8, time.Minute, clock)
		row := table.Rows()[0]
		table.Populate(row)
		return table, row, blocks[0], chain
	}

	// stop first, import second
	table, row, block, chain := setup()
	row.Stop()
	row.Import(table.Chain(), block)
	assert.True(t, row.Empty())
	assert.True(t, row.Idle())
	assert.Empty(t, row.historySnapshot())
	assert.LessOrEqual(t, len(chain.importedHeights()), 1)

	// import first, stop second
	table, row, block, chain = setup()
	row.Import(table.Chain(), block)
	row.Stop()
	assert.True(t, row.Empty())
	assert.True(t, row.Idle())
	assert.Empty(t, row.historySnapshot())
	assert.Equal(t, []uint64{1}, chain.importedHeights())
}

// The rolling window trims expired samples and clamps the span once an
// eviction has occurred.
func TestReservationUpdateRateWindow(t *testing.T) {
	clock := newTestClock()
	// rate window = 3 * 200µs = 600µs
	table := newTestTable(newFakeChain(nil, 0), nil, 1, 8, 200*time.Microsecond, clock)
	row := table.Rows()[0]

	cost := 100 * time.Microsecond

	row.updateRate(1, cost)
	clock.Advance(250 * time.Microsecond)
	row.updateRate(1, cost)
	assert.True(t, row.Idle(), "no rate before minimum history")

	clock.Advance(250 * time.Microsecond)
	row.updateRate(1, cost)

	record := row.Rate()
	require.False(t, record.Idle)
	assert.EqualValues(t, 3, record.Events)
	assert.EqualValues(t, 600, record.Window, "span from oldest sample while not full")

	// The fourth sample pushes the first past the cutoff: the window is
	// clamped to the configured span.
	clock.Advance(250 * time.Microsecond)
	row.updateRate(1, cost)

	record = row.Rate()
	assert.EqualValues(t, 3, record.Events)
	assert.EqualValues(t, 300, record.Database)
	assert.EqualValues(t, 600, record.Window)
	assert.Len(t, row.historySnapshot(), 3)
}

// Published sums equal the sums over the current history entries.
func TestReservationRateSumsMatchHistory(t *testing.T) {
	clock := newTestClock()
	table := newTestTable(newFakeChain(nil, 0), nil, 1, 8, time.Minute, clock)
	row := table.Rows()[0]

	costs := []time.Duration{70, 250, 10, 400, 90}
	for _, cost := range costs {
		row.updateRate(1, cost*time.Microsecond)
		clock.Advance(time.Millisecond)
	}

	var events, database uint64
	for _, record := range row.historySnapshot() {
		events += record.events
		database += record.database
	}

	rate := row.Rate()
	assert.Equal(t, events, rate.Events)
	assert.Equal(t, database, rate.Database)
}

// Summation overflow is a contract violation.
func TestReservationRateOverflowPanics(t *testing.T) {
	clock := newTestClock()
	table := newTestTable(newFakeChain(nil, 0), nil, 1, 8, time.Minute, clock)
	row := table.Rows()[0]

	row.updateRate(math.MaxUint64, time.Microsecond)
	clock.Advance(time.Millisecond)
	row.updateRate(math.MaxUint64, time.Microsecond)
	clock.Advance(time.Millisecond)

	assert.Panics(t, func() { row.updateRate(math.MaxUint64, time.Microsecond) })
}

func TestReservationTogglePartitioned(t *testing.T) {
	table := newTestTable(newFakeChain(nil, 0), nil, 2, 8, time.Minute, nil)
	donor, donee := table.Rows()[0], table.Rows()[1]

	_, targets := makeBlocks(4, 1)
	for _, target := range targets {
		donor.Insert(target.Hash, target.Height)
	}
	donor.Request(true) // clear pending

	require.False(t, donor.TogglePartitioned())

	require.True(t, donor.partition(donee))
	assert.True(t, donor.TogglePartitioned())
	assert.True(t, donor.Pending(), "toggled donor re-requests its remainder")
	assert.False(t, donor.TogglePartitioned(), "flag is cleared by the toggle")
}

// A failed chain update hands the target back to the table for reissue.
func TestReservationImportFailureRequeues(t *testing.T) {
	clock := newTestClock()
	chain := newFakeChain(clock, 100*time.Microsecond)
	blocks, targets := makeBlocks(2, 1)
	chain.refuse[2] = true

	table := newTestTable(chain, targets, 1, 8, time.Minute, clock)
	row := table.Rows()[0]
	table.Populate(row)

	row.Import(table.Chain(), blocks[1])

	assert.Equal(t, 1, row.Size(), "refused target leaves the reservation")
	assert.True(t, row.Idle(), "no rate sample for a refused block")

	// The refused target is queued again, so draining the reservation's
	// remaining work pulls it back in.
	chain.refuse = map[uint64]bool{}
	row.Import(table.Chain(), blocks[0])
	assert.Equal(t, 1, row.Size(), "repopulated with the requeued target")
	assert.True(t, row.owns(targets[1].Hash))
}

func (r *Reservation) historySnapshot() []importRecord {
	r.historyMtx.Lock()
	defer r.historyMtx.Unlock()
	history := make([]importRecord, len(r.history))
	copy(history, r.history)
	return history
}
