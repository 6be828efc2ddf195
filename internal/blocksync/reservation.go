package blocksync

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cobaltbit/cobalt/libs/log"
	tmmath "github.com/cobaltbit/cobalt/libs/math"
	"github.com/cobaltbit/cobalt/types"
)

// The allowed number of standard deviations below the norm.
// With 1 channel this multiple is irrelevant, no channels are dropped.
// With 2 channels a < 1.0 multiple will drop a channel on every test.
// With 2 channels a 1.0 multiple will fluctuate based on rounding deviations.
// With 2 channels a > 1.0 multiple will prevent all channel drops.
// With 3+ channels the multiple determines allowed deviation from the norm.
const multiple = 1.01

// The minimum amount of block history required to publish a rate.
const minimumHistory = 3

const microPerSecond = 1000 * 1000

// Chain is the storage collaborator. Update commits a validated block at
// the given height and reports success. It is synchronous and may be slow.
type Chain interface {
	Update(block *types.Block, height uint64) bool
}

// importRecord is one timestamped history sample: how many events the
// sample covers and the database cost in microseconds.
type importRecord struct {
	events   uint64
	database uint64
	time     time.Time
}

// Reservation is one peer channel's assignment of block targets plus its
// rolling rate state. It is shared between the owning peer session, which
// requests and imports, and the reservations table, which populates,
// partitions and stops it. All exported methods are safe for concurrent
// use.
//
// Lock order within a reservation: hashMtx may be held across historyMtx
// acquisition, never the reverse; rateMtx is a leaf. The table mutex, when
// involved, is always acquired first.
type Reservation struct {
	logger  log.Logger
	metrics *Metrics
	table   *Reservations

	slot       uint64
	rateWindow time.Duration
	now        func() time.Time

	stopped uint32 // atomic

	rateMtx sync.RWMutex
	rate    Performance

	historyMtx sync.Mutex
	history    []importRecord

	// hashMtx guards the bidirectional hash<->height assignment and the
	// pending/partitioned flags. The two maps are mutated together and are
	// always consistent under the lock.
	hashMtx     sync.RWMutex
	pending     bool
	partitioned bool
	byHash      map[types.Hash]uint64
	byHeight    map[uint64]types.Hash
}

func newReservation(table *Reservations, slot uint64, rateWindow time.Duration) *Reservation {
	return &Reservation{
		logger:     table.logger.With("slot", slot),
		metrics:    table.metrics,
		table:      table,
		slot:       slot,
		rateWindow: rateWindow,
		now:        time.Now,
		rate:       Performance{Idle: true},
		pending:    true,
		byHash:     make(map[types.Hash]uint64),
		byHeight:   make(map[uint64]types.Hash),
	}
}

// Slot returns the reservation's stable identifier within the table.
func (r *Reservation) Slot() uint64 { return r.slot }

// RateWindow returns the span of the rolling rate window.
func (r *Reservation) RateWindow() time.Duration { return r.rateWindow }

// Pending reports whether targets have been inserted since the last
// request packet was handed out.
func (r *Reservation) Pending() bool {
	r.hashMtx.RLock()
	defer r.hashMtx.RUnlock()
	return r.pending
}

// SetPending overrides the pending flag.
func (r *Reservation) SetPending(value bool) {
	r.hashMtx.Lock()
	defer r.hashMtx.Unlock()
	r.pending = value
}

// Rate methods.
// ---------------------------------------------------------------------------

// Idle reports whether the reservation has no published rate.
func (r *Reservation) Idle() bool {
	r.rateMtx.RLock()
	defer r.rateMtx.RUnlock()
	return r.rate.Idle
}

// Rate returns a copy of the current performance snapshot.
func (r *Reservation) Rate() Performance {
	r.rateMtx.RLock()
	defer r.rateMtx.RUnlock()
	return r.rate
}

func (r *Reservation) setRate(rate Performance) {
	r.rateMtx.Lock()
	defer r.rateMtx.Unlock()
	r.rate = rate
}

// Reset publishes an idle rate and clears history. Assigned targets are
// left unchanged.
func (r *Reservation) Reset() {
	r.setRate(Performance{Idle: true})
	r.clearHistory()
}

func (r *Reservation) clearHistory() {
	r.historyMtx.Lock()
	defer r.historyMtx.Unlock()
	r.history = nil
}

// Expired reports whether this reservation's normal rate is an outlier
// below the fleet mean. Idleness is ignored here; the caller is expected
// to consult Expired only for active channels.
func (r *Reservation) Expired() bool {
	record := r.Rate()
	normalRate := record.Normal()
	statistics := r.table.Rates()
	deviation := normalRate - statistics.Mean
	absoluteDeviation := math.Abs(deviation)
	allowedDeviation := multiple * statistics.StdDev
	outlier := absoluteDeviation > allowedDeviation
	belowAverage := deviation < 0

	return belowAverage && outlier
}

// It is possible to get a rate update after idling and before starting
// anew. This can reduce the average during startup of the new channel.
func (r *Reservation) updateRate(events uint64, database time.Duration) {
	r.historyMtx.Lock()

	// A stopped reservation keeps an idle rate and an empty history, even
	// if an in-flight import completes after the stop.
	if r.Stopped() {
		r.historyMtx.Unlock()
		return
	}

	end := r.now()
	eventStart := end.Add(-database)
	cutoff := end.Add(-r.rateWindow)
	historyCount := len(r.history)

	// Remove expired entries from the head of the queue.
	trim := 0
	for trim < len(r.history) && r.history[trim].time.Before(cutoff) {
		trim++
	}
	r.history = r.history[trim:]

	windowFull := historyCount > len(r.history)
	r.history = append(r.history, importRecord{
		events:   events,
		database: tmmath.SafeConvertUint64(database.Microseconds()),
		time:     eventStart,
	})

	// The rate cannot be set until there is a full period of data points.
	if len(r.history) < minimumHistory {
		r.historyMtx.Unlock()
		return
	}

	// Summarize event count and database cost. Overflow is a contract
	// violation and panics in the checked adds.
	rate := Performance{}
	for _, record := range r.history {
		rate.Events = tmmath.SafeAddUint64(rate.Events, record.events)
		rate.Database = tmmath.SafeAddUint64(rate.Database, record.database)
	}

	// The window is clamped to the configured span once entries have been
	// evicted; before that it is the span covered by the oldest entry.
	window := r.rateWindow
	if !windowFull {
		window = end.Sub(r.history[0].time)
	}
	rate.Window = tmmath.SafeConvertUint64(window.Microseconds())

	r.historyMtx.Unlock()

	if windowFull {
		r.metrics.WindowFull.Add(1)
	}
	r.logger.Debug("rate records",
		"size", rate.Events,
		"time", float64(rate.Window)/microPerSecond,
		"cost", float64(rate.Database)/microPerSecond,
		"full", windowFull)

	// Update the rate cache.
	r.setRate(rate)
}

// Hash methods.
// ---------------------------------------------------------------------------

// Empty reports whether no targets are assigned.
func (r *Reservation) Empty() bool {
	r.hashMtx.RLock()
	defer r.hashMtx.RUnlock()
	return len(r.byHash) == 0
}

// Size returns the number of assigned targets.
func (r *Reservation) Size() int {
	r.hashMtx.RLock()
	defer r.hashMtx.RUnlock()
	return len(r.byHash)
}

// Start clears the stopped flag so the reservation accepts work again.
func (r *Reservation) Start() {
	atomic.StoreUint32(&r.stopped, 0)
}

// Stop is a one-way transition for the current channel: the reservation
// publishes an idle rate and clears its history. Assigned targets are not
// cleared here; the table drains them.
func (r *Reservation) Stop() {
	atomic.StoreUint32(&r.stopped, 1)
	r.Reset()
}

// Stopped reports whether Stop has been called since the last Start.
func (r *Reservation) Stopped() bool {
	return atomic.LoadUint32(&r.stopped) == 1
}

// Insert assigns a target to this reservation and marks it pending.
// Inserting a duplicate hash or height is a contract violation.
func (r *Reservation) Insert(hash types.Hash, height uint64) {
	r.hashMtx.Lock()
	defer r.hashMtx.Unlock()

	if _, ok := r.byHash[hash]; ok {
		panic(fmt.Sprintf("duplicate hash reserved to slot %d: %v", r.slot, hash))
	}
	if _, ok := r.byHeight[height]; ok {
		panic(fmt.Sprintf("duplicate height reserved to slot %d: %d", r.slot, height))
	}

	r.pending = true
	r.byHash[hash] = height
	r.byHeight[height] = hash
}

// Request obtains the outstanding blocks request. A new channel always
// receives the full assignment (and resets rate state first); an existing
// channel receives it only if the reservation is pending. Entries are
// ordered by ascending height.
func (r *Reservation) Request(newChannel bool) types.GetData {
	var packet types.GetData

	// We are a new channel, clear history and rate data, next block starts.
	if newChannel {
		r.Reset()
	}

	r.hashMtx.Lock()
	defer r.hashMtx.Unlock()

	if !newChannel && !r.pending {
		return packet
	}

	heights := r.sortedHeights()
	packet.Inventories = make([]types.Inventory, 0, len(heights))
	for _, height := range heights {
		packet.Inventories = append(packet.Inventories, types.Inventory{
			Type: types.InvTypeBlock,
			Hash: r.byHeight[height],
		})
	}

	r.pending = false
	return packet
}

// sortedHeights returns the assigned heights in ascending order. The
// caller must hold hashMtx.
func (r *Reservation) sortedHeights() []uint64 {
	heights := make([]uint64, 0, len(r.byHeight))
	for height := range r.byHeight {
		heights = append(heights, height)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return heights
}

// Import commits a solicited block to the chain, times the commit, feeds
// the measured cost into the rolling rate, and repopulates the reservation
// if it drained. An unsolicited block is logged and dropped; this is a
// benign race with partitioning and draining.
//
// The chain call is made without any reservation lock held.
func (r *Reservation) Import(chain Chain, block *types.Block) {
	hash := block.Header.Hash()

	height, ok := r.findHeightAndErase(hash)
	if !ok {
		r.logger.Debug("ignoring unsolicited block", "hash", hash)
		r.metrics.UnsolicitedBlocks.Add(1)
		return
	}

	// Do the block import with timer.
	start := r.now()
	success := chain.Update(block, height)
	cost := r.now().Sub(start)

	if success {
		r.updateRate(1, cost)
		r.metrics.BlocksImported.Add(1)
		r.metrics.ImportCostSeconds.Observe(cost.Seconds())

		record := r.Rate()
		r.logger.Info("imported block",
			"height", height,
			"hash", hash,
			"rate", record.Total()*microPerSecond,
			"database", fmt.Sprintf("%05.2f%%", record.Ratio()*100))
	} else {
		// The chain refused the block. The target was already erased, so
		// hand it back to the table for reissue rather than stranding it.
		r.metrics.ImportFailures.Add(1)
		r.logger.Error("chain refused block, requeueing", "height", height, "hash", hash)
		r.table.requeue(Target{Hash: hash, Height: height})
	}

	r.Populate()
}

// Populate asks the table to refill this reservation if it has drained.
// No reservation locks are held across the call; the table mutex is
// always acquired first.
func (r *Reservation) Populate() {
	if !r.Stopped() && r.Empty() {
		r.table.Populate(r)
	}
}

// TogglePartitioned clears the partitioned flag if set, marking the
// reservation pending so the channel requests its remaining targets, and
// reports whether it did so.
func (r *Reservation) TogglePartitioned() bool {
	r.hashMtx.Lock()
	defer r.hashMtx.Unlock()

	if r.partitioned {
		r.pending = true
		r.partitioned = false
		return true
	}

	return false
}

// partition gives the minimal row the lower half of this reservation's
// targets, rounded up so the donor never keeps more than the donee.
// Donating the lowest heights first preserves ingest ordering at the
// chain when a slow donor has been holding up low-height imports.
//
// Only the table calls partition, under the table mutex; that is what
// serializes concurrent partitions and makes the donor-then-donee lock
// acquisition safe.
func (r *Reservation) partition(minimal *Reservation) bool {
	if !minimal.Empty() {
		return true
	}

	r.hashMtx.Lock()
	minimal.hashMtx.Lock()

	// Take half of the maximal reservation, rounding up to get the last
	// entry.
	offset := (len(r.byHeight) + 1) / 2
	heights := r.sortedHeights()

	for _, height := range heights[:offset] {
		hash := r.byHeight[height]
		delete(r.byHeight, height)
		delete(r.byHash, hash)
		minimal.byHeight[height] = hash
		minimal.byHash[hash] = height
	}

	remaining := len(r.byHeight) != 0
	populated := len(minimal.byHeight) != 0
	r.partitioned = remaining
	minimal.pending = populated

	minimal.hashMtx.Unlock()
	r.hashMtx.Unlock()

	if !remaining {
		r.Reset()
	}

	if populated {
		r.metrics.Partitions.Add(1)
		r.logger.Debug("partitioned blocks",
			"moved", minimal.Size(),
			"to_slot", minimal.Slot(),
			"left", r.Size())
	}

	return populated
}

// owns reports whether the hash is currently assigned to this
// reservation.
func (r *Reservation) owns(hash types.Hash) bool {
	r.hashMtx.RLock()
	defer r.hashMtx.RUnlock()
	_, ok := r.byHash[hash]
	return ok
}

// findHeightAndErase removes the entry keyed by hash and returns its
// height.
func (r *Reservation) findHeightAndErase(hash types.Hash) (uint64, bool) {
	r.hashMtx.Lock()
	defer r.hashMtx.Unlock()

	height, ok := r.byHash[hash]
	if !ok {
		return 0, false
	}

	delete(r.byHash, hash)
	delete(r.byHeight, height)
	return height, true
}

// takeAll removes and returns every assigned target in ascending height
// order. Used by the table to drain a stopped or removed reservation.
func (r *Reservation) takeAll() []Target {
	r.hashMtx.Lock()
	defer r.hashMtx.Unlock()

	heights := r.sortedHeights()
	targets := make([]Target, 0, len(heights))
	for _, height := range heights {
		targets = append(targets, Target{Hash: r.byHeight[height], Height: height})
	}
	r.byHash = make(map[types.Hash]uint64)
	r.byHeight = make(map[uint64]types.Hash)
	return targets
}
