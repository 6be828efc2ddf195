package blocksync

import (
	"math"
	"sync"
	"time"

	"github.com/cobaltbit/cobalt/libs/log"
	"github.com/cobaltbit/cobalt/types"
)

// Statistics summarizes the fleet's published rates.
type Statistics struct {
	Mean        float64
	StdDev      float64
	ActiveCount int
}

// Reservations is the fleet-wide allocator: the set of per-peer
// reservations plus the pool of unassigned targets. It hands out work,
// rebalances it across heterogeneous peers, computes fleet statistics and
// decides when a channel is slow enough to drop.
//
// The table mutex serializes populate, row insertion/removal and queue
// drain, and is always acquired before any per-reservation lock. Prune
// takes it only to drain each stopped row; it is not held while rates are
// evaluated, so two concurrent Prune calls are not serialized.
type Reservations struct {
	logger  log.Logger
	metrics *Metrics
	chain   Chain

	mtx      sync.Mutex
	rows     []*Reservation
	hashes   []Target
	source   HashSource
	nextSlot uint64

	maxRequest int
	rateWindow time.Duration
}

// NewReservations creates a table with peerCount empty reservations and
// drains the initial targets into the unassigned queue. maxRequest caps
// the targets reserved to one peer; the rate window of every reservation
// is minimumHistory times the expected per-block latency.
func NewReservations(
	logger log.Logger,
	metrics *Metrics,
	chain Chain,
	source HashSource,
	peerCount int,
	maxRequest int,
	blockLatency time.Duration,
) *Reservations {
	t := &Reservations{
		logger:     logger,
		metrics:    metrics,
		chain:      chain,
		source:     source,
		maxRequest: maxRequest,
		rateWindow: minimumHistory * blockLatency,
	}

	for i := 0; i < peerCount; i++ {
		t.rows = append(t.rows, newReservation(t, t.nextSlot, t.rateWindow))
		t.nextSlot++
	}

	// Seed the queue so early populate calls do not hit the source one
	// target at a time.
	t.reserve(peerCount * maxRequest)

	return t
}

// reserve pulls up to count targets from the source into the unassigned
// queue. The caller must not hold the table mutex.
func (t *Reservations) reserve(count int) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	for i := 0; i < count; i++ {
		target, ok := t.source.Next()
		if !ok {
			return
		}
		t.hashes = append(t.hashes, target)
	}
}

// Chain returns the storage collaborator blocks are committed to.
func (t *Reservations) Chain() Chain { return t.chain }

// Rows returns a snapshot of the current reservations.
func (t *Reservations) Rows() []*Reservation {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	rows := make([]*Reservation, len(t.rows))
	copy(rows, t.rows)
	return rows
}

// Attach creates a reservation for a newly connected channel, with a slot
// never used before in this table.
func (t *Reservations) Attach() *Reservation {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	row := newReservation(t, t.nextSlot, t.rateWindow)
	t.nextSlot++
	t.rows = append(t.rows, row)
	return row
}

// Remove deletes a reservation from the table and returns its assigned
// targets to the unassigned queue. Remaining slots retain their identity.
// Called when a peer disconnects.
func (t *Reservations) Remove(r *Reservation) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	for i, row := range t.rows {
		if row == r {
			t.rows = append(t.rows[:i], t.rows[i+1:]...)
			break
		}
	}
	t.drain(r)
}

// drain moves a reservation's assigned targets back to the front of the
// unassigned queue, lowest heights first. The caller must hold the table
// mutex.
func (t *Reservations) drain(r *Reservation) {
	targets := r.takeAll()
	if len(targets) == 0 {
		return
	}
	t.hashes = append(targets, t.hashes...)
}

// requeue returns a single target to the front of the unassigned queue.
// Used when the chain refuses a block so the target is reissued instead
// of stranded.
func (t *Reservations) requeue(target Target) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	t.hashes = append([]Target{target}, t.hashes...)
}

// Rates computes the fleet statistics over all reservations with a
// published rate. The standard deviation is zero with fewer than two
// active rows.
func (t *Reservations) Rates() Statistics {
	rows := t.Rows()

	normals := make([]float64, 0, len(rows))
	for _, row := range rows {
		record := row.Rate()
		if record.Idle {
			continue
		}
		normals = append(normals, record.Normal())
	}

	active := len(normals)
	if active == 0 {
		t.publishStatistics(Statistics{})
		return Statistics{}
	}

	var sum float64
	for _, normal := range normals {
		sum += normal
	}
	mean := sum / float64(active)

	var deviations float64
	if active > 1 {
		for _, normal := range normals {
			difference := normal - mean
			deviations += difference * difference
		}
		deviations = math.Sqrt(deviations / float64(active))
	}

	statistics := Statistics{Mean: mean, StdDev: deviations, ActiveCount: active}
	t.publishStatistics(statistics)
	return statistics
}

func (t *Reservations) publishStatistics(statistics Statistics) {
	t.metrics.FleetMean.Set(statistics.Mean)
	t.metrics.FleetStdDev.Set(statistics.StdDev)
	t.metrics.ActivePeers.Set(float64(statistics.ActiveCount))
}

// Populate refills a reservation from the unassigned queue, pulling from
// the source once the queue runs dry. If no targets remain anywhere, the
// reservation is cut in on the richest current row's work instead, so
// even slow incumbents yield to new capacity.
func (t *Reservations) Populate(r *Reservation) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if r.Stopped() {
		return
	}

	inserted := 0
	for r.Size() < t.maxRequest {
		target, ok := t.nextTarget()
		if !ok {
			break
		}
		r.Insert(target.Hash, target.Height)
		inserted++
	}

	if inserted != 0 {
		t.logger.Debug("populated reservation", "slot", r.Slot(), "count", inserted)
		return
	}

	if !r.Empty() {
		return
	}

	if maximal := t.maximal(r); maximal != nil {
		maximal.partition(r)
	}
}

// nextTarget pops the queue head, falling back to the source. The caller
// must hold the table mutex.
func (t *Reservations) nextTarget() (Target, bool) {
	if len(t.hashes) != 0 {
		target := t.hashes[0]
		t.hashes = t.hashes[1:]
		return target, true
	}
	return t.source.Next()
}

// maximal returns the running reservation with the most assigned targets,
// excluding the given row. The caller must hold the table mutex.
func (t *Reservations) maximal(except *Reservation) *Reservation {
	var best *Reservation
	bestSize := 0
	for _, row := range t.rows {
		if row == except || row.Stopped() {
			continue
		}
		if size := row.Size(); size > bestSize {
			best = row
			bestSize = size
		}
	}
	return best
}

// Prune stops every active reservation whose rate is an outlier below the
// fleet mean, drains its targets back to the queue, and returns the
// stopped slots so the session layer can tear down the channels. Called
// periodically.
func (t *Reservations) Prune() []uint64 {
	rows := t.Rows()

	var stopped []uint64
	for _, row := range rows {
		// A row without a published rate cannot be judged an outlier.
		if row.Stopped() || row.Idle() {
			continue
		}
		if !row.Expired() {
			continue
		}

		row.Stop()
		t.metrics.PeersEvicted.Add(1)
		t.logger.Info("dropping slow channel", "slot", row.Slot())
		stopped = append(stopped, row.Slot())

		t.mtx.Lock()
		t.drain(row)
		t.mtx.Unlock()
	}

	return stopped
}

// ImportTo delivers a block to the reservation that solicited it. This is
// the fast path used by a session holding its own reservation.
func (t *Reservations) ImportTo(r *Reservation, block *types.Block) {
	r.Import(t.chain, block)
}

// Import routes a block to whichever reservation currently owns its hash.
// A block no reservation owns is logged and dropped.
func (t *Reservations) Import(block *types.Block) {
	hash := block.Header.Hash()

	for _, row := range t.Rows() {
		if row.owns(hash) {
			row.Import(t.chain, block)
			return
		}
	}

	t.logger.Debug("dropping unsolicited block", "hash", hash)
	t.metrics.UnsolicitedBlocks.Add(1)
}

// QueueLen returns the number of unassigned targets currently queued.
func (t *Reservations) QueueLen() int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return len(t.hashes)
}
