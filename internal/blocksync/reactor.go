package blocksync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cobaltbit/cobalt/libs/log"
	"github.com/cobaltbit/cobalt/libs/service"
	"github.com/cobaltbit/cobalt/types"
)

// ErrNotRunning is returned when a peer attaches to a stopped reactor.
var ErrNotRunning = errors.New("block sync reactor is not running")

// Channel is the network collaborator for one peer: it transmits request
// packets and can be torn down when the peer is evicted. The wire protocol
// behind it is out of this package's scope.
type Channel interface {
	Send(packet types.GetData) error
	Stop()
}

// Reactor drives the reservations table: it attaches peer channels as
// sessions, runs the periodic prune that drops rate outliers, and wakes
// partition donors so they re-request their remaining targets.
type Reactor struct {
	service.BaseService

	logger        log.Logger
	table         *Reservations
	pruneInterval time.Duration

	mtx      sync.Mutex
	sessions map[uint64]*Session
}

// NewReactor wires a reactor around an existing table.
func NewReactor(logger log.Logger, table *Reservations, pruneInterval time.Duration) *Reactor {
	r := &Reactor{
		logger:        logger,
		table:         table,
		pruneInterval: pruneInterval,
		sessions:      make(map[uint64]*Session),
	}
	r.BaseService = *service.NewBaseService(logger, "Reactor", r)
	return r
}

// Table exposes the reservations table, mainly to tests and the node.
func (r *Reactor) Table() *Reservations { return r.table }

// OnStart implements service.Implementation.
func (r *Reactor) OnStart(ctx context.Context) error {
	go r.pruneRoutine(ctx)
	return nil
}

// OnStop implements service.Implementation.
func (r *Reactor) OnStop() {
	for _, session := range r.snapshotSessions() {
		session.close(true)
	}
}

func (r *Reactor) pruneRoutine(ctx context.Context) {
	ticker := time.NewTicker(r.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.prune()
			r.wakePartitioned()
		}
	}
}

// prune drops rate outliers: the table stops the reservations, and the
// reactor tears down the matching channels.
func (r *Reactor) prune() {
	for _, slot := range r.table.Prune() {
		r.mtx.Lock()
		session := r.sessions[slot]
		delete(r.sessions, slot)
		r.mtx.Unlock()

		if session == nil {
			continue
		}
		r.table.Remove(session.reservation)
		session.channel.Stop()
	}
}

// wakePartitioned re-requests on behalf of donors that just gave away half
// their targets, so they don't sit on a stale request packet.
func (r *Reactor) wakePartitioned() {
	for _, session := range r.snapshotSessions() {
		if session.reservation.TogglePartitioned() {
			session.sendRequest(false)
		}
	}
}

func (r *Reactor) snapshotSessions() []*Session {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// AttachPeer binds a channel to a free reservation (creating one if every
// row is taken), populates it, and transmits the initial request.
func (r *Reactor) AttachPeer(channel Channel) (*Session, error) {
	if !r.IsRunning() {
		return nil, ErrNotRunning
	}

	reservation := r.bind()
	reservation.Start()

	session := &Session{
		reactor:     r,
		table:       r.table,
		reservation: reservation,
		channel:     channel,
		logger:      r.logger.With("slot", reservation.Slot()),
	}

	r.mtx.Lock()
	r.sessions[reservation.Slot()] = session
	r.mtx.Unlock()

	r.table.Populate(reservation)
	session.sendRequest(true)

	return session, nil
}

// bind picks a reservation no session owns, preferring the table's
// pre-created rows over growing the fleet.
func (r *Reactor) bind() *Reservation {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	for _, row := range r.table.Rows() {
		if _, bound := r.sessions[row.Slot()]; !bound {
			return row
		}
	}
	return r.table.Attach()
}

// detach removes a session's bookkeeping. stopChannel distinguishes an
// eviction initiated by us from a disconnect initiated by the peer.
func (r *Reactor) detach(session *Session, stopChannel bool) {
	r.mtx.Lock()
	delete(r.sessions, session.reservation.Slot())
	r.mtx.Unlock()

	session.reservation.Stop()
	r.table.Remove(session.reservation)
	if stopChannel {
		session.channel.Stop()
	}
}

// Session is one peer channel's view of the scheduler. The network layer
// calls Deliver for each solicited block and Detach when the peer goes
// away.
type Session struct {
	reactor     *Reactor
	table       *Reservations
	reservation *Reservation
	channel     Channel
	logger      log.Logger
}

// Slot returns the slot of the session's reservation.
func (s *Session) Slot() uint64 { return s.reservation.Slot() }

// Deliver imports a received block and, if the import freed or refilled
// the reservation, transmits the next request.
func (s *Session) Deliver(block *types.Block) {
	s.table.ImportTo(s.reservation, block)

	// Import repopulates an emptied reservation; materialize whatever is
	// now pending into the next request.
	s.sendRequest(false)
}

// Detach releases the session after a peer disconnect.
func (s *Session) Detach() {
	s.reactor.detach(s, false)
}

func (s *Session) sendRequest(newChannel bool) {
	packet := s.reservation.Request(newChannel)
	if packet.Empty() {
		return
	}
	if err := s.channel.Send(packet); err != nil {
		s.logger.Error("failed to send block request", "err", err)
	}
}

func (s *Session) close(stopChannel bool) {
	s.reactor.detach(s, stopChannel)
}
