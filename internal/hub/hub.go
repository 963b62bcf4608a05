// Package hub owns every live connection on this process and runs the
// single-threaded loop all shared state is mutated from. Handlers for
// different connections interleave cooperatively on one goroutine;
// anything that blocks (entitlement lookups, persistence) runs as a
// detached task whose completion posts a message back into the inbox.
// There are no locks anywhere behind the loop.
package hub

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openscore/darts-live-backend/internal/camera"
	"github.com/openscore/darts-live-backend/internal/entitlement"
	"github.com/openscore/darts-live-backend/internal/lobby"
	"github.com/openscore/darts-live-backend/internal/moderation"
	"github.com/openscore/darts-live-backend/internal/presence"
	"github.com/openscore/darts-live-backend/internal/protocol"
	"github.com/openscore/darts-live-backend/internal/ratelimit"
	"github.com/openscore/darts-live-backend/internal/room"
	"github.com/openscore/darts-live-backend/internal/store"
	"github.com/openscore/darts-live-backend/internal/tourney"
)

const (
	// MaxFrameBytes is the inbound frame cap. Larger payloads are abuse
	// and are dropped without an error frame.
	MaxFrameBytes = 128 << 10

	// Token bucket per connection.
	bucketCapacity = 20
	bucketRefill   = 10 // tokens per second

	heartbeatInterval = 30 * time.Second
	sweepInterval     = 30 * time.Second

	outboxSize = 32
)

type Msg interface{ isHubMsg() }

// Register adds a fresh connection and replies with it.
type Register struct{ Reply chan *Conn }

// Unregister runs the full close cleanup for a connection.
type Unregister struct{ ConnID string }

// Inbound is one raw frame read from a connection's socket.
type Inbound struct {
	ConnID string
	Data   []byte
}

// Pong marks a connection alive for the current heartbeat cycle.
type Pong struct{ ConnID string }

// TournamentTick asks the hub to run the tournament evaluator.
type TournamentTick struct{}

// Shutdown stops the loop and closes every connection.
type Shutdown struct{}

// GetState reflects internal state without data races; tests only.
type GetState struct{ Reply chan View }

type View struct {
	NumConns int
	Rooms    []string
}

// entitlementChecked resumes a premium-gated command once the external
// lookup finishes.
type entitlementChecked struct {
	ConnID  string
	Profile entitlement.Profile
	Err     error
	Resume  resumeKind
	Create  protocol.CreateMatch
	ToEmail string // friend match target, empty otherwise
	OfferID string // pending join, empty otherwise
	Calib   bool
}

type resumeKind int

const (
	resumeCreate resumeKind = iota
	resumeJoin
	resumeFriend
)

func (Register) isHubMsg()           {}
func (Unregister) isHubMsg()         {}
func (Inbound) isHubMsg()            {}
func (Pong) isHubMsg()               {}
func (TournamentTick) isHubMsg()     {}
func (Shutdown) isHubMsg()           {}
func (GetState) isHubMsg()           {}
func (entitlementChecked) isHubMsg() {}

// Persister is the slice of the persistence service the hub needs.
type Persister interface {
	SaveTournament(tourney.Tournament) error
	DeleteTournament(id string) error
}

type Hub struct {
	inbox chan Msg
	conns map[string]*Conn

	rooms       *room.Registry
	store       *store.Store
	presence    *presence.Directory
	lobby       *lobby.Lobby
	camera      *camera.Relay
	tournaments *tourney.Service

	checker entitlement.Checker
	filter  moderation.Filter
	persist Persister // nil disables durable writes

	log    *zap.Logger
	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc

	heartbeatEvery time.Duration
	sweepEvery     time.Duration
}

func NewHub(parent context.Context, log *zap.Logger, st *store.Store, checker entitlement.Checker, filter moderation.Filter, persist Persister) *Hub {
	return newHub(parent, log, st, checker, filter, persist, heartbeatInterval, sweepInterval)
}

// newHub takes the tick intervals so tests can compress time.
func newHub(parent context.Context, log *zap.Logger, st *store.Store, checker entitlement.Checker, filter moderation.Filter, persist Persister, heartbeatEvery, sweepEvery time.Duration) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:          make(chan Msg, 256),
		conns:          make(map[string]*Conn),
		rooms:          room.NewRegistry(),
		store:          st,
		presence:       presence.NewDirectory(st),
		lobby:          lobby.NewLobby(st),
		camera:         camera.NewRelay(st),
		tournaments:    tourney.NewService(st),
		checker:        checker,
		filter:         filter,
		persist:        persist,
		log:            log,
		now:            time.Now,
		ctx:            ctx,
		cancel:         cancel,
		heartbeatEvery: heartbeatEvery,
		sweepEvery:     sweepEvery,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- Msg { return h.inbox }

func (h *Hub) loop() {
	heartbeat := time.NewTicker(h.heartbeatEvery)
	sweep := time.NewTicker(h.sweepEvery)
	defer heartbeat.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case <-heartbeat.C:
			h.heartbeat()

		case <-sweep.C:
			h.store.SweepExpired()

		case env := <-h.store.Events():
			h.handleReplicated(env)

		case m := <-h.inbox:
			switch msg := m.(type) {
			case Register:
				msg.Reply <- h.register()
			case Unregister:
				h.unregister(msg.ConnID)
			case Inbound:
				h.handleInbound(msg.ConnID, msg.Data)
			case Pong:
				if c, ok := h.conns[msg.ConnID]; ok {
					c.alive = true
				}
			case TournamentTick:
				h.evaluateTournaments()
			case entitlementChecked:
				h.resumeChecked(msg)
			case GetState:
				msg.Reply <- View{NumConns: len(h.conns), Rooms: h.rooms.Rooms()}
			case createTournament:
				h.handleCreateTournament(msg)
			case joinTournament:
				h.handleJoinTournament(msg)
			case setTournamentWinner:
				h.handleSetWinner(msg)
			case deleteTournament:
				h.handleDeleteTournament(msg)
			case listTournaments:
				msg.Reply <- h.tournaments.List()
			case listMatches:
				msg.Reply <- h.lobby.Open()
			case Shutdown:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) register() *Conn {
	c := &Conn{
		ID:      uuid.NewString(),
		Outbox:  make(chan []byte, outboxSize),
		PingReq: make(chan struct{}, 1),
		alive:   true,
		bucket:  ratelimit.NewBucket(bucketCapacity, bucketRefill, h.now()),
	}
	h.conns[c.ID] = c
	h.log.Debug("connection registered", zap.String("conn", c.ID))
	return c
}

// unregister is the close cleanup path: room leave, offer cleanup,
// camera cleanup, then the presence offline transition guarded by
// record ownership.
func (h *Hub) unregister(connID string) {
	c, ok := h.conns[connID]
	if !ok {
		return
	}
	delete(h.conns, connID)
	h.closeConn(c)

	if roomID, ok := h.rooms.Leave(connID); ok {
		h.broadcastRoom(roomID, protocol.PeerLeft(roomID, connID), connID)
	}

	if removed := h.lobby.RemoveByCreatorConn(connID); len(removed) > 0 {
		h.broadcastMatches()
	}

	h.camera.CleanupConn(connID)

	if c.email != "" {
		if h.presence.Disconnect(connID, c.email) {
			if rec, ok := h.presence.Get(c.email); ok {
				h.broadcastAll(protocol.PresenceUpdate(rec))
			}
		}
	}
	h.log.Debug("connection unregistered", zap.String("conn", connID))
}

// heartbeat force-closes connections that missed the previous cycle's
// pong, then clears the liveness flag and pings everyone again.
func (h *Hub) heartbeat() {
	for id, c := range h.conns {
		if !c.alive {
			h.log.Info("heartbeat timeout, terminating", zap.String("conn", id))
			h.unregister(id)
			continue
		}
		c.alive = false
		select {
		case c.PingReq <- struct{}{}:
		default:
		}
	}
}

// send delivers a frame to a local connection, dropping the connection
// if its outbox is full. Slow consumers do not get to stall the loop.
func (h *Hub) send(connID string, payload []byte) {
	c, ok := h.conns[connID]
	if !ok || c.closed {
		return
	}
	select {
	case c.Outbox <- payload:
	default:
		h.log.Warn("outbox full, dropping connection", zap.String("conn", connID))
		h.unregister(connID)
	}
}

// deliver routes a frame to a connection wherever it lives: directly if
// local, as a directed envelope over the replication channel otherwise.
func (h *Hub) deliver(connID string, payload []byte) {
	if _, ok := h.conns[connID]; ok {
		h.send(connID, payload)
		return
	}
	h.store.SendDirected(connID, payload)
}

func (h *Hub) broadcastAll(payload []byte) {
	for id := range h.conns {
		h.send(id, payload)
	}
}

func (h *Hub) broadcastRoom(roomID string, payload []byte, except string) {
	h.rooms.Broadcast(roomID, payload, except, h.send)
}

// broadcastMatches refreshes every local client's open-offers list. The
// remote processes refresh themselves when the offers envelope reaches
// them.
func (h *Hub) broadcastMatches() {
	h.broadcastAll(protocol.Matches(h.lobby.Open()))
}

func (h *Hub) broadcastTournaments() {
	h.broadcastAll(protocol.Tournaments(h.tournaments.List()))
}

// handleReplicated merges an envelope from another process and forwards
// whatever it implies for locally held connections.
func (h *Hub) handleReplicated(env store.Envelope) {
	if env.Directed() {
		if env.Target == store.BroadcastTarget {
			h.broadcastAll(env.Value)
			return
		}
		if _, ok := h.conns[env.Target]; ok {
			h.send(env.Target, env.Value)
		}
		return
	}

	if !h.store.Apply(env) {
		return
	}
	switch env.Namespace {
	case store.NSOffers:
		h.broadcastMatches()
	case store.NSTournaments:
		h.broadcastTournaments()
	case store.NSPresence:
		h.broadcastAll(protocol.PresenceUpdate(env.Value))
	}
}

// evaluateTournaments runs the time-window transitions and fans the
// resulting notices out to every process.
func (h *Hub) evaluateTournaments() {
	for _, n := range h.tournaments.Evaluate() {
		var payload []byte
		switch n.Kind {
		case tourney.NoticeReminder:
			payload = protocol.TournamentReminder(n.Tournament)
		case tourney.NoticeStart:
			payload = protocol.TournamentStart(n.Tournament)
		}
		h.broadcastAll(payload)
		h.store.SendBroadcast(payload)
		h.persistTournament(n.Tournament)
	}
}

func (h *Hub) persistTournament(t tourney.Tournament) {
	if h.persist == nil {
		return
	}
	go func() {
		if err := h.persist.SaveTournament(t); err != nil {
			h.log.Error("tournament persistence failed", zap.String("id", t.ID), zap.Error(err))
		}
	}()
}

func (h *Hub) closeConn(c *Conn) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.Outbox)
}

func (h *Hub) shutdown() {
	for id, c := range h.conns {
		h.closeConn(c)
		delete(h.conns, id)
	}
	h.cancel()
}
