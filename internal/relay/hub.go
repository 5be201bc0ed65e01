// Package relay routes signals between the connections joined to a room.
//
// Each room is owned by one goroutine that holds the room's membership and the
// buffers of signals for recipients that have not joined yet. Connections talk
// to a room only through its inbox, so no room state is shared between
// goroutines. The Hub's own lock guards the room index and every inbox send.
package relay

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossy-p/mesh-signaling/internal/metrics"
	"github.com/mossy-p/mesh-signaling/internal/models"
)

// DefaultBufferCap is how many signals are held per absent recipient.
const DefaultBufferCap = 50

// DefaultMaxPending is how many absent recipients a room buffers for at once.
const DefaultMaxPending = 64

const (
	inboxSize       = 256
	presenceQueue   = 1024
	presenceTimeout = 2 * time.Second
)

var ErrNotJoined = errors.New("sender has not joined the room")

// Member is one client connection able to receive encoded envelopes.
type Member interface {
	// ID identifies the connection, not the peer.
	ID() string
	// Deliver queues msg without blocking and reports whether it was accepted.
	Deliver(msg []byte) bool
}

// Presence mirrors room membership to an external store.
type Presence interface {
	AddPeer(ctx context.Context, roomID, peerID string) error
	RemovePeer(ctx context.Context, roomID, peerID string) error
}

type Options struct {
	// BufferCap bounds each recipient buffer; the oldest signal goes first.
	BufferCap int
	// MaxPending bounds how many absent recipients one room buffers for.
	// Signals for further recipients are dropped.
	MaxPending int
}

type presenceOp struct {
	roomID, peerID string
	present        bool
}

// Hub tracks the rooms that currently have joined connections.
type Hub struct {
	opts     Options
	metrics  *metrics.Relay
	presence Presence
	logger   zerolog.Logger

	mu    sync.Mutex
	rooms map[string]*room

	presenceOps chan presenceOp
	closed      chan struct{}
	closeOnce   sync.Once
}

// NewHub creates an empty hub. presence may be nil.
func NewHub(opts Options, m *metrics.Relay, presence Presence, logger zerolog.Logger) *Hub {
	if opts.BufferCap <= 0 {
		opts.BufferCap = DefaultBufferCap
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	h := &Hub{
		opts:     opts,
		metrics:  m,
		presence: presence,
		logger:   logger.With().Str("component", "relay").Logger(),
		rooms:    make(map[string]*room),
		closed:   make(chan struct{}),
	}
	if presence != nil {
		h.presenceOps = make(chan presenceOp, presenceQueue)
		go h.runPresence()
	}
	return h
}

// Join registers member as peerID's delivery target in roomID, sends it the
// room-joined acknowledgement and then every signal buffered for peerID in
// arrival order. Join returns once all of that has been queued on member.
func (h *Hub) Join(roomID, peerID string, member Member) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		r = newRoom(roomID, h)
		h.rooms[roomID] = r
		h.metrics.Rooms.Inc()
		go r.run()
		h.logger.Info().Str("room", roomID).Msg("created room")
	}
	r.refs++
	done := make(chan struct{})
	r.inbox <- func() {
		r.join(peerID, member)
		close(done)
	}
	h.mu.Unlock()
	<-done
}

// Leave removes peerID from roomID if member is still its delivery target.
// When the last connection leaves, the room and its buffers are discarded.
func (h *Hub) Leave(roomID, peerID string, member Member) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return
	}
	r.refs--
	done := make(chan struct{})
	r.inbox <- func() {
		r.leave(peerID, member)
		close(done)
	}
	if r.refs == 0 {
		delete(h.rooms, roomID)
		close(r.inbox)
		h.metrics.Rooms.Dec()
		h.logger.Info().Str("room", roomID).Msg("removed empty room")
	}
	h.mu.Unlock()
	<-done
}

// Relay routes sig to its recipient, or buffers it when the recipient has not
// joined. It does not wait for delivery.
func (h *Hub) Relay(sig models.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[sig.RoomID]
	if !ok {
		return ErrNotJoined
	}
	r.inbox <- func() { r.route(sig) }
	return nil
}

// Members lists the peers present in roomID, sorted.
func (h *Hub) Members(roomID string) []string {
	reply := make(chan []string, 1)
	if !h.query(roomID, func(r *room) { reply <- r.memberIDs() }) {
		return nil
	}
	return <-reply
}

// Buffered returns how many signals are held for peerID in roomID.
func (h *Hub) Buffered(roomID, peerID string) int {
	reply := make(chan int, 1)
	if !h.query(roomID, func(r *room) { reply <- len(r.buffers[peerID]) }) {
		return 0
	}
	return <-reply
}

// Rooms returns the number of live rooms.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) query(roomID string, fn func(*room)) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if !ok {
		return false
	}
	r.inbox <- func() { fn(r) }
	return true
}

// Close stops every room goroutine and the presence mirror. Joined
// connections are not notified.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.closed) })
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, r := range h.rooms {
		close(r.inbox)
		delete(h.rooms, id)
		h.metrics.Rooms.Dec()
	}
}

// mirrorPresence queues a presence update. Updates reach the store in the
// order rooms issue them, so a leave followed by a rejoin ends present.
func (h *Hub) mirrorPresence(roomID, peerID string, present bool) {
	if h.presenceOps == nil {
		return
	}
	select {
	case h.presenceOps <- presenceOp{roomID: roomID, peerID: peerID, present: present}:
	case <-h.closed:
	}
}

func (h *Hub) runPresence() {
	for {
		select {
		case op := <-h.presenceOps:
			h.applyPresence(op)
		case <-h.closed:
			return
		}
	}
}

func (h *Hub) applyPresence(op presenceOp) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	var err error
	if op.present {
		err = h.presence.AddPeer(ctx, op.roomID, op.peerID)
	} else {
		err = h.presence.RemovePeer(ctx, op.roomID, op.peerID)
	}
	if err != nil {
		h.logger.Warn().Err(err).Str("room", op.roomID).Str("peer", op.peerID).Msg("failed to mirror presence")
	}
}

// room state is only touched by the room's run goroutine, except refs and
// inbox which belong to the Hub lock.
type room struct {
	id  string
	hub *Hub

	refs  int
	inbox chan func()

	members map[string]Member
	buffers map[string][]models.Signal
}

func newRoom(id string, hub *Hub) *room {
	return &room{
		id:      id,
		hub:     hub,
		inbox:   make(chan func(), inboxSize),
		members: make(map[string]Member),
		buffers: make(map[string][]models.Signal),
	}
}

func (r *room) run() {
	for fn := range r.inbox {
		fn()
	}
	r.hub.metrics.Members.Sub(float64(len(r.members)))
}

func (r *room) join(peerID string, member Member) {
	log := r.hub.logger.With().Str("room", r.id).Str("peer", peerID).Str("conn", member.ID()).Logger()

	if previous, ok := r.members[peerID]; ok {
		if previous.ID() != member.ID() {
			log.Info().Str("previous_conn", previous.ID()).Msg("peer rejoined from a new connection")
		}
	} else {
		r.hub.metrics.Members.Inc()
	}
	r.members[peerID] = member
	r.hub.mirrorPresence(r.id, peerID, true)

	ack, err := models.EncodeEnvelope(models.EventRoomJoined, models.RoomPresence{RoomID: r.id, PlayerID: peerID})
	if err != nil {
		log.Error().Err(err).Msg("failed to encode join acknowledgement")
		return
	}
	member.Deliver(ack)

	buffered := r.buffers[peerID]
	delete(r.buffers, peerID)
	for _, sig := range buffered {
		r.deliver(member, sig)
	}
	if len(buffered) > 0 {
		r.hub.metrics.Flushed.Add(float64(len(buffered)))
		log.Info().Int("signals", len(buffered)).Msg("flushed buffered signals")
	}
	log.Info().Int("members", len(r.members)).Msg("peer joined room")
}

func (r *room) leave(peerID string, member Member) {
	current, ok := r.members[peerID]
	if !ok || current.ID() != member.ID() {
		return
	}
	delete(r.members, peerID)
	r.hub.metrics.Members.Dec()
	r.hub.mirrorPresence(r.id, peerID, false)

	if len(r.members) == 0 && len(r.buffers) > 0 {
		r.buffers = make(map[string][]models.Signal)
	}
	r.hub.logger.Info().Str("room", r.id).Str("peer", peerID).Int("members", len(r.members)).Msg("peer left room")
}

func (r *room) route(sig models.Signal) {
	if member, ok := r.members[sig.To]; ok {
		if r.deliver(member, sig) {
			r.hub.metrics.Delivered.Inc()
		}
		return
	}

	pending, ok := r.buffers[sig.To]
	if !ok && len(r.buffers) >= r.hub.opts.MaxPending {
		r.hub.metrics.Dropped.Inc()
		r.hub.logger.Warn().Str("room", r.id).Str("peer", sig.To).Int("pending", len(r.buffers)).
			Msg("too many absent recipients, dropping signal")
		return
	}
	queue := append(pending, sig)
	if overflow := len(queue) - r.hub.opts.BufferCap; overflow > 0 {
		queue = append([]models.Signal(nil), queue[overflow:]...)
		r.hub.metrics.Evicted.Add(float64(overflow))
	}
	r.buffers[sig.To] = queue
	r.hub.metrics.Buffered.Inc()
}

func (r *room) deliver(member Member, sig models.Signal) bool {
	msg, err := models.EncodeEnvelope(models.EventWebRTCSignal, sig)
	if err != nil {
		r.hub.logger.Error().Err(err).Msg("failed to encode signal")
		return false
	}
	if !member.Deliver(msg) {
		r.hub.metrics.Dropped.Inc()
		r.hub.logger.Warn().Str("room", r.id).Str("peer", sig.To).Msg("send queue full, dropping signal")
		return false
	}
	return true
}

func (r *room) memberIDs() []string {
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
