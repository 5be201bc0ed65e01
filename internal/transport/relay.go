package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/mossy-p/mesh-signaling/internal/models"
)

// Compile-time interface check.
var _ Transport = (*Relay)(nil)

const relayWriteWait = 10 * time.Second

// Relay signals through the relay server over a websocket. Connect completes
// only after the server acknowledges the join, at which point this peer is a
// valid delivery target, so no client-side buffering window is needed.
type Relay struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	roomID string
	peerID string
	opts   Options
	logger zerolog.Logger

	connectGroup singleflight.Group

	mu            sync.Mutex
	conn          *websocket.Conn
	acks          chan struct{}
	joined        bool
	handler       Handler
	cancelConnect context.CancelFunc
	generation    uint64

	writeMu sync.Mutex
}

// NewRelay creates a disconnected relay transport. url is the relay's
// websocket endpoint, e.g. ws://localhost:8080/ws/signal.
func NewRelay(url, roomID, peerID string, opts Options, logger zerolog.Logger) *Relay {
	return &Relay{
		url:    url,
		header: http.Header{},
		dialer: websocket.DefaultDialer,
		roomID: roomID,
		peerID: peerID,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("transport", "relay").Str("room", roomID).Str("peer", peerID).Logger(),
	}
}

// SetHeader adds a header sent with the websocket handshake, e.g. Origin.
func (r *Relay) SetHeader(key, value string) {
	r.header.Set(key, value)
}

func (r *Relay) PeerID() string { return r.peerID }
func (r *Relay) RoomID() string { return r.roomID }

// Connected reports whether the relay has acknowledged the join.
func (r *Relay) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joined
}

// Connect opens (or reuses) the relay connection, sends join-room and waits
// for room-joined. Dial failures are retried with exponential backoff. A
// Disconnect issued after Connect was called makes it fail with ErrClosed.
func (r *Relay) Connect(ctx context.Context, onSignal Handler) error {
	if onSignal == nil {
		return fmt.Errorf("%w: nil signal handler", ErrConnectFailed)
	}

	r.mu.Lock()
	if r.joined {
		r.mu.Unlock()
		return nil
	}
	generation := r.generation
	r.mu.Unlock()

	key := strconv.FormatUint(generation, 10)
	result := r.connectGroup.DoChan(key, func() (interface{}, error) {
		return nil, r.connect(generation, onSignal)
	})
	select {
	case res := <-result:
		if res.Err != nil {
			return res.Err
		}
		if r.disconnectedSince(generation) {
			return ErrClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) disconnectedSince(generation uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation != generation
}

func (r *Relay) connect(generation uint64, onSignal Handler) error {
	r.mu.Lock()
	if r.generation != generation {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.joined {
		r.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancelConnect = cancel
	r.handler = onSignal
	r.mu.Unlock()
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= r.opts.ConnectAttempts; attempt++ {
		if attempt > 1 {
			delay := backoffDelay(r.opts.ConnectBackoff, attempt-1)
			r.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("retrying relay join")
			if err := sleepContext(ctx, delay); err != nil {
				return ErrClosed
			}
		}

		err := r.join(ctx, generation)
		if err == nil {
			r.logger.Info().Int("attempt", attempt).Msg("joined relay room")
			return nil
		}
		if ctx.Err() != nil {
			return ErrClosed
		}
		lastErr = err
		r.logger.Warn().Err(err).Int("attempt", attempt).Msg("relay join failed")
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrConnectFailed, r.opts.ConnectAttempts, lastErr)
}

// join performs one dial-and-join attempt.
func (r *Relay) join(ctx context.Context, generation uint64) error {
	conn, acks, err := r.connection(ctx, generation)
	if err != nil {
		return err
	}

	if err := r.write(conn, models.EventJoinRoom, models.RoomPresence{RoomID: r.roomID, PlayerID: r.peerID}); err != nil {
		r.dropConnection(conn)
		return fmt.Errorf("failed to send join-room: %w", err)
	}

	timer := time.NewTimer(r.opts.JoinTimeout)
	defer timer.Stop()
	select {
	case <-acks:
	case <-timer.C:
		r.dropConnection(conn)
		return fmt.Errorf("no room-joined acknowledgement within %s", r.opts.JoinTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.generation != generation || r.conn != conn {
		return ErrClosed
	}
	r.joined = true
	r.cancelConnect = nil
	return nil
}

// connection returns the open relay connection, dialing a new one if needed.
func (r *Relay) connection(ctx context.Context, generation uint64) (*websocket.Conn, chan struct{}, error) {
	r.mu.Lock()
	if r.conn != nil {
		conn, acks := r.conn, r.acks
		r.mu.Unlock()
		return conn, acks, nil
	}
	r.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, r.opts.SubscribeTimeout)
	defer cancel()
	conn, resp, err := r.dialer.DialContext(dialCtx, r.url, r.header)
	if err != nil {
		if resp != nil {
			return nil, nil, fmt.Errorf("failed to dial relay (status %d): %w", resp.StatusCode, err)
		}
		return nil, nil, fmt.Errorf("failed to dial relay: %w", err)
	}

	acks := make(chan struct{}, 1)
	r.mu.Lock()
	if r.generation != generation {
		r.mu.Unlock()
		conn.Close()
		return nil, nil, ErrClosed
	}
	r.conn = conn
	r.acks = acks
	r.mu.Unlock()

	go r.readLoop(conn, acks)
	return conn, acks, nil
}

func (r *Relay) readLoop(conn *websocket.Conn, acks chan struct{}) {
	defer r.dropConnection(conn)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Warn().Err(err).Msg("relay connection lost")
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			r.logger.Debug().Err(err).Msg("discarding malformed relay message")
			continue
		}

		switch env.Event {
		case models.EventRoomJoined:
			var presence models.RoomPresence
			if err := json.Unmarshal(env.Data, &presence); err != nil {
				continue
			}
			if presence.RoomID == r.roomID && presence.PlayerID == r.peerID {
				select {
				case acks <- struct{}{}:
				default:
				}
			}

		case models.EventWebRTCSignal:
			sig, err := models.DecodeSignal(env.Data)
			if err != nil {
				r.logger.Debug().Err(err).Msg("discarding malformed signal")
				continue
			}
			if !addressedTo(sig, r.roomID, r.peerID) {
				continue
			}
			if handler := r.currentHandler(conn); handler != nil {
				handler(sig)
			}

		case models.EventError:
			var payload models.ErrorPayload
			_ = json.Unmarshal(env.Data, &payload)
			r.logger.Warn().Str("error", payload.Message).Msg("relay reported an error")

		default:
			r.logger.Debug().Str("event", env.Event).Msg("ignoring relay event")
		}
	}
}

func (r *Relay) currentHandler(conn *websocket.Conn) Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != conn {
		return nil
	}
	return r.handler
}

// dropConnection closes conn and forgets it if it is still the current one.
func (r *Relay) dropConnection(conn *websocket.Conn) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
		r.acks = nil
		r.joined = false
	}
	r.mu.Unlock()
	conn.Close()
}

func (r *Relay) write(conn *websocket.Conn, event string, payload interface{}) error {
	data, err := models.EncodeEnvelope(event, payload)
	if err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// SendSignal emits sig as a webrtc-signal event, retrying failed writes.
func (r *Relay) SendSignal(ctx context.Context, sig models.Signal) error {
	r.mu.Lock()
	conn, joined := r.conn, r.joined
	r.mu.Unlock()
	if !joined || conn == nil {
		return ErrNotConnected
	}
	if err := sig.Validate(); err != nil {
		return err
	}

	return sendWithRetry(ctx, r.opts, r.logger, func(context.Context) error {
		return r.write(conn, models.EventWebRTCSignal, sig)
	})
}

func (r *Relay) SendOffer(ctx context.Context, to string, offer webrtc.SessionDescription) error {
	return r.send(ctx, models.SignalTypeOffer, to, offer)
}

func (r *Relay) SendAnswer(ctx context.Context, to string, answer webrtc.SessionDescription) error {
	return r.send(ctx, models.SignalTypeAnswer, to, answer)
}

func (r *Relay) SendIceCandidate(ctx context.Context, to string, candidate webrtc.ICECandidateInit) error {
	return r.send(ctx, models.SignalTypeICECandidate, to, candidate)
}

func (r *Relay) send(ctx context.Context, kind models.SignalType, to string, payload interface{}) error {
	sig, err := NewSignal(kind, r.peerID, to, r.roomID, payload)
	if err != nil {
		return err
	}
	return r.SendSignal(ctx, sig)
}

// Disconnect leaves the room and closes the relay connection. Errors while
// saying goodbye are ignored.
func (r *Relay) Disconnect() {
	r.mu.Lock()
	r.generation++
	if r.cancelConnect != nil {
		r.cancelConnect()
		r.cancelConnect = nil
	}
	conn, joined := r.conn, r.joined
	r.conn, r.acks, r.joined, r.handler = nil, nil, false, nil
	r.mu.Unlock()

	if conn == nil {
		return
	}
	if joined {
		_ = r.write(conn, models.EventLeaveRoom, models.RoomPresence{RoomID: r.roomID, PlayerID: r.peerID})
	}
	r.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	r.writeMu.Unlock()
	conn.Close()
	r.logger.Info().Msg("disconnected from relay")
}
