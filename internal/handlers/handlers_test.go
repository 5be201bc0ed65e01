package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/mesh-signaling/internal/metrics"
	"github.com/mossy-p/mesh-signaling/internal/models"
	"github.com/mossy-p/mesh-signaling/internal/redis"
	"github.com/mossy-p/mesh-signaling/internal/relay"
)

const testSecret = "test-secret"

type testServer struct {
	router *gin.Engine
	hub    *relay.Hub
	store  *redis.Store
	redis  *miniredis.Miniredis
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	store := redis.NewStore(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })

	reg := prometheus.NewRegistry()
	hub := relay.NewHub(relay.Options{}, metrics.NewRelay(reg), store, zerolog.Nop())
	t.Cleanup(hub.Close)

	router := NewRouter(RouterConfig{
		AllowedOrigins: []string{"http://localhost:3000"},
		JWTSecret:      testSecret,
		Rooms:          NewRoomHandler(store, hub, zerolog.Nop()),
		Signaling:      NewSignalingHandler(hub, 16, zerolog.Nop()),
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:         zerolog.Nop(),
	})
	return &testServer{router: router, hub: hub, store: store, redis: mr}
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) login(t *testing.T, user string) string {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: user, Password: "pw"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, user, resp.UserID)
	return resp.Token
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestLoginRequiresCredentials(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoomLifecycle(t *testing.T) {
	s := newTestServer(t)
	alice := s.login(t, "alice")
	bob := s.login(t, "bob")

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/api/rooms", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest,
		s.do(t, http.MethodPost, "/api/rooms", alice, models.CreateRoomRequest{MaxPlayers: 40}).Code)

	w := s.do(t, http.MethodPost, "/api/rooms", alice, models.CreateRoomRequest{MaxPlayers: 6})
	require.Equal(t, http.StatusCreated, w.Code)
	var created models.CreateRoomResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Len(t, created.Code, redis.RoomCodeLength)

	for _, id := range []string{created.RoomID, created.Code} {
		w = s.do(t, http.MethodGet, "/api/rooms/"+id, "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var room models.RoomMetadata
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &room))
		assert.Equal(t, created.RoomID, room.ID)
		assert.Equal(t, "alice", room.CreatorID)
		assert.Equal(t, 6, room.MaxPlayers)
	}

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodDelete, "/api/rooms/"+created.RoomID, bob, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodDelete, "/api/rooms/"+created.RoomID, alice, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/rooms/"+created.RoomID, "", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/rooms/"+created.Code, "", nil).Code)
}

func TestCreateRoomDefaultsMaxPlayers(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPost, "/api/rooms", s.login(t, "alice"), nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var created models.CreateRoomResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	w = s.do(t, http.MethodGet, "/api/rooms/"+created.RoomID, "", nil)
	var room models.RoomMetadata
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &room))
	assert.Equal(t, defaultMaxPlayers, room.MaxPlayers)
}

func TestOriginFilter(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodOptions, "/api/rooms", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestOriginFilterWildcard(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(OriginFilter([]string{"*"}))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://anything.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mesh_signaling_relay_rooms")
}

// websocket helpers

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/signal"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, payload interface{}) {
	t.Helper()
	data, err := models.EncodeEnvelope(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func next(t *testing.T, conn *websocket.Conn) models.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var env models.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

func nextSignal(t *testing.T, conn *websocket.Conn) models.Signal {
	t.Helper()
	env := next(t, conn)
	require.Equal(t, models.EventWebRTCSignal, env.Event)
	var sig models.Signal
	require.NoError(t, json.Unmarshal(env.Data, &sig))
	return sig
}

func join(t *testing.T, conn *websocket.Conn, roomID, peerID string) {
	t.Helper()
	send(t, conn, models.EventJoinRoom, models.RoomPresence{RoomID: roomID, PlayerID: peerID})
	env := next(t, conn)
	require.Equal(t, models.EventRoomJoined, env.Event)
	var ack models.RoomPresence
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	require.Equal(t, models.RoomPresence{RoomID: roomID, PlayerID: peerID}, ack)
}

func signal(kind models.SignalType, from, to, roomID, data string) models.Signal {
	return models.Signal{Type: kind, From: from, To: to, RoomID: roomID, Data: json.RawMessage(`"` + data + `"`)}
}

func TestRelayPointToPoint(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	alice, bob, carol := dial(t, srv), dial(t, srv), dial(t, srv)
	join(t, alice, "R1", "alice")
	join(t, bob, "R1", "bob")
	join(t, carol, "R1", "carol")

	send(t, alice, models.EventWebRTCSignal, signal(models.SignalTypeOffer, "alice", "bob", "R1", "offer"))
	got := nextSignal(t, bob)
	assert.Equal(t, models.SignalTypeOffer, got.Type)
	assert.Equal(t, "alice", got.From)

	// carol gets nothing: the next message on that connection answers its own bogus event.
	send(t, carol, "bogus", nil)
	assert.Equal(t, models.EventError, next(t, carol).Event)

	assert.Equal(t, []string{"alice", "bob", "carol"}, s.hub.Members("R1"))
	w := s.do(t, http.MethodGet, "/api/rooms/R1/presence", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"roomId":"R1","peerIds":["alice","bob","carol"]}`, w.Body.String())
}

func TestRelayOverwritesSender(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	alice, bob := dial(t, srv), dial(t, srv)
	join(t, alice, "R1", "alice")
	join(t, bob, "R1", "bob")

	send(t, alice, models.EventWebRTCSignal, signal(models.SignalTypeOffer, "mallory", "bob", "R1", "offer"))
	assert.Equal(t, "alice", nextSignal(t, bob).From)
}

func TestRelayBuffersUntilRecipientJoins(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	alice := dial(t, srv)
	join(t, alice, "R1", "alice")
	send(t, alice, models.EventWebRTCSignal, signal(models.SignalTypeICECandidate, "alice", "bob", "R1", "ice1"))
	send(t, alice, models.EventWebRTCSignal, signal(models.SignalTypeOffer, "alice", "bob", "R1", "offer"))
	require.Eventually(t, func() bool { return s.hub.Buffered("R1", "bob") == 2 }, time.Second, 5*time.Millisecond)

	bob := dial(t, srv)
	join(t, bob, "R1", "bob")
	assert.Equal(t, `"ice1"`, string(nextSignal(t, bob).Data))
	assert.Equal(t, `"offer"`, string(nextSignal(t, bob).Data))
	assert.Zero(t, s.hub.Buffered("R1", "bob"))
}

func TestRelayRejectsSignalsBeforeJoin(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	conn := dial(t, srv)
	send(t, conn, models.EventWebRTCSignal, signal(models.SignalTypeOffer, "alice", "bob", "R1", "offer"))
	env := next(t, conn)
	require.Equal(t, models.EventError, env.Event)
	var payload models.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, relay.ErrNotJoined.Error(), payload.Message)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, models.EventError, next(t, conn).Event)

	send(t, conn, models.EventJoinRoom, models.RoomPresence{RoomID: "R1"})
	assert.Equal(t, models.EventError, next(t, conn).Event)

	// The connection survives every error.
	join(t, conn, "R1", "alice")
}

// mirrored reports whether peerID is in the room's presence set. A missing
// set means nobody is present.
func (s *testServer) mirrored(roomID, peerID string) (bool, error) {
	ok, err := s.redis.IsMember("room:"+roomID+":peers", peerID)
	if errors.Is(err, miniredis.ErrKeyNotFound) {
		return false, nil
	}
	return ok, err
}

func TestRelayLeaveAndDisconnect(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	alice, bob := dial(t, srv), dial(t, srv)
	join(t, alice, "R1", "alice")
	join(t, bob, "R1", "bob")
	require.Eventually(t, func() bool {
		ok, err := s.mirrored("R1", "bob")
		return err == nil && ok
	}, time.Second, 10*time.Millisecond)

	send(t, alice, models.EventLeaveRoom, models.RoomPresence{RoomID: "R1", PlayerID: "alice"})
	require.Eventually(t, func() bool { return len(s.hub.Members("R1")) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool { return s.hub.Rooms() == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		ok, err := s.mirrored("R1", "bob")
		return err == nil && !ok
	}, time.Second, 10*time.Millisecond)
	// Removing the last member deletes the presence set outright.
	assert.False(t, s.redis.Exists("room:R1:peers"))
}

func TestRelayRejoinFromNewConnection(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	alice, bobOld, bobNew := dial(t, srv), dial(t, srv), dial(t, srv)
	join(t, alice, "R1", "alice")
	join(t, bobOld, "R1", "bob")
	join(t, bobNew, "R1", "bob")

	require.NoError(t, bobOld.Close())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"alice", "bob"}, s.hub.Members("R1"))

	send(t, alice, models.EventWebRTCSignal, signal(models.SignalTypeOffer, "alice", "bob", "R1", "offer"))
	assert.Equal(t, `"offer"`, string(nextSignal(t, bobNew).Data))
}
