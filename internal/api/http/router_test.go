package http

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/immxrtalbeast/meshconf/internal/api/http/converter"
	"github.com/immxrtalbeast/meshconf/internal/domain"
	"github.com/immxrtalbeast/meshconf/internal/repository"
	"github.com/immxrtalbeast/meshconf/internal/service"
	"github.com/immxrtalbeast/meshconf/internal/signaling"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

var discard = slog.New(slog.DiscardHandler)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) (*gin.Engine, *signaling.Hub) {
	t.Helper()
	hub := signaling.NewHub(discard)
	t.Cleanup(hub.Close)

	rooms := service.NewRoomService(repository.NewInMemoryRoomRepository(), discard)
	router := SetupRouter(
		RouterConfig{AllowedOrigins: []string{"http://localhost:3000"}, JWTSecret: testSecret},
		NewRoomController(rooms, discard),
		NewRelayController(hub, []string{"http://localhost:3000"}, discard),
	)
	return router, hub
}

func token(t *testing.T, owner string) string {
	t.Helper()
	tok, err := IssueToken(testSecret, owner, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, router http.Handler, method, path, bearer string, body any) (int, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var out map[string]json.RawMessage
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func decodeRoom(t *testing.T, body map[string]json.RawMessage) converter.RoomResponse {
	t.Helper()
	var room converter.RoomResponse
	require.NoError(t, json.Unmarshal(body["room"], &room))
	return room
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(t)
	code, body := do(t, router, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `"ok"`, string(body["status"]))
}

func TestRoomLifecycleEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	code, _ := do(t, router, http.MethodPost, "/api/rooms", "", map[string]string{"title": "Standup"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = do(t, router, http.MethodPost, "/api/rooms", "not-a-token", map[string]string{"title": "Standup"})
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = do(t, router, http.MethodPost, "/api/rooms", token(t, "owner-1"), map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := do(t, router, http.MethodPost, "/api/rooms", token(t, "owner-1"), map[string]string{"title": "Standup"})
	require.Equal(t, http.StatusCreated, code)
	created := decodeRoom(t, body)
	assert.Equal(t, "Standup", created.Title)
	assert.Equal(t, "owner-1", created.Owner)
	assert.Equal(t, domain.RoomStatusLive, created.Status)
	assert.Equal(t, "meeting:"+created.Code, created.Topic)
	assert.True(t, created.Joinable)

	code, body = do(t, router, http.MethodGet, "/api/rooms/"+strings.ToLower(created.Code), "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, created.ID, decodeRoom(t, body).ID)

	code, _ = do(t, router, http.MethodGet, "/api/rooms/ZZZZZZ", "", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, router, http.MethodPost, "/api/rooms/"+created.Code+"/end", token(t, "intruder"), nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, body = do(t, router, http.MethodPost, "/api/rooms/"+created.Code+"/end", token(t, "owner-1"), nil)
	require.Equal(t, http.StatusOK, code)
	ended := decodeRoom(t, body)
	assert.Equal(t, domain.RoomStatusEnded, ended.Status)
	assert.False(t, ended.Joinable)
	assert.NotNil(t, ended.EndedAt)
}

func TestRelayRejectsInvalidTopic(t *testing.T) {
	router, _ := newTestRouter(t)
	code, _ := do(t, router, http.MethodGet, "/ws/topics/other", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func receiveEnvelope(t *testing.T, ch <-chan domain.Envelope) domain.Envelope {
	t.Helper()
	select {
	case env, ok := <-ch:
		require.True(t, ok, "channel closed")
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}
	return domain.Envelope{}
}

func TestRelayBridgesWebSocketClients(t *testing.T) {
	router, hub := newTestRouter(t)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	relayURL := "ws" + strings.TrimPrefix(server.URL, "http")
	ctx := context.Background()

	alice, err := signaling.Open(ctx, signaling.NewWSPubSub(relayURL, discard), "ABC123", "alice", discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = alice.Close() })

	bob, err := signaling.Open(ctx, signaling.NewWSPubSub(relayURL, discard), "ABC123", "bob", discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bob.Close() })

	// The relay subscribes on the backend before the handshake completes.
	assert.Equal(t, 2, hub.Subscribers(signaling.Topic("ABC123")))

	require.NoError(t, alice.Publish(ctx, domain.NewJoinEnvelope("alice", "Alice")))
	env := receiveEnvelope(t, bob.Envelopes())
	assert.Equal(t, domain.KindJoin, env.Kind)
	assert.Equal(t, "alice", env.From)

	// Local publishers on the backend reach relay clients too.
	leave, err := domain.NewLeaveEnvelope("carol").Encode()
	require.NoError(t, err)
	require.NoError(t, hub.Publish(ctx, signaling.Topic("ABC123"), leave))

	env = receiveEnvelope(t, alice.Envelopes())
	assert.Equal(t, domain.KindLeave, env.Kind)
	assert.Equal(t, "carol", env.From)
	env = receiveEnvelope(t, bob.Envelopes())
	assert.Equal(t, domain.KindLeave, env.Kind)

	require.NoError(t, alice.Close())
	require.Eventually(t, func() bool {
		return hub.Subscribers(signaling.Topic("ABC123")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:3000"})

	req := httptest.NewRequest(http.MethodGet, "/ws/topics/meeting:ABC", nil)
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, check(req))
}
