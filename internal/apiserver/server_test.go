package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeinhq/skein/internal/auth"
	"github.com/skeinhq/skein/internal/cluster"
	"github.com/skeinhq/skein/internal/metrics"
	"github.com/skeinhq/skein/internal/model"
	"github.com/skeinhq/skein/internal/session"
	"github.com/skeinhq/skein/internal/store/memstore"
)

type testEnv struct {
	server *Server
	ts     *httptest.Server
	store  *memstore.Store
	coord  *cluster.Coordinator
}

func newTestEnv(t *testing.T, cfg Config, provider auth.Provider) *testEnv {
	t.Helper()
	ctx := context.Background()

	st := memstore.New()
	require.NoError(t, st.Graphs().Put(ctx, &model.Graph{
		Key:    "g1",
		Name:   "Checkout",
		Sheets: map[string]string{"s1": "Main"},
	}))
	require.NoError(t, st.Nodes().Create(ctx, "g1", model.Element{
		"key": "n1", "graphKey": "g1", "sheetId": "s1", "type": "task",
		"position": map[string]any{"x": float64(1), "y": float64(2)},
	}))

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg, "test")
	coord := cluster.NewCoordinator(cluster.Config{Standalone: true, PeerID: "test-peer"}, st.Registry(), m)
	require.NoError(t, coord.Start(ctx))
	mgr := session.NewManager(session.Config{}, st, coord, m)

	s := NewServer(cfg, mgr, provider, st, coord, reg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.closeConns()
		ts.Close()
	})

	return &testEnv{server: s, ts: ts, store: st, coord: coord}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
}

func dialWS(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func sendFrame(t *testing.T, ws *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func registerWS(t *testing.T, ws *websocket.Conn, userID string) {
	t.Helper()
	sendFrame(t, ws, `{"type":"registerUserOnGraph","_id":"r-`+userID+`","graphKey":"g1","sheetId":"s1","userId":"`+userID+`","fromTimestamp":0}`)
	resp := readFrame(t, ws)
	require.Equal(t, "r-"+userID, resp["_id"])
	require.Equal(t, true, resp["_response"].(map[string]any)["ok"])
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, Config{}, &auth.NoOpProvider{})

	resp, err := http.Get(env.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestReadyz(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg, "test")
	coord := cluster.NewCoordinator(cluster.Config{Standalone: true, PeerID: "test-peer"}, st.Registry(), m)
	mgr := session.NewManager(session.Config{}, st, coord, m)

	s := NewServer(Config{}, mgr, &auth.NoOpProvider{}, st, coord, reg)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	status := func() int {
		resp, err := http.Get(ts.URL + "/readyz")
		require.NoError(t, err)
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusServiceUnavailable, status(), "not ready before the coordinator joins")

	require.NoError(t, coord.Start(ctx))
	assert.Equal(t, http.StatusOK, status())

	st.SetFailure(errors.New("store down"))
	assert.Equal(t, http.StatusServiceUnavailable, status(), "not ready when the store stops answering")

	st.SetFailure(nil)
	assert.Equal(t, http.StatusOK, status())
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{}, &auth.NoOpProvider{})

	resp, err := http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "skein_session_instances")
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, Config{}, &auth.NoOpProvider{})

	resp, err := http.Post(env.ts.URL+"/healthz", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "METHOD_NOT_ALLOWED", body["error"])
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, Config{}, &auth.NoOpProvider{})

	req, err := http.NewRequest(http.MethodOptions, env.ts.URL+"/healthz", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCORSRestrictedOrigins(t *testing.T) {
	env := newTestEnv(t, Config{AllowedOrigins: []string{"https://app.example.com"}}, &auth.NoOpProvider{})

	req, err := http.NewRequest(http.MethodOptions, env.ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodOptions, env.ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWSRequiresAuth(t *testing.T) {
	provider, err := auth.NewProvider(auth.Config{Enabled: true, Secret: "s3cret"})
	require.NoError(t, err)
	env := newTestEnv(t, Config{}, provider)

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u1"}).
		SignedString([]byte("s3cret"))
	require.NoError(t, err)

	ws := dialWS(t, env.wsURL()+"?token="+token, nil)
	sendFrame(t, ws, `{"type":"__ping__"}`)

	// Unregistered pings are protocol violations; the authenticated
	// socket must first register before anything else.
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)
}

func TestWSOriginCheck(t *testing.T) {
	env := newTestEnv(t, Config{AllowedOrigins: []string{"https://app.example.com"}}, &auth.NoOpProvider{})

	header := http.Header{"Origin": {"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL(), header)
	require.Error(t, err)
	if resp != nil {
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}

	ws := dialWS(t, env.wsURL(), http.Header{"Origin": {"https://app.example.com"}})
	registerWS(t, ws, "u1")
}

func TestWSCollaboration(t *testing.T) {
	env := newTestEnv(t, Config{}, &auth.NoOpProvider{})

	wsA := dialWS(t, env.wsURL(), nil)
	wsB := dialWS(t, env.wsURL(), nil)
	registerWS(t, wsA, "alice")
	registerWS(t, wsB, "bob")

	sendFrame(t, wsA, `{"type":"__ping__"}`)
	pong := readFrame(t, wsA)
	assert.Equal(t, "__pong__", pong["type"])

	sendFrame(t, wsA, `{"type":"applyInstructionToGraph","_id":"a1","instructions":[{"sheetId":"s1","nodeId":"n1","i":{"op":"set","path":["position","x"],"value":42}}]}`)

	ack := readFrame(t, wsA)
	assert.Equal(t, "a1", ack["_id"])
	assert.Equal(t, true, ack["_response"].(map[string]any)["ok"])

	fanout := readFrame(t, wsB)
	assert.Equal(t, "applyInstructionToGraph", fanout["type"])
	assert.NotContains(t, fanout, "_id", "fan-out frames carry no correlation id")
	items := fanout["instructions"].([]any)
	require.Len(t, items, 1)
}

func TestWSProtocolViolationClosesSocket(t *testing.T) {
	env := newTestEnv(t, Config{}, &auth.NoOpProvider{})

	ws := dialWS(t, env.wsURL(), nil)
	registerWS(t, ws, "alice")

	sendFrame(t, ws, "this is not json")

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
		"server sends a proper close frame, got %v", err)
}

func TestServerStartStop(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg, "test")
	coord := cluster.NewCoordinator(cluster.Config{Standalone: true, PeerID: "test-peer"}, st.Registry(), m)
	mgr := session.NewManager(session.Config{}, st, coord, m)

	s := NewServer(Config{Port: 0}, mgr, &auth.NoOpProvider{}, st, coord, reg)
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, "API Server", s.Name())
}
