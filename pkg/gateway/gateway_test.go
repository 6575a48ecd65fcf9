package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjwalker189/mongodb-tools/pkg/changefeed"
	"github.com/sjwalker189/mongodb-tools/pkg/changefeed/feedtest"
	"github.com/sjwalker189/mongodb-tools/pkg/config"
	"github.com/sjwalker189/mongodb-tools/pkg/metrics"
)

type stubFeed struct {
	stats changefeed.Stats
}

func (s *stubFeed) AddListener(changefeed.Listener) changefeed.ListenerID { return "stub" }
func (s *stubFeed) RemoveListener(changefeed.ListenerID)                  {}
func (s *stubFeed) Stats() changefeed.Stats                               { return s.stats }

type harness struct {
	gw      *Gateway
	server  *httptest.Server
	opener  *feedtest.Opener
	manager *changefeed.Manager
	reg     *prometheus.Registry
}

func newHarness(t *testing.T, cfg config.GatewayConfig) *harness {
	t.Helper()
	opener := feedtest.NewOpener()
	manager, err := changefeed.NewManager(opener, changefeed.Config{RetryDelay: 20 * time.Millisecond})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	gw, err := New(manager, cfg, WithMetrics(metrics.NewGateway(reg, "test")), WithGatherer(reg))
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Routes())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		srv.Close()
		manager.Close(ctx)
	})
	return &harness{gw: gw, server: srv, opener: opener, manager: manager, reg: reg}
}

func (h *harness) dial(t *testing.T, query string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/v1/changes" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *harness) liveHandle(t *testing.T) *feedtest.Handle {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.manager.WhenReady(ctx))
	return h.opener.Latest()
}

// clients reads the connected-subscribers gauge.
func (h *harness) clients(t *testing.T) float64 {
	t.Helper()
	families, err := h.reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "test_gateway_clients" {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("clients gauge not registered")
	return 0
}

func readMessage(t *testing.T, conn *websocket.Conn) message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var raw map[string]json.RawMessage
	require.NoError(t, conn.ReadJSON(&raw))

	var m message
	require.NoError(t, json.Unmarshal(raw["id"], &m.ID))
	require.NoError(t, json.Unmarshal(raw["operation"], &m.Operation))
	if p, ok := raw["payload"]; ok {
		m.Payload = string(p)
	}
	return m
}

func TestNewRequiresFeed(t *testing.T) {
	_, err := New(nil, config.GatewayConfig{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	gw, err := New(&stubFeed{}, config.GatewayConfig{})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	gw.Routes().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var body healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
}

func TestStatusReportsFeedStats(t *testing.T) {
	feed := &stubFeed{stats: changefeed.Stats{State: "live", Listeners: 3, Reconnects: 2, Events: 10}}
	gw, err := New(feed, config.GatewayConfig{})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	gw.Routes().ServeHTTP(w, httptest.NewRequest("GET", "/v1/status", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Feed changefeed.Stats `json:"feed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, feed.stats.State, body.Feed.State)
	assert.Equal(t, 3, body.Feed.Listeners)
	assert.Equal(t, uint64(2), body.Feed.Reconnects)
}

func TestChangesRequiresAPIKey(t *testing.T) {
	gw, err := New(&stubFeed{}, config.GatewayConfig{APIKeys: []string{"secret"}})
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/changes", nil)
			if tt.header != "" {
				req.Header.Set("X-API-Key", tt.header)
			}
			w := httptest.NewRecorder()
			gw.Routes().ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestChangesStreamsEvents(t *testing.T) {
	h := newHarness(t, config.GatewayConfig{APIKeys: []string{"secret"}})
	conn := h.dial(t, "?api_key=secret", nil)

	handle := h.liveHandle(t)
	handle.Emit("e1")
	handle.Emit("e2")

	assert.Equal(t, "e1", readMessage(t, conn).ID)
	assert.Equal(t, "e2", readMessage(t, conn).ID)
	assert.Equal(t, float64(1), h.clients(t))
}

func TestChangesFiltersByOperationAndNamespace(t *testing.T) {
	h := newHarness(t, config.GatewayConfig{})
	conn := h.dial(t, "?op=delete&ns=app.", nil)
	handle := h.liveHandle(t)

	handle.Publish(changefeed.Event{ID: "skip-op", Operation: "insert", Namespace: "app.users"})
	handle.Publish(changefeed.Event{ID: "skip-ns", Operation: "delete", Namespace: "other.users"})
	handle.Publish(changefeed.Event{ID: "keep", Operation: "delete", Namespace: "app.users", Payload: []byte(`{"a":1}`)})

	got := readMessage(t, conn)
	assert.Equal(t, "keep", got.ID)
	assert.JSONEq(t, `{"a":1}`, got.Payload.(string))
}

func TestNonJSONPayloadSentAsString(t *testing.T) {
	m := newMessage(changefeed.Event{ID: "1", Payload: []byte("plain text")})
	assert.Equal(t, "plain text", m.Payload)

	m = newMessage(changefeed.Event{ID: "2", Payload: []byte(`[1,2]`)})
	assert.Equal(t, json.RawMessage(`[1,2]`), m.Payload)

	m = newMessage(changefeed.Event{ID: "3"})
	assert.Nil(t, m.Payload)
}

func TestDisconnectRemovesListener(t *testing.T) {
	h := newHarness(t, config.GatewayConfig{})
	conn := h.dial(t, "", nil)
	h.liveHandle(t)
	assert.Equal(t, 1, h.manager.Stats().Listeners)

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		return h.manager.Stats().Listeners == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return h.clients(t) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSlowClientIsDisconnected(t *testing.T) {
	h := newHarness(t, config.GatewayConfig{ClientBuffer: 1})
	conn := h.dial(t, "", nil)
	handle := h.liveHandle(t)

	// Stop reading so the queue overflows.
	handle.EmitN("burst", 1000)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var closeErr *websocket.CloseError
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			require.ErrorAs(t, err, &closeErr)
			break
		}
	}
	assert.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)
	assert.Eventually(t, func() bool {
		return h.manager.Stats().Listeners == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscriberOverflowMarksSlow(t *testing.T) {
	sub := &subscriber{queue: make(chan changefeed.Event, 1), slow: make(chan struct{})}
	sub.listen(changefeed.Event{ID: "1"})
	sub.listen(changefeed.Event{ID: "2"})
	sub.listen(changefeed.Event{ID: "3"})

	select {
	case <-sub.slow:
	default:
		t.Fatal("subscriber should be marked slow")
	}
	assert.Equal(t, "1", (<-sub.queue).ID)
}

func TestShutdownClosesClients(t *testing.T) {
	h := newHarness(t, config.GatewayConfig{})
	conn := h.dial(t, "", nil)
	h.liveHandle(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.gw.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
	assert.Equal(t, 0, h.manager.Stats().Listeners)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, config.GatewayConfig{})

	resp, err := http.Get(h.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
