package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pocketfileshare/pocketshare/internal/domain"
	"github.com/pocketfileshare/pocketshare/internal/events"
)

func startProxy(t *testing.T) (*Proxy, int) {
	t.Helper()
	p := New(Config{Host: "127.0.0.1"}, nil)
	port, err := p.Start(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p, port
}

func backend(t *testing.T, body string) int {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Seen-Request-Id", r.Header.Get(requestIDHeader))
		_, _ = fmt.Fprintf(w, "%s %s %s", body, r.Method, r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return portOf(t, srv.URL)
}

func portOf(t *testing.T, raw string) int {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func get(t *testing.T, proxyPort int, host, path string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d%s", proxyPort, path), nil)
	require.NoError(t, err)
	req.Host = host
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func TestForwardsActiveRouteBySubdomain(t *testing.T) {
	p, port := startProxy(t)
	p.AddRoute(domain.Route{ShareID: "abc123", Subdomain: "abc123", TargetPort: backend(t, "a"), Active: true})
	p.AddRoute(domain.Route{ShareID: "other", Subdomain: "other", TargetPort: backend(t, "b"), Active: true})

	resp, body := get(t, port, "abc123.example.com", "/api/files")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a GET /api/files", body)
	assert.NotEmpty(t, resp.Header.Get("X-Seen-Request-Id"))

	_, body = get(t, port, "other.example.com:8080", "/")
	assert.Equal(t, "b GET /", body)
}

func TestTwoLabelHostAlways404(t *testing.T) {
	p, port := startProxy(t)
	p.AddRoute(domain.Route{ShareID: "example", Subdomain: "example", TargetPort: backend(t, "x"), Active: true})

	resp, body := get(t, port, "example.com", "/")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var e domain.ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(body), &e))
	assert.Equal(t, "Share not found", e.Error)
	assert.Equal(t, "No subdomain specified", e.Message)
}

func TestInactiveAndUnknownRoutes404(t *testing.T) {
	p, port := startProxy(t)
	p.AddRoute(domain.Route{ShareID: "idle", Subdomain: "idle", TargetPort: backend(t, "x"), Active: false})

	resp, body := get(t, port, "idle.example.com", "/")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, "Share 'idle' not found or inactive")

	resp, _ = get(t, port, "missing.example.com", "/")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.True(t, p.UpdateRouteStatus("idle", true))
	resp, _ = get(t, port, "idle.example.com", "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.False(t, p.UpdateRouteStatus("missing", true))
}

func TestForwardFailureIs500(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	p, port := startProxy(t)
	p.AddRoute(domain.Route{ShareID: "dead", Subdomain: "dead", TargetPort: deadPort, Active: true})

	resp, body := get(t, port, "dead.example.com", "/")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var e domain.ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(body), &e))
	assert.Equal(t, "Proxy error", e.Error)

	resp, _ = get(t, port, "dead.example.com", "/again")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode, "listener must survive forward errors")
}

func TestAddRouteReplacesTarget(t *testing.T) {
	p, port := startProxy(t)
	p.AddRoute(domain.Route{ShareID: "s1", Subdomain: "s1", TargetPort: backend(t, "old"), Active: true})
	p.AddRoute(domain.Route{ShareID: "s2", Subdomain: "s1", TargetPort: backend(t, "new"), Active: true})

	_, body := get(t, port, "s1.example.com", "/")
	assert.Equal(t, "new GET /", body)
	r, ok := p.Route("s1")
	require.True(t, ok)
	assert.Equal(t, "s2", r.ShareID)
	assert.Equal(t, 1, p.RouteCount())
}

func TestRemoveRoute(t *testing.T) {
	p, port := startProxy(t)
	p.AddRoute(domain.Route{ShareID: "gone", Subdomain: "gone", TargetPort: backend(t, "x"), Active: true})

	assert.True(t, p.RemoveRoute("gone"))
	assert.False(t, p.RemoveRoute("gone"))
	resp, _ := get(t, port, "gone.example.com", "/")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	p, port := startProxy(t)
	p.AddRoute(domain.Route{ShareID: "a", Subdomain: "a", TargetPort: 1, Active: true})
	p.AddRoute(domain.Route{ShareID: "b", Subdomain: "b", TargetPort: 2, Active: false})

	resp, body := get(t, port, "localhost", "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var h domain.HealthResponse
	require.NoError(t, json.Unmarshal([]byte(body), &h))
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, 1, h.ActiveRoutes)
	assert.Equal(t, 2, h.TotalRoutes)
	assert.Equal(t, []domain.HealthRoute{
		{ShareID: "a", Subdomain: "a", Active: true},
		{ShareID: "b", Subdomain: "b", Active: false},
	}, h.Routes)
	assert.Equal(t, port, h.Port)
}

func TestHealthPathOnShareHostIsForwarded(t *testing.T) {
	p, port := startProxy(t)
	p.AddRoute(domain.Route{ShareID: "docs", Subdomain: "docs", TargetPort: backend(t, "share"), Active: true})

	resp, body := get(t, port, "docs.example.com", "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "share GET /health", body)

	resp, _ = get(t, port, "missing.example.com", "/health")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStartRetriesNextPortWhenBusy(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	busyPort := busy.Addr().(*net.TCPAddr).Port

	p := New(Config{Host: "127.0.0.1", Port: busyPort, BindAttempts: 10}, nil)
	port, err := p.Start(context.Background())
	require.NoError(t, err)
	defer p.Stop(context.Background())

	assert.Greater(t, port, busyPort)
	assert.Equal(t, port, p.Port())
}

func TestStartFailsWhenAttemptsExhausted(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	busyPort := busy.Addr().(*net.TCPAddr).Port

	p := New(Config{Host: "127.0.0.1", Port: busyPort, BindAttempts: 1}, nil)
	_, err = p.Start(context.Background())
	require.ErrorIs(t, err, domain.ErrNoPortAvailable)
	assert.False(t, p.Running())
}

func TestStartStopEventsAndIdempotence(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	p := New(Config{Host: "127.0.0.1"}, nil)
	p.SetPublisher(bus)
	port, err := p.Start(context.Background())
	require.NoError(t, err)
	again, err := p.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, port, again)

	require.NoError(t, p.Stop(context.Background()))
	require.NoError(t, p.Stop(context.Background()))

	started := <-ch
	assert.Equal(t, events.ProxyStarted, started.Kind)
	assert.Equal(t, port, started.Port)
	assert.Equal(t, events.ProxyStopped, (<-ch).Kind)
	assert.Equal(t, "stopped", p.Health().Status)
}

func TestRoutesAreIndependentOfListener(t *testing.T) {
	p := New(Config{}, nil)
	p.AddRoute(domain.Route{ShareID: "a", Subdomain: "a", TargetPort: 1})
	p.AddRoute(domain.Route{ShareID: "b", Subdomain: "b", TargetPort: 2, Active: true})

	assert.Len(t, p.Routes(), 2)
	assert.Equal(t, []domain.Route{{ShareID: "b", Subdomain: "b", TargetPort: 2, Active: true}}, p.ActiveRoutes())
	p.ClearRoutes()
	assert.Zero(t, p.RouteCount())
}

func TestForwardsWebSocketUpgrade(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteMessage(mt, append([]byte("echo:"), msg...))
	}))
	defer srv.Close()

	p, port := startProxy(t)
	p.AddRoute(domain.Route{ShareID: "ws", Subdomain: "ws", TargetPort: portOf(t, srv.URL), Active: true})

	header := http.Header{}
	header.Set("Host", "ws.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/api/events", port), header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hi")))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(msg))
}
