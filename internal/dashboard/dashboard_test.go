package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/conveyor/internal/arbitrator"
	"github.com/steveyegge/conveyor/internal/fsmonitor"
)

func startServer(t *testing.T) *Server {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	server := NewServer(&Config{Port: 0, Logger: logger})
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func read(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestWelcomeMessage(t *testing.T) {
	server := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, server)
	msg := read(t, ctx, conn)
	assert.Equal(t, MessageTypeStats, msg.Type)

	require.Eventually(t, func() bool { return server.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestHandlerBroadcastsPipelineActivity(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, server)
	read(t, ctx, conn)
	require.Eventually(t, func() bool { return server.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	handler.OnFailed("/src/a.txt", fsmonitor.Modified, errors.New("connection reset"))

	msg := read(t, ctx, conn)
	require.Equal(t, MessageTypeItem, msg.Type)
	var item ItemData
	require.NoError(t, json.Unmarshal(msg.Data, &item))
	assert.Equal(t, ItemData{
		Path:   "/src/a.txt",
		Event:  "modified",
		Action: "failed",
		Reason: "connection reset",
	}, item)
}

func TestStatsEndpointServesLatestStats(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, nil)

	resp, err := http.Get("http://" + server.Addr() + "/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	handler.OnStats(arbitrator.Stats{Queued: 3, Admitted: 2, Workers: map[string]int{"cdn": 1}})

	resp, err = http.Get("http://" + server.Addr() + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msg Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	var stats arbitrator.Stats
	require.NoError(t, json.Unmarshal(msg.Data, &stats))
	assert.Equal(t, 3, stats.Queued)
	assert.Equal(t, 2, stats.Admitted)
	assert.Equal(t, map[string]int{"cdn": 1}, stats.Workers)
}

func TestHealth(t *testing.T) {
	server := startServer(t)

	resp, err := http.Get("http://" + server.Addr() + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestServeStopsOnCancel(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	server := NewServer(&Config{Port: 0, Logger: logger})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + server.Addr() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
