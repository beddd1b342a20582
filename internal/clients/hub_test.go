package clients

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/2beens/offlinecache/internal/lifecycle"
	"github.com/2beens/offlinecache/internal/telemetry/metrics"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestHub(t *testing.T) (*Hub, *httptest.Server, *metrics.Manager) {
	t.Helper()
	metricsManager := metrics.NewTestManager()
	hub := NewHub(metricsManager)
	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return hub, server, metricsManager
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func TestHub_ClaimAndBroadcast(t *testing.T) {
	ctx := context.Background()
	hub, server, metricsManager := newTestHub(t)

	first := dial(t, server)
	second := dial(t, server)
	require.Eventually(t, func() bool { return hub.Count() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(metricsManager.GaugeClients))

	claimed, err := hub.Claim(ctx, "2024.12.07")
	require.NoError(t, err)
	assert.Equal(t, 2, claimed)

	claimed, err = hub.Claim(ctx, "2024.12.07")
	require.NoError(t, err)
	assert.Equal(t, 0, claimed)
	assert.Equal(t, map[string]int{"2024.12.07": 2}, hub.ControlledBy())

	sent, err := hub.Broadcast(ctx, lifecycle.Message{Type: lifecycle.MessageUpdated, Version: "2024.12.07"})
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	for _, conn := range []*websocket.Conn{first, second} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg lifecycle.Message
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, lifecycle.Message{Type: "SW_UPDATED", Version: "2024.12.07"}, msg)
	}

	// late joiners are controlled by the claimed version
	dial(t, server)
	require.Eventually(t, func() bool { return hub.Count() == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, map[string]int{"2024.12.07": 3}, hub.ControlledBy())

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return hub.Count() == 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestHub_MessagesReachHandler(t *testing.T) {
	hub, server, _ := newTestHub(t)

	received := make(chan lifecycle.Message, 1)
	hub.SetMessageHandler(func(_ context.Context, msg lifecycle.Message) error {
		received <- msg
		return nil
	})

	conn := dial(t, server)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(lifecycle.Message{Type: lifecycle.MessageSkipWaiting}))

	select {
	case msg := <-received:
		assert.Equal(t, lifecycle.MessageSkipWaiting, msg.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("message not handled")
	}
}

func TestHub_Close(t *testing.T) {
	ctx := context.Background()
	hub, server, _ := newTestHub(t)

	conn := dial(t, server)
	require.Eventually(t, func() bool { return hub.Count() == 1 }, 5*time.Second, 10*time.Millisecond)

	hub.Close()
	assert.Equal(t, 0, hub.Count())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)

	_, err = hub.Broadcast(ctx, lifecycle.Message{Type: lifecycle.MessageUpdated})
	assert.ErrorIs(t, err, ErrHubClosed)
	_, err = hub.Claim(ctx, "1")
	assert.ErrorIs(t, err, ErrHubClosed)

	// new connections are turned away
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	late, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer late.Close()
	require.NoError(t, late.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = late.ReadMessage()
	assert.Error(t, err)
}
