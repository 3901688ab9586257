package stream_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpEngine/internal/event"
	"PerpEngine/internal/observability"
	"PerpEngine/internal/stream"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEffect(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestHub_BroadcastsWithMarketFilter(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	hub := stream.NewHub(metrics, zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	all := dial(t, srv, "/")
	eth := dial(t, srv, "/?market=ETH-USD")
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.StreamClients))

	in := make(chan event.Effect, 2)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx, in) }()

	in <- event.Effect{Type: event.EffectDeposited, Market: "BTC-USD", Sequence: 1}
	in <- event.Effect{Type: event.EffectWithdrawn, Market: "ETH-USD", Sequence: 2}

	assert.Equal(t, "BTC-USD", readEffect(t, all)["market"])
	assert.Equal(t, "ETH-USD", readEffect(t, all)["market"])

	got := readEffect(t, eth)
	assert.Equal(t, "Withdrawn", got["type"])
	assert.Equal(t, 2.0, got["sequence"])

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, hub.Clients())
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	hub := stream.NewHub(nil, zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "/")
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)

	// Broadcasting with nobody connected is a no-op.
	hub.Broadcast(event.Effect{Type: event.EffectDeposited, Market: "BTC-USD"})
}
