package live

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/minerstats/pkg/model"
	"github.com/nicktill/minerstats/pkg/schema"
)

func TestHub_BroadcastsLatest(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, hub.HasClients, time.Second, 10*time.Millisecond)

	value := schema.LatestValue{
		Algo:      "x11",
		Amount:    model.Amount{Currency: "BTC", Value: 0.5},
		Pool:      "nicehash",
		Timestamp: 60,
	}
	hub.PublishLatest(value)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, "latest", msg.Type)
	require.Equal(t, value, msg.Value)
}

func TestHub_NoClientsIsNoop(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	for i := 0; i < 1000; i++ {
		hub.PublishLatest(schema.LatestValue{Pool: "nicehash"})
	}
	require.Zero(t, hub.Dropped())
	require.Zero(t, hub.Clients())
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	require.Eventually(t, hub.HasClients, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return !hub.HasClients() }, 2*time.Second, 10*time.Millisecond)
}
