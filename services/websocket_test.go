package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"relicwatch/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startHub(t *testing.T) (*WebSocketHub, *httptest.Server) {
	t.Helper()
	hub := NewWebSocketHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Serve(ctx)

	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return hub, server
}

func dialWS(t *testing.T, hub *WebSocketHub, server *httptest.Server, query string, wantClients int) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		n, err := hub.ClientCount(context.Background())
		return err == nil && n == wantClients
	}, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wsEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env wsEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestWebSocketHub_TopicSubscription(t *testing.T) {
	hub, server := startHub(t)
	alerts := dialWS(t, hub, server, "?topic=alert", 1)
	all := dialWS(t, hub, server, "", 2)

	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, models.TopicAllSensors, models.NotificationRecord{SensorID: "S1", Value: 21}))
	require.NoError(t, hub.Publish(ctx, models.TopicAlert, models.NotificationRecord{SensorID: "S1", AlertID: "a1"}))

	env := readEnvelope(t, alerts)
	assert.Equal(t, models.TopicAlert, env.Topic)
	assert.Equal(t, "a1", env.Payload.AlertID)

	first := readEnvelope(t, all)
	second := readEnvelope(t, all)
	assert.Equal(t, models.TopicAllSensors, first.Topic)
	assert.Equal(t, 21.0, first.Payload.Value)
	assert.Equal(t, models.TopicAlert, second.Topic)
}

func TestWebSocketHub_UnregistersClosedClients(t *testing.T) {
	hub, server := startHub(t)
	conn := dialWS(t, hub, server, "", 1)
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		n, err := hub.ClientCount(context.Background())
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketHub_ServeAgainAfterExit(t *testing.T) {
	hub := NewWebSocketHub(zap.NewNop())
	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer server.Close()

	for run := 0; run < 2; run++ {
		ctx, cancel := context.WithCancel(context.Background())
		errc := make(chan error, 1)
		go func() { errc <- hub.Serve(ctx) }()
		require.Eventually(t, func() bool {
			select {
			case <-hub.stopped():
				return false
			default:
				return true
			}
		}, time.Second, time.Millisecond)

		conn := dialWS(t, hub, server, "", 1)
		require.NoError(t, hub.Publish(context.Background(), models.TopicAlert, models.NotificationRecord{AlertID: "a1"}))
		assert.Equal(t, "a1", readEnvelope(t, conn).Payload.AlertID)

		cancel()
		assert.ErrorIs(t, <-errc, context.Canceled)
	}
}
