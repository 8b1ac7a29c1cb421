// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package push

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestHub_BroadcastReachesConnectedClient(t *testing.T) {
	hub := NewHub()
	stop := make(chan struct{})
	go hub.Run(stop)
	defer close(stop)

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return len(hubClients(hub)) == 1
	}, time.Second, 10*time.Millisecond)

	hub.Broadcast(EventEndpointUpdate, map[string]string{"id": "ep-1"})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var evt Event
	require.NoError(t, conn.ReadJSON(&evt))
	require.Equal(t, EventEndpointUpdate, evt.Type)
}

func hubClients(h *Hub) map[*websocket.Conn]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[*websocket.Conn]bool, len(h.clients))
	for k, v := range h.clients {
		out[k] = v
	}
	return out
}
