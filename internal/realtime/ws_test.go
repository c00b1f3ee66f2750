package realtime

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-beacon/pkg/schema"
)

func setupWSServer(t *testing.T, h *Hub, ack AckFunc) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	s := &WSServer{Hub: h, Ack: ack}
	r.GET("/ws", func(c *gin.Context) { s.Serve(c, c.Query("user")) })
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user=" + user
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return ws
}

func TestWSServer_StreamsEvents(t *testing.T) {
	h := NewHub(Config{}, nil, nil)
	defer h.Close()
	srv := setupWSServer(t, h, nil)
	ws := dial(t, srv, "b")

	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return len(h.byUser["b"]) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.Publish(context.Background(), statusEvent("b", 7)))

	var ev schema.RealtimeEvent
	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, schema.EventStatusUpdate, ev.Type)
	assert.Equal(t, int64(7), ev.Revision)
	assert.Equal(t, "b", ev.UserID)
}

func TestWSServer_Ack(t *testing.T) {
	h := NewHub(Config{}, nil, nil)
	defer h.Close()

	type call struct {
		actor, user string
		rev         int64
	}
	calls := make(chan call, 1)
	srv := setupWSServer(t, h, func(_ context.Context, actor, user string, rev int64) error {
		calls <- call{actor, user, rev}
		return nil
	})
	ws := dial(t, srv, "b")

	require.NoError(t, ws.WriteJSON(InboundMessage{Action: "ack", UserID: "a", Revision: 3}))
	var reply ControlMessage
	require.NoError(t, ws.ReadJSON(&reply))
	assert.True(t, reply.OK)
	assert.Equal(t, call{"b", "a", 3}, <-calls)

	require.NoError(t, ws.WriteJSON(InboundMessage{Action: "dance"}))
	require.NoError(t, ws.ReadJSON(&reply))
	assert.False(t, reply.OK)
	assert.Equal(t, "unknown action", reply.Error)
}

func TestWSServer_InboundBurstIsDelayedNotRefused(t *testing.T) {
	h := NewHub(Config{EventsPerSecond: 20, Burst: 1}, nil, nil)
	defer h.Close()
	srv := setupWSServer(t, h, nil)
	ws := dial(t, srv, "b")

	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, ws.WriteJSON(InboundMessage{Action: "ping"}))
	}
	for i := 0; i < 5; i++ {
		var reply ControlMessage
		require.NoError(t, ws.ReadJSON(&reply))
		assert.True(t, reply.OK)
		assert.Equal(t, "pong", reply.Action)
	}
	// One token up front, then four more at 50ms each.
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}
