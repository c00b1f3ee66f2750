package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// AckFunc acknowledges userID's escalation for revision on behalf of actorID.
type AckFunc func(ctx context.Context, actorID, userID string, revision int64) error

// InboundMessage is a client action received over the socket.
type InboundMessage struct {
	Action   string `json:"action"`
	UserID   string `json:"user_id,omitempty"`
	Revision int64  `json:"revision,omitempty"`
}

// ControlMessage answers an inbound action or announces the end of the stream.
type ControlMessage struct {
	Action string `json:"action"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// WSServer streams a user's subscription over a WebSocket.
type WSServer struct {
	Hub *Hub
	Ack AckFunc
	Log *slog.Logger
}

// conn serializes writes; gorilla allows a single concurrent writer.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

// Serve upgrades the request and runs until either side disconnects.
func (s *WSServer) Serve(c *gin.Context, userID string) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "realtime-ws", "user_id", userID)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()
	cn := &conn{ws: ws}

	sub, err := s.Hub.Subscribe(userID)
	if err != nil {
		_ = cn.send(ControlMessage{Action: "closed", Error: err.Error()})
		return
	}
	defer sub.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			ev, err := sub.Next(ctx)
			if err != nil {
				if errors.Is(err, ErrSlowConsumer) {
					_ = cn.send(ControlMessage{Action: "resync", Error: err.Error()})
				}
				return
			}
			if err := cn.send(ev); err != nil {
				log.Info("websocket write failed", "error", err)
				return
			}
		}
	}()

	cfg := s.Hub.Config()
	inbound := rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), cfg.Burst)
	for {
		var msg InboundMessage
		if err := ws.ReadJSON(&msg); err != nil {
			log.Info("websocket client disconnected", "error", err.Error())
			return
		}
		// Excess actions wait for a token instead of being refused.
		if err := inbound.Wait(ctx); err != nil {
			return
		}
		reply := s.handle(ctx, userID, msg)
		if err := cn.send(reply); err != nil {
			return
		}
	}
}

func (s *WSServer) handle(ctx context.Context, actorID string, msg InboundMessage) ControlMessage {
	switch msg.Action {
	case "ping":
		return ControlMessage{Action: "pong", OK: true}
	case "ack":
		if s.Ack == nil {
			return ControlMessage{Action: "ack", Error: "acknowledgment unavailable"}
		}
		target := msg.UserID
		if target == "" {
			target = actorID
		}
		if err := s.Ack(ctx, actorID, target, msg.Revision); err != nil {
			return ControlMessage{Action: "ack", Error: err.Error()}
		}
		return ControlMessage{Action: "ack", OK: true}
	default:
		return ControlMessage{Action: msg.Action, Error: "unknown action"}
	}
}
