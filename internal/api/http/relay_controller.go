package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/immxrtalbeast/meshconf/internal/signaling"
	"github.com/immxrtalbeast/meshconf/lib/logger/sl"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	topicPrefix    = "meeting:"
)

// RelayController bridges WebSocket clients onto a PubSub backend. Every
// text frame a client sends is published on the topic; every message on the
// topic, the client's own included, is written back to it.
type RelayController struct {
	pubsub   signaling.PubSub
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewRelayController(pubsub signaling.PubSub, allowedOrigins []string, log *slog.Logger) *RelayController {
	if log == nil {
		log = slog.Default()
	}
	return &RelayController{
		pubsub: pubsub,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// originChecker accepts non-browser clients, which send no Origin header,
// and browsers from an allowed origin.
func originChecker(allowedOrigins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
		return false
	}
}

func (c *RelayController) Topic(ctx *gin.Context) {
	const op = "http.relay.topic"

	topic := ctx.Param("topic")
	if !strings.HasPrefix(topic, topicPrefix) || len(topic) == len(topicPrefix) {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid topic"})
		return
	}
	log := c.log.With(slog.String("op", op), slog.String("topic", topic))

	// Subscribe before upgrading so nothing published after the handshake is missed.
	subCtx, cancel := context.WithCancel(context.Background())
	sub, err := c.pubsub.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		log.Error("failed to subscribe", sl.Err(err))
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "signaling backend unavailable"})
		return
	}

	conn, err := c.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		cancel()
		_ = sub.Close()
		log.Warn("failed to upgrade connection", sl.Err(err))
		return
	}

	client := &relayClient{
		topic:  topic,
		conn:   conn,
		pubsub: c.pubsub,
		sub:    sub,
		ctx:    subCtx,
		cancel: cancel,
		log:    log,
	}
	log.Debug("client attached")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		client.writePump()
	}()
	client.readPump()
	wg.Wait()
	log.Debug("client detached")
}

type relayClient struct {
	topic  string
	conn   *websocket.Conn
	pubsub signaling.PubSub
	sub    signaling.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
	once   sync.Once
}

func (c *relayClient) close() {
	c.once.Do(func() {
		c.cancel()
		_ = c.sub.Close()
		_ = c.conn.Close()
	})
}

func (c *relayClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read failed", sl.Err(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.TextMessage {
			continue
		}
		if err := c.pubsub.Publish(c.ctx, c.topic, data); err != nil {
			c.log.Warn("failed to publish frame", sl.Err(err))
			return
		}
	}
}

func (c *relayClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data, ok := <-c.sub.Messages():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn("failed to write frame", sl.Err(err))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}
