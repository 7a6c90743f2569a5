// Package streaming exposes run output and lifecycle events over
// WebSocket connections.
package streaming

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentq/agentq/internal/common/logger"
	"github.com/agentq/agentq/internal/events/bus"
	"github.com/agentq/agentq/internal/manager"
	"github.com/agentq/agentq/internal/stream"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendBuffer bounds per-client outbound messages; the stream bus
	// already made chunk loss visible upstream, so a full buffer here
	// just drops the message.
	sendBuffer = 64
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub serves WebSocket clients that follow run streams or the
// lifecycle event feed.
type Hub struct {
	manager *manager.Manager
	logger  *logger.Logger
}

// NewHub creates the streaming hub.
func NewHub(m *manager.Manager, log *logger.Logger) *Hub {
	return &Hub{
		manager: m,
		logger:  log.WithFields(zap.String("component", "streaming")),
	}
}

// SetupRoutes registers the WebSocket endpoints.
func (h *Hub) SetupRoutes(router *gin.Engine) {
	router.GET("/ws/runs/:runId", h.handleRunStream)
	router.GET("/ws/events", h.handleEvents)
}

// handleRunStream streams one run's chunks to the client until the
// final chunk is delivered or the client disconnects.
// GET /ws/runs/:runId
func (h *Hub) handleRunStream(c *gin.Context) {
	runID := c.Param("runId")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(conn, h.logger.WithRunID(runID))
	sub := h.manager.SubscribeRun(runID, func(chunk stream.Chunk) {
		client.send(chunk)
		if chunk.IsFinal {
			client.closeSoon()
		}
	})
	if sub == nil {
		client.closeSoon()
	} else {
		defer sub.Unsubscribe()
	}

	client.run()
}

// handleEvents streams every lifecycle event to the client.
// GET /ws/events
func (h *Hub) handleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(conn, h.logger)
	sub := h.manager.SubscribeEvents(func(ev *bus.Event) {
		client.send(ev)
	})
	if sub == nil {
		client.closeSoon()
	} else {
		defer sub.Unsubscribe()
	}

	client.run()
}

// client owns one WebSocket connection. All writes go through the
// outbound channel so the producer never touches the conn directly.
type client struct {
	conn     *gorillaws.Conn
	outbound chan interface{}
	done     chan struct{}
	logger   *logger.Logger
}

func newClient(conn *gorillaws.Conn, log *logger.Logger) *client {
	return &client{
		conn:     conn,
		outbound: make(chan interface{}, sendBuffer),
		done:     make(chan struct{}),
		logger:   log,
	}
}

// send enqueues a message, dropping it if the client is backed up.
func (c *client) send(msg interface{}) {
	select {
	case c.outbound <- msg:
	case <-c.done:
	default:
		c.logger.Debug("dropping message for slow websocket client")
	}
}

// closeSoon asks the write pump to flush and disconnect.
func (c *client) closeSoon() {
	select {
	case c.outbound <- nil:
	case <-c.done:
	default:
	}
}

// run drives the read and write pumps until either side ends.
func (c *client) run() {
	go c.readPump()
	c.writePump()
}

func (c *client) readPump() {
	defer close(c.done)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.outbound:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if msg == nil {
				_ = c.conn.WriteMessage(gorillaws.CloseMessage,
					gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
