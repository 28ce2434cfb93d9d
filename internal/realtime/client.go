package realtime

import (
	"net/http"
	"time"

	"github.com/brandon/cotex-billing/internal/logger"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period
	pingPeriod = (pongWait * 9) / 10

	// The shell only sends control frames
	maxMessageSize = 4 * 1024
)

// Upgrader upgrades authenticated requests to WebSocket connections
type Upgrader struct {
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewUpgrader creates an upgrader that accepts the given origins ("*" allows any)
func NewUpgrader(allowedOrigins []string) *Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}
	return &Upgrader{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					// Desktop shells and CLIs send no Origin
					return true
				}
				return allowed["*"] || allowed[origin]
			},
		},
		log: logger.Logger(map[string]interface{}{"component": "websocket"}),
	}
}

// Client is a middleman between the websocket connection and the hub
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// Buffered channel of outbound messages
	send chan *Message

	// User ID associated with this connection
	UserID string

	log zerolog.Logger
}

// readPump drains the connection so pongs and close frames are processed
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
		c.log.Debug().Msg("WebSocket connection closed")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error().Err(err).Msg("Unexpected WebSocket error")
			}
			return
		}
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs upgrades the request and registers the connection for userID
func (u *Upgrader) ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		u.log.Error().Err(err).Str("user_id", userID).Msg("Failed to upgrade WebSocket connection")
		return
	}

	clientLog := logger.WithUserID(userID)
	clientLog.Info().Msg("WebSocket connection established")

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan *Message, 64),
		UserID: userID,
		log:    clientLog,
	}
	select {
	case hub.register <- client:
	case <-hub.done:
		clientLog.Warn().Msg("Hub stopped, closing WebSocket connection")
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
