package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Maximum message size allowed from a peer
const maxMessageSize = 8192

// Role distinguishes the two sides of a support connection
type Role string

const (
	RoleAgent    Role = "agent"
	RoleCustomer Role = "customer"
)

// Client is one WebSocket connection, either an agent console or a
// customer widget. The id stays empty until the peer sends its join event.
type Client struct {
	role Role
	id   string
	name string

	hub     *Hub
	gateway *Gateway
	conn    *websocket.Conn

	// Buffered channel of outbound messages
	send chan []byte

	// Timeouts from configuration
	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration

	logger zerolog.Logger

	// done channel to signal client shutdown
	done chan struct{}

	// closeOnce ensures send channel is closed only once
	closeOnce sync.Once
}

func newClient(role Role, hub *Hub, gateway *Gateway, conn *websocket.Conn, logger zerolog.Logger) *Client {
	return &Client{
		role:       role,
		hub:        hub,
		gateway:    gateway,
		conn:       conn,
		send:       make(chan []byte, 64),
		writeWait:  gateway.cfg.WriteWait,
		pongWait:   gateway.cfg.PongWait,
		pingPeriod: gateway.cfg.PingPeriod,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Send marshals an event and queues it for delivery. It reports false when
// the client is gone or its buffer is full; callers treat that as a missed
// notification, not an error.
func (c *Client) Send(event interface{}) bool {
	data, err := json.Marshal(event)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshal outbound event")
		return false
	}
	return c.safeSend(data)
}

// readPump pumps messages from the websocket connection to the gateway
func (c *Client) readPump() {
	defer func() {
		close(c.done)
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug().Err(err).Str("client_id", c.id).Msg("websocket read error")
			}
			break
		}

		c.gateway.dispatch(c, message)
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start starts the client's read and write pumps
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// Close safely closes the client's send channel (idempotent)
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		defer func() {
			recover() // absorb panic if channel was already closed
		}()
		close(c.send)
	})
}

// safeSend attempts to send a message, recovering from panic if channel is closed
func (c *Client) safeSend(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}
