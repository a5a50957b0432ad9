package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/deskline/backend/internal/chat"
	"github.com/deskline/backend/internal/config"
	"github.com/deskline/backend/internal/presence"
	"github.com/deskline/backend/internal/storage"
	"github.com/deskline/backend/internal/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin enforcement happens in the CORS layer in front of us
		return true
	},
}

// Gateway owns the WebSocket endpoints. It upgrades connections, decodes
// inbound events and calls into the engine and router; outbound delivery
// goes back out through the hub.
type Gateway struct {
	hub      *Hub
	engine   *chat.Engine
	router   *chat.Router
	registry *presence.Registry
	queue    *chat.WaitingQueue
	store    storage.Store
	cfg      *config.Config
	logger   zerolog.Logger
}

// NewGateway creates a Gateway and wires the hub's disconnect callbacks
// into the engine.
func NewGateway(hub *Hub, engine *chat.Engine, router *chat.Router, registry *presence.Registry, queue *chat.WaitingQueue, store storage.Store, cfg *config.Config, logger zerolog.Logger) *Gateway {
	g := &Gateway{
		hub:      hub,
		engine:   engine,
		router:   router,
		registry: registry,
		queue:    queue,
		store:    store,
		cfg:      cfg,
		logger:   logger,
	}
	hub.OnAgentGone(func(agentID string) {
		g.engine.AgentDisconnect(context.Background(), agentID)
	})
	hub.OnCustomerGone(func(customerID string) {
		g.engine.CustomerDisconnect(context.Background(), customerID)
	})
	return g
}

// ServeAgent handles WebSocket upgrade requests from agent consoles
func (g *Gateway) ServeAgent(w http.ResponseWriter, r *http.Request) {
	g.serve(w, r, RoleAgent)
}

// ServeCustomer handles WebSocket upgrade requests from customer widgets
func (g *Gateway) ServeCustomer(w http.ResponseWriter, r *http.Request) {
	g.serve(w, r, RoleCustomer)
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request, role Role) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error().Err(err).Str("role", string(role)).Msg("failed to upgrade connection")
		return
	}

	client := newClient(role, g.hub, g, conn, g.logger.With().Str("role", string(role)).Logger())
	client.Start()
}

// dispatch decodes one inbound frame and routes it to the matching operation
func (g *Gateway) dispatch(c *Client, message []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &head); err != nil {
		g.logger.Debug().Err(err).Msg("failed to parse event type")
		return
	}

	ctx := context.Background()

	switch head.Type {
	case types.EventCustomerJoin:
		if c.role != RoleCustomer {
			g.reject(c, head.Type, "unauthorized_sender")
			return
		}
		var ev types.CustomerJoinEvent
		if !g.decode(c, message, head.Type, &ev) {
			return
		}
		g.customerJoin(ctx, c, ev)

	case types.EventAgentJoin:
		if c.role != RoleAgent {
			g.reject(c, head.Type, "unauthorized_sender")
			return
		}
		var ev types.AgentJoinEvent
		if !g.decode(c, message, head.Type, &ev) {
			return
		}
		g.agentJoin(c, ev)

	case types.EventCustomerMessage:
		if !g.identified(c, RoleCustomer, head.Type) {
			return
		}
		var ev types.CustomerMessageEvent
		if !g.decode(c, message, head.Type, &ev) {
			return
		}
		if _, err := g.router.ReceiveCustomerMessage(ctx, c.id, ev.Content); err != nil {
			g.rejectErr(c, head.Type, err)
		}

	case types.EventAgentMessage:
		if !g.identified(c, RoleAgent, head.Type) {
			return
		}
		var ev types.AgentMessageEvent
		if !g.decode(c, message, head.Type, &ev) {
			return
		}
		if _, err := g.router.ReceiveAgentMessage(ctx, c.id, ev.ConversationID, ev.Content); err != nil {
			g.rejectErr(c, head.Type, err)
		}

	case types.EventRequestHuman:
		if !g.identified(c, RoleCustomer, head.Type) {
			return
		}
		if err := g.engine.RequestHuman(ctx, c.id); err != nil {
			g.rejectErr(c, head.Type, err)
		}

	case types.EventAcceptWaiting:
		if !g.identified(c, RoleAgent, head.Type) {
			return
		}
		var ev types.AcceptWaitingEvent
		if !g.decode(c, message, head.Type, &ev) {
			return
		}
		if err := g.engine.AcceptWaiting(ctx, c.id, ev.CustomerID); err != nil {
			g.rejectErr(c, head.Type, err)
		}

	case types.EventAgentStatus:
		if !g.identified(c, RoleAgent, head.Type) {
			return
		}
		var ev types.AgentStatusEvent
		if !g.decode(c, message, head.Type, &ev) {
			return
		}
		if err := g.engine.SetAgentStatus(ctx, c.id, ev.Status); err != nil {
			g.rejectErr(c, head.Type, err)
		}

	case types.EventEndConversation:
		if !g.identified(c, RoleAgent, head.Type) {
			return
		}
		var ev types.EndConversationEvent
		if !g.decode(c, message, head.Type, &ev) {
			return
		}
		if err := g.engine.EndConversation(ctx, c.id, ev.ConversationID); err != nil {
			g.rejectErr(c, head.Type, err)
		}

	case types.EventTyping:
		var ev types.TypingEvent
		if !g.decode(c, message, head.Type, &ev) {
			return
		}
		if c.id == "" {
			return
		}
		if c.role == RoleCustomer {
			g.router.RelayCustomerTyping(ctx, c.id, ev.IsTyping)
		} else {
			g.router.RelayAgentTyping(c.id, ev.CustomerID, ev.IsTyping)
		}

	default:
		g.logger.Debug().Str("type", head.Type).Msg("unknown event type")
	}
}

func (g *Gateway) customerJoin(ctx context.Context, c *Client, ev types.CustomerJoinEvent) {
	if ev.CustomerID == "" {
		g.reject(c, ev.Type, "missing_customer_id")
		return
	}

	c.id = ev.CustomerID
	c.name = ev.Name
	c.logger = c.logger.With().Str("customer_id", c.id).Logger()

	g.registry.RegisterCustomer(c.id, ev.Name, c)
	g.hub.register <- c

	conv, err := g.router.CustomerJoin(ctx, c.id, ev.Name)
	if err != nil {
		g.rejectErr(c, ev.Type, err)
		return
	}

	c.Send(types.ConnectionAck{
		Type:           "connection_ack",
		CustomerID:     c.id,
		ConversationID: conv.ConversationID,
	})

	// Replay history so a reconnecting customer sees the full thread
	if msgs, err := g.store.ListMessages(ctx, conv.ConversationID); err == nil && len(msgs) > 0 {
		c.Send(types.ConversationHistory{
			Type:           "conversation_history",
			ConversationID: conv.ConversationID,
			CustomerID:     conv.CustomerID,
			CustomerName:   conv.CustomerName,
			Messages:       msgs,
		})
	}

	// A reconnect does not lose the queue spot
	if conv.Status == types.ConversationQueued {
		if pos := g.queue.Position(c.id); pos > 0 {
			c.Send(types.QueuePositionUpdate{Type: "queue_position", Position: pos})
		}
	}
}

func (g *Gateway) agentJoin(c *Client, ev types.AgentJoinEvent) {
	if ev.AgentID == "" {
		g.reject(c, ev.Type, "missing_agent_id")
		return
	}

	c.id = ev.AgentID
	c.name = ev.Name
	c.logger = c.logger.With().Str("agent_id", c.id).Logger()

	agent := g.registry.RegisterAgent(c.id, ev.Name, c)
	g.hub.register <- c

	c.Send(types.ConnectionAck{
		Type:           "connection_ack",
		AgentID:        c.id,
		ConversationID: agent.CurrentConversationID,
	})

	// Current waiting list so the console starts in sync
	for i, entry := range g.queue.PositionsSnapshot() {
		c.Send(types.CustomerQueued{Type: "customer_queued", Entry: entry, Position: i + 1})
	}

	g.hub.BroadcastAgents(types.AgentPresenceNotice{
		Type:      "agent_connected",
		AgentID:   c.id,
		AgentName: ev.Name,
	})

	available, total := g.registry.AvailabilityCount()
	g.hub.BroadcastAll(types.AvailabilityCount{
		Type:      "agent_availability",
		Available: available,
		Total:     total,
		Timestamp: time.Now().UTC(),
	})
}

func (g *Gateway) identified(c *Client, role Role, op string) bool {
	if c.role != role {
		g.reject(c, op, "unauthorized_sender")
		return false
	}
	if c.id == "" {
		g.reject(c, op, "join_required")
		return false
	}
	return true
}

func (g *Gateway) decode(c *Client, message []byte, op string, v interface{}) bool {
	if err := json.Unmarshal(message, v); err != nil {
		g.logger.Debug().Err(err).Str("type", op).Msg("failed to parse event")
		g.reject(c, op, "malformed_event")
		return false
	}
	return true
}

func (g *Gateway) reject(c *Client, op, reason string) {
	c.Send(types.Rejection{Type: "rejection", Op: op, Reason: reason})
}

func (g *Gateway) rejectErr(c *Client, op string, err error) {
	g.reject(c, op, rejectionReason(err))
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, chat.ErrConversationNotFound):
		return "conversation_not_found"
	case errors.Is(err, chat.ErrAlreadyAssigned):
		return "already_assigned"
	case errors.Is(err, chat.ErrNotWaiting):
		return "not_waiting"
	case errors.Is(err, chat.ErrAgentUnavailable):
		return "agent_unavailable"
	case errors.Is(err, chat.ErrUnauthorizedSender):
		return "unauthorized_sender"
	case errors.Is(err, chat.ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "internal_error"
	}
}
