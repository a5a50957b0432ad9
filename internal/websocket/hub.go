package websocket

import (
	"encoding/json"
	"sync"

	"github.com/deskline/backend/internal/metrics"
	"github.com/rs/zerolog"
)

// Hub tracks the live agent and customer connections and fans events out to
// them. It satisfies the notifier interface the routing engine delivers
// through, so all outbound traffic funnels through here.
type Hub struct {
	// Identified clients, keyed by agent/customer ID
	agents    map[string]*Client
	customers map[string]*Client

	// Register requests from identified clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Mutex to protect the client maps
	mu sync.RWMutex

	// Invoked after an identified client drops, outside the hub maps
	onAgentGone    func(agentID string)
	onCustomerGone func(customerID string)

	logger zerolog.Logger
}

// NewHub creates a new Hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		agents:     make(map[string]*Client),
		customers:  make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// OnAgentGone sets the callback invoked when an identified agent disconnects.
// Must be called before Run.
func (h *Hub) OnAgentGone(fn func(agentID string)) {
	h.onAgentGone = fn
}

// OnCustomerGone sets the callback invoked when an identified customer
// disconnects. Must be called before Run.
func (h *Hub) OnCustomerGone(fn func(customerID string)) {
	h.onCustomerGone = fn
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	m := metrics.Get()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			pool := h.poolFor(client.role)
			// Replace an existing connection with the same identity
			if existing, ok := pool[client.id]; ok && existing != client {
				existing.Close()
			}
			pool[client.id] = client
			total := len(pool)
			h.mu.Unlock()

			m.RecordConnect()
			h.logger.Info().
				Str("role", string(client.role)).
				Str("client_id", client.id).
				Int("total", total).
				Msg("client identified")

		case client := <-h.unregister:
			h.mu.Lock()
			identified := client.id != ""
			current := false
			if identified {
				pool := h.poolFor(client.role)
				if existing, ok := pool[client.id]; ok && existing == client {
					delete(pool, client.id)
					current = true
				}
			}
			h.mu.Unlock()

			client.Close()

			if !current {
				continue
			}
			m.RecordDisconnect()
			h.logger.Info().
				Str("role", string(client.role)).
				Str("client_id", client.id).
				Msg("client disconnected")

			switch client.role {
			case RoleAgent:
				if h.onAgentGone != nil {
					h.onAgentGone(client.id)
				}
			case RoleCustomer:
				if h.onCustomerGone != nil {
					h.onCustomerGone(client.id)
				}
			}
		}
	}
}

func (h *Hub) poolFor(role Role) map[string]*Client {
	if role == RoleAgent {
		return h.agents
	}
	return h.customers
}

// ToCustomer sends an event to one customer connection, if present
func (h *Hub) ToCustomer(customerID string, event interface{}) {
	h.sendTo(h.customers, customerID, event)
}

// ToAgent sends an event to one agent connection, if present
func (h *Hub) ToAgent(agentID string, event interface{}) {
	h.sendTo(h.agents, agentID, event)
}

// BroadcastAgents sends an event to every connected agent
func (h *Hub) BroadcastAgents(event interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal broadcast event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.agents {
		if !client.safeSend(data) {
			h.logger.Warn().Str("agent_id", client.id).Msg("agent send buffer full, dropping event")
		}
	}
}

// BroadcastAll sends an event to every connection, agents and customers
func (h *Hub) BroadcastAll(event interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal broadcast event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.agents {
		client.safeSend(data)
	}
	for _, client := range h.customers {
		client.safeSend(data)
	}
}

// AgentCount returns the number of identified agent connections
func (h *Hub) AgentCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.agents)
}

// CustomerCount returns the number of identified customer connections
func (h *Hub) CustomerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.customers)
}

func (h *Hub) sendTo(pool map[string]*Client, id string, event interface{}) {
	h.mu.RLock()
	client, ok := pool[id]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if !client.Send(event) {
		h.logger.Warn().Str("client_id", id).Msg("send buffer full, dropping event")
	}
}
