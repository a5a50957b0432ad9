package presence

import (
	"sync"
	"time"

	"github.com/deskline/backend/internal/types"
)

// Registry tracks every connected agent and customer. Entries are keyed by
// stable IDs that survive reconnects; the channel reference is replaced on
// every re-registration. Nothing here is durable.
type Registry struct {
	mu             sync.RWMutex
	agents         map[string]*types.Agent
	customers      map[string]*types.Customer
	byConversation map[string]string // conversationID -> agentID
	seq            int64
}

// NewRegistry creates an empty presence registry
func NewRegistry() *Registry {
	return &Registry{
		agents:         make(map[string]*types.Agent),
		customers:      make(map[string]*types.Customer),
		byConversation: make(map[string]string),
	}
}

// RegisterAgent inserts or updates an agent entry, replacing any stale
// channel from a prior session. Idempotent per agentID; the registration
// order and per-session handled count survive reconnects. An agent carrying
// an assignment stays busy, so a reconnect can never make them eligible for
// a second conversation.
func (r *Registry) RegisterAgent(agentID, displayName string, ch types.Channel) types.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.agents[agentID]; ok {
		existing.DisplayName = displayName
		existing.Channel = ch
		if existing.CurrentConversationID == "" {
			existing.Status = types.AgentAvailable
		}
		return *existing
	}

	r.seq++
	agent := &types.Agent{
		AgentID:      agentID,
		DisplayName:  displayName,
		Status:       types.AgentAvailable,
		RegisteredAt: time.Now(),
		Seq:          r.seq,
		Channel:      ch,
	}
	r.agents[agentID] = agent
	return *agent
}

// RegisterCustomer inserts or updates a customer entry. Conversation state is
// untouched; a reconnect only swaps the channel.
func (r *Registry) RegisterCustomer(customerID, displayName string, ch types.Channel) types.Customer {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.customers[customerID]; ok {
		existing.DisplayName = displayName
		existing.Channel = ch
		return *existing
	}

	customer := &types.Customer{
		CustomerID:   customerID,
		DisplayName:  displayName,
		RegisteredAt: time.Now(),
		Channel:      ch,
	}
	r.customers[customerID] = customer
	return *customer
}

// SetAgentStatus updates an agent's status, returning the previous status.
// Recovery for an agent abandoning an active conversation is the assignment
// engine's job, not the registry's.
func (r *Registry) SetAgentStatus(agentID string, status types.AgentStatus) (prev types.AgentStatus, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return "", false
	}
	prev = agent.Status
	agent.Status = status
	return prev, true
}

// Assign marks an agent busy on a conversation and maintains the
// conversation index. Returns false if the agent is unknown.
func (r *Registry) Assign(agentID, conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return false
	}
	agent.Status = types.AgentBusy
	agent.CurrentConversationID = conversationID
	agent.Handled++
	r.byConversation[conversationID] = agentID
	return true
}

// Release clears an agent's assignment and sets the given status. The
// conversation index entry is dropped. Returns the conversation the agent
// was bound to, if any.
func (r *Registry) Release(agentID string, status types.AgentStatus) (conversationID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return "", false
	}
	conversationID = agent.CurrentConversationID
	agent.CurrentConversationID = ""
	agent.Status = status
	if conversationID != "" {
		delete(r.byConversation, conversationID)
	}
	return conversationID, true
}

// Unassign rolls back a previous Assign without touching the handled count's
// observable effect on later tie-breaks beyond decrementing it.
func (r *Registry) Unassign(agentID string, status types.AgentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return
	}
	if agent.CurrentConversationID != "" {
		delete(r.byConversation, agent.CurrentConversationID)
	}
	agent.CurrentConversationID = ""
	agent.Status = status
	if agent.Handled > 0 {
		agent.Handled--
	}
}

// DeregisterAgent removes the live entry; durable history is untouched.
func (r *Registry) DeregisterAgent(agentID string) (types.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return types.Agent{}, false
	}
	if agent.CurrentConversationID != "" {
		delete(r.byConversation, agent.CurrentConversationID)
	}
	delete(r.agents, agentID)
	return *agent, true
}

// DeregisterCustomer removes the live entry
func (r *Registry) DeregisterCustomer(customerID string) (types.Customer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	customer, ok := r.customers[customerID]
	if !ok {
		return types.Customer{}, false
	}
	delete(r.customers, customerID)
	return *customer, true
}

// Agent returns a copy of the named agent entry
func (r *Registry) Agent(agentID string) (types.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return types.Agent{}, false
	}
	return *agent, true
}

// Customer returns a copy of the named customer entry
func (r *Registry) Customer(customerID string) (types.Customer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	customer, ok := r.customers[customerID]
	if !ok {
		return types.Customer{}, false
	}
	return *customer, true
}

// AgentByConversation resolves the agent currently bound to a conversation
func (r *Registry) AgentByConversation(conversationID string) (types.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agentID, ok := r.byConversation[conversationID]
	if !ok {
		return types.Agent{}, false
	}
	agent, ok := r.agents[agentID]
	if !ok {
		return types.Agent{}, false
	}
	return *agent, true
}

// FindAvailableAgent returns one available agent, or false if none. The
// tie-break is deterministic: fewest conversations handled this session,
// then earliest registration.
func (r *Registry) FindAvailableAgent() (types.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *types.Agent
	for _, agent := range r.agents {
		if agent.Status != types.AgentAvailable {
			continue
		}
		if best == nil ||
			agent.Handled < best.Handled ||
			(agent.Handled == best.Handled && agent.Seq < best.Seq) {
			best = agent
		}
	}
	if best == nil {
		return types.Agent{}, false
	}
	return *best, true
}

// Agents returns copies of all live agent entries
func (r *Registry) Agents() []types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]types.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		agents = append(agents, *agent)
	}
	return agents
}

// AvailabilityCount returns how many agents are available and the pool size
func (r *Registry) AvailabilityCount() (available, total int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, agent := range r.agents {
		if agent.Status == types.AgentAvailable {
			available++
		}
	}
	return available, len(r.agents)
}
