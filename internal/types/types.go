package types

import "time"

// AgentStatus represents the availability of a live agent
type AgentStatus string

const (
	AgentAvailable AgentStatus = "available"
	AgentBusy      AgentStatus = "busy"
	AgentAway      AgentStatus = "away"
	AgentOffline   AgentStatus = "offline"
)

// Valid reports whether s is one of the defined agent statuses
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentAvailable, AgentBusy, AgentAway, AgentOffline:
		return true
	}
	return false
}

// Channel is an opaque handle to a party's live connection. It is replaced
// on reconnect and never persisted.
type Channel interface {
	// Send delivers an event to the remote party. It must not block; it
	// returns false if the event could not be delivered.
	Send(event interface{}) bool
}

// Agent is a live agent entry in the presence registry
type Agent struct {
	AgentID               string      `json:"agentId"`
	DisplayName           string      `json:"displayName"`
	Status                AgentStatus `json:"status"`
	CurrentConversationID string      `json:"currentConversationId,omitempty"`
	Handled               int         `json:"handled"` // conversations handled this session
	RegisteredAt          time.Time   `json:"registeredAt"`
	Seq                   int64       `json:"-"` // registration order, tie-break key
	Channel               Channel     `json:"-"`
}

// Customer is a live customer entry in the presence registry
type Customer struct {
	CustomerID   string    `json:"customerId"`
	DisplayName  string    `json:"displayName"`
	RegisteredAt time.Time `json:"registeredAt"`
	Channel      Channel   `json:"-"`
}

// WaitingEntry is one customer waiting for a human agent
type WaitingEntry struct {
	CustomerID     string    `json:"customerId"`
	CustomerName   string    `json:"customerName"`
	ConversationID string    `json:"conversationId"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
}
