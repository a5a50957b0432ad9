package types

import "time"

// Inbound event types accepted on a WebSocket connection
const (
	EventCustomerJoin    = "customer_join"
	EventAgentJoin       = "agent_join"
	EventCustomerMessage = "customer_message"
	EventAgentMessage    = "agent_message"
	EventRequestHuman    = "request_human"
	EventAcceptWaiting   = "accept_waiting"
	EventAgentStatus     = "agent_status_change"
	EventEndConversation = "end_conversation"
	EventTyping          = "typing"
)

// CustomerJoinEvent is sent when a customer connects or reconnects
type CustomerJoinEvent struct {
	Type       string `json:"type"` // "customer_join"
	CustomerID string `json:"customerId"`
	Name       string `json:"name"`
}

// AgentJoinEvent is sent when an agent connects or reconnects
type AgentJoinEvent struct {
	Type    string `json:"type"` // "agent_join"
	AgentID string `json:"agentId"`
	Name    string `json:"name"`
}

// CustomerMessageEvent carries a customer chat message
type CustomerMessageEvent struct {
	Type       string `json:"type"` // "customer_message"
	CustomerID string `json:"customerId"`
	Content    string `json:"content"`
}

// AgentMessageEvent carries an agent chat message into a conversation
type AgentMessageEvent struct {
	Type           string `json:"type"` // "agent_message"
	AgentID        string `json:"agentId"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// RequestHumanEvent is a customer asking for a human agent
type RequestHumanEvent struct {
	Type       string `json:"type"` // "request_human"
	CustomerID string `json:"customerId"`
}

// AcceptWaitingEvent is an agent pulling a specific customer from the queue
type AcceptWaitingEvent struct {
	Type       string `json:"type"` // "accept_waiting"
	AgentID    string `json:"agentId"`
	CustomerID string `json:"customerId"`
}

// AgentStatusEvent is an explicit agent status change
type AgentStatusEvent struct {
	Type    string      `json:"type"` // "agent_status_change"
	AgentID string      `json:"agentId"`
	Status  AgentStatus `json:"status"`
}

// EndConversationEvent is an agent closing a conversation
type EndConversationEvent struct {
	Type           string `json:"type"` // "end_conversation"
	AgentID        string `json:"agentId"`
	ConversationID string `json:"conversationId"`
}

// TypingEvent is a transient typing signal, relayed but never persisted
type TypingEvent struct {
	Type       string `json:"type"` // "typing"
	CustomerID string `json:"customerId"`
	IsTyping   bool   `json:"isTyping"`
}

// Outbound notification payloads

// ConnectionAck confirms a join and reports the party's conversation
type ConnectionAck struct {
	Type           string `json:"type"` // "connection_ack"
	CustomerID     string `json:"customerId,omitempty"`
	AgentID        string `json:"agentId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// NewCustomerAlert tells agents a customer joined
type NewCustomerAlert struct {
	Type           string `json:"type"` // "new_customer"
	CustomerID     string `json:"customerId"`
	CustomerName   string `json:"customerName"`
	ConversationID string `json:"conversationId"`
}

// MessageDelivered carries a persisted message to its recipients
type MessageDelivered struct {
	Type    string  `json:"type"` // "message"
	Message Message `json:"message"`
}

// QueuePositionUpdate tells a waiting customer their current position
type QueuePositionUpdate struct {
	Type     string `json:"type"` // "queue_position"
	Position int    `json:"position"`
	Message  string `json:"message,omitempty"`
}

// CustomerQueued tells agents a customer is waiting
type CustomerQueued struct {
	Type     string       `json:"type"` // "customer_queued"
	Entry    WaitingEntry `json:"entry"`
	Position int          `json:"position"`
}

// AgentJoinedConversation tells a customer their agent arrived
type AgentJoinedConversation struct {
	Type           string `json:"type"` // "agent_joined"
	AgentID        string `json:"agentId"`
	AgentName      string `json:"agentName"`
	ConversationID string `json:"conversationId"`
	Message        string `json:"message,omitempty"`
}

// AssignmentNotice tells an agent they were bound to a conversation
type AssignmentNotice struct {
	Type           string `json:"type"` // "assignment"
	ConversationID string `json:"conversationId"`
	CustomerID     string `json:"customerId"`
	CustomerName   string `json:"customerName"`
}

// AssignmentBroadcast tells all agents about a completed assignment
type AssignmentBroadcast struct {
	Type           string `json:"type"` // "agent_assigned"
	AgentID        string `json:"agentId"`
	AgentName      string `json:"agentName"`
	CustomerID     string `json:"customerId"`
	ConversationID string `json:"conversationId"`
}

// ConversationHistory delivers the full message history to an agent
type ConversationHistory struct {
	Type           string    `json:"type"` // "conversation_history"
	ConversationID string    `json:"conversationId"`
	CustomerID     string    `json:"customerId"`
	CustomerName   string    `json:"customerName"`
	Messages       []Message `json:"messages"`
}

// ConversationEnded tells both parties a conversation closed
type ConversationEnded struct {
	Type           string `json:"type"` // "conversation_ended"
	ConversationID string `json:"conversationId"`
	AgentID        string `json:"agentId,omitempty"`
	Message        string `json:"message,omitempty"`
}

// RequeuedNotice tells a customer they lost their agent and wait again
type RequeuedNotice struct {
	Type     string `json:"type"` // "requeued"
	Position int    `json:"position"`
	Message  string `json:"message,omitempty"`
}

// AgentPresenceNotice tells agents one of them connected or disconnected
type AgentPresenceNotice struct {
	Type      string `json:"type"` // "agent_connected" | "agent_disconnected"
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName,omitempty"`
}

// CustomerGone tells an agent their customer disconnected
type CustomerGone struct {
	Type           string `json:"type"` // "customer_disconnected"
	CustomerID     string `json:"customerId"`
	ConversationID string `json:"conversationId,omitempty"`
}

// AvailabilityCount reports the size of the live agent pool
type AvailabilityCount struct {
	Type      string    `json:"type"` // "agent_availability"
	Available int       `json:"available"`
	Total     int       `json:"total"`
	Timestamp time.Time `json:"timestamp"`
}

// TypingIndicator relays a typing signal to the opposing party
type TypingIndicator struct {
	Type     string `json:"type"` // "typing_indicator"
	Sender   string `json:"sender"`
	IsTyping bool   `json:"isTyping"`
}

// Rejection reports a failed operation back to its event source
type Rejection struct {
	Type   string `json:"type"` // "rejection"
	Op     string `json:"op"`
	Reason string `json:"reason"`
}
