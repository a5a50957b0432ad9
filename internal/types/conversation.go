package types

import "time"

// ConversationStatus represents the lifecycle state of a conversation
type ConversationStatus string

const (
	ConversationBot    ConversationStatus = "bot"    // no agent involved, scripted responder answers
	ConversationQueued ConversationStatus = "queued" // waiting for a human agent
	ConversationActive ConversationStatus = "active" // assigned to an agent
	ConversationClosed ConversationStatus = "closed" // terminal
)

// SenderType identifies who authored a message
type SenderType string

const (
	SenderCustomer SenderType = "customer"
	SenderAgent    SenderType = "agent"
	SenderBot      SenderType = "bot"
	SenderSystem   SenderType = "system"
)

// Conversation is the durable record of one customer thread.
// AgentID is non-empty exactly when Status is active.
type Conversation struct {
	ConversationID string             `json:"conversationId"`
	CustomerID     string             `json:"customerId"`
	CustomerName   string             `json:"customerName"`
	AgentID        string             `json:"agentId,omitempty"`
	AgentName      string             `json:"agentName,omitempty"`
	Status         ConversationStatus `json:"status"`
	StartedAt      time.Time          `json:"startedAt"`
	EndedAt        *time.Time         `json:"endedAt,omitempty"`
	LastMessage    string             `json:"lastMessage,omitempty"`
	LastMessageAt  time.Time          `json:"lastMessageAt"`
	Rating         int                `json:"rating,omitempty"`
	Feedback       string             `json:"feedback,omitempty"`
}

// Open reports whether the conversation has not been closed
func (c *Conversation) Open() bool {
	return c.Status != ConversationClosed
}

// Message is one immutable entry in a conversation's history
type Message struct {
	MessageID      string     `json:"messageId"`
	ConversationID string     `json:"conversationId"`
	SenderType     SenderType `json:"senderType"`
	SenderID       string     `json:"senderId,omitempty"`
	SenderName     string     `json:"senderName,omitempty"`
	Content        string     `json:"content"`
	Timestamp      time.Time  `json:"timestamp"`
	ReadByAgent    bool       `json:"readByAgent"`
}

// ConversationDetail pairs a conversation with its ordered messages
type ConversationDetail struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
}

// ConversationSummary is a per-agent listing entry with its unread count
type ConversationSummary struct {
	Conversation
	UnreadCount int `json:"unreadCount"`
}
