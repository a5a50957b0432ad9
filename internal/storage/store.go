package storage

import (
	"context"
	"time"

	"github.com/deskline/backend/internal/types"
)

// Store is the durable record of conversations and messages. Pure data
// access, no routing policy. Lookups that miss return (nil, nil) rather
// than an error.
type Store interface {
	// ActiveConversation returns the customer's single non-closed
	// conversation, or nil if none exists.
	ActiveConversation(ctx context.Context, customerID string) (*types.Conversation, error)

	// GetConversation returns a conversation by ID, or nil if missing
	GetConversation(ctx context.Context, conversationID string) (*types.Conversation, error)

	// CreateConversation persists a new conversation record
	CreateConversation(ctx context.Context, conv *types.Conversation) error

	// UpdateConversation overwrites an existing conversation record
	UpdateConversation(ctx context.Context, conv *types.Conversation) error

	// UpdateLastMessage records the conversation's latest message preview.
	// A narrow write: status and assignment fields are never touched, so it
	// cannot clobber a concurrent assignment.
	UpdateLastMessage(ctx context.Context, conversationID, lastMessage string, at time.Time) error

	// AppendMessage persists one immutable message
	AppendMessage(ctx context.Context, msg types.Message) error

	// ListMessages returns a conversation's messages in insertion order
	ListMessages(ctx context.Context, conversationID string) ([]types.Message, error)

	// ListConversations returns all conversations, most recent first
	ListConversations(ctx context.Context) ([]types.Conversation, error)

	// ConversationsByCustomer returns a customer's conversations, most
	// recent first.
	ConversationsByCustomer(ctx context.Context, customerID string) ([]types.Conversation, error)

	// OpenConversationsByAgent returns an agent's non-closed conversations
	OpenConversationsByAgent(ctx context.Context, agentID string) ([]types.Conversation, error)

	// UnreadCount counts customer messages not yet read by an agent
	UnreadCount(ctx context.Context, conversationID string) (int, error)

	// MarkMessagesRead flags all customer messages in a conversation as read
	MarkMessagesRead(ctx context.Context, conversationID string) error

	// SaveFeedback records a rating and feedback text on a conversation
	SaveFeedback(ctx context.Context, conversationID string, rating int, feedback string) error
}
