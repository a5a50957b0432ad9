package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deskline/backend/internal/metrics"
	"github.com/deskline/backend/internal/presence"
	"github.com/deskline/backend/internal/storage"
	"github.com/deskline/backend/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Router dispatches inbound messages to their destination: the assigned
// agent, the agent broadcast audience, or the scripted responder. It is the
// only writer of Message records. Within one conversation messages keep
// insertion order; a responder reply always follows the message that
// triggered it.
type Router struct {
	mu        sync.Mutex
	registry  *presence.Registry
	store     storage.Store
	responder Responder
	notifier  Notifier
	logger    zerolog.Logger
}

// NewRouter creates a conversation router
func NewRouter(registry *presence.Registry, store storage.Store, responder Responder, notifier Notifier, logger zerolog.Logger) *Router {
	return &Router{
		registry:  registry,
		store:     store,
		responder: responder,
		notifier:  notifier,
		logger:    logger.With().Str("component", "router").Logger(),
	}
}

// CustomerJoin registers the customer's conversation, creating one if
// absent, and announces the customer to all agents. Reconnecting resumes
// the open conversation with history intact.
func (r *Router) CustomerJoin(ctx context.Context, customerID, displayName string) (*types.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, err := r.resolveConversation(ctx, customerID, displayName)
	if err != nil {
		return nil, err
	}

	r.appendMessage(ctx, systemMessageFor(conv.ConversationID, "Customer joined the chat"))

	r.notifier.BroadcastAgents(types.NewCustomerAlert{
		Type:           "new_customer",
		CustomerID:     customerID,
		CustomerName:   displayName,
		ConversationID: conv.ConversationID,
	})
	return conv, nil
}

// ReceiveCustomerMessage appends a customer message and routes it. With an
// assigned agent the broadcast to the agent audience is the delivery; with
// no agent the scripted responder answers and the reply goes back to the
// customer and to the agent audience.
//
// Store failures never lose the in-memory delivery; they surface as a
// wrapped ErrStoreUnavailable after the message has been routed.
func (r *Router) ReceiveCustomerMessage(ctx context.Context, customerID, content string) (*types.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, err := r.resolveConversation(ctx, customerID, "")
	if err != nil {
		return nil, err
	}

	senderName := conv.CustomerName
	if customer, ok := r.registry.Customer(customerID); ok {
		senderName = customer.DisplayName
	}

	msg := types.Message{
		MessageID:      uuid.New().String(),
		ConversationID: conv.ConversationID,
		SenderType:     types.SenderCustomer,
		SenderID:       customerID,
		SenderName:     senderName,
		Content:        content,
		Timestamp:      time.Now(),
	}
	storeErr := r.appendMessage(ctx, msg)
	r.touchConversation(ctx, conv, content)
	metrics.Get().RecordMessage()

	r.notifier.BroadcastAgents(types.MessageDelivered{Type: "message", Message: msg})

	if conv.AgentID != "" {
		// Assigned conversations stop here, the agent audience already
		// received the message.
		if storeErr != nil {
			return &msg, storeErr
		}
		return &msg, nil
	}

	reply := r.responder.Reply(content)
	botMsg := types.Message{
		MessageID:      uuid.New().String(),
		ConversationID: conv.ConversationID,
		SenderType:     types.SenderBot,
		SenderName:     "Bot",
		Content:        reply,
		Timestamp:      time.Now(),
	}
	if err := r.appendMessage(ctx, botMsg); err != nil && storeErr == nil {
		storeErr = err
	}
	r.touchConversation(ctx, conv, reply)
	metrics.Get().RecordBotReply()

	r.notifier.ToCustomer(customerID, types.MessageDelivered{Type: "message", Message: botMsg})
	r.notifier.BroadcastAgents(types.MessageDelivered{Type: "message", Message: botMsg})

	return &msg, storeErr
}

// ReceiveAgentMessage appends an agent message and delivers it to the
// customer. The conversation's assigned agent must match the sender; a
// client-declared identity is never trusted for authorship.
func (r *Router) ReceiveAgentMessage(ctx context.Context, agentID, conversationID, content string) (*types.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: loading conversation: %v", ErrStoreUnavailable, err)
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	if conv.AgentID != agentID {
		return nil, ErrUnauthorizedSender
	}

	senderName := conv.AgentName
	if agent, ok := r.registry.Agent(agentID); ok {
		senderName = agent.DisplayName
	}

	msg := types.Message{
		MessageID:      uuid.New().String(),
		ConversationID: conversationID,
		SenderType:     types.SenderAgent,
		SenderID:       agentID,
		SenderName:     senderName,
		Content:        content,
		Timestamp:      time.Now(),
	}
	storeErr := r.appendMessage(ctx, msg)
	r.touchConversation(ctx, conv, content)
	metrics.Get().RecordMessage()

	r.notifier.ToCustomer(conv.CustomerID, types.MessageDelivered{Type: "message", Message: msg})

	if err := r.MarkRead(ctx, conversationID); err != nil && storeErr == nil {
		storeErr = err
	}
	return &msg, storeErr
}

// MarkRead flags all customer messages in a conversation as read by the
// agent. Called on conversation view and on every agent send.
func (r *Router) MarkRead(ctx context.Context, conversationID string) error {
	if err := r.store.MarkMessagesRead(ctx, conversationID); err != nil {
		metrics.Get().RecordStoreError()
		return fmt.Errorf("%w: marking messages read: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// RelayCustomerTyping forwards a customer typing signal to their assigned
// agent, if any. Nothing is persisted.
func (r *Router) RelayCustomerTyping(ctx context.Context, customerID string, isTyping bool) {
	conv, err := r.store.ActiveConversation(ctx, customerID)
	if err != nil || conv == nil || conv.AgentID == "" {
		return
	}
	sender := conv.CustomerName
	if sender == "" {
		sender = "Customer"
	}
	r.notifier.ToAgent(conv.AgentID, types.TypingIndicator{
		Type:     "typing_indicator",
		Sender:   sender,
		IsTyping: isTyping,
	})
}

// RelayAgentTyping forwards an agent typing signal to the customer
func (r *Router) RelayAgentTyping(agentID, customerID string, isTyping bool) {
	sender := "Agent"
	if agent, ok := r.registry.Agent(agentID); ok {
		sender = agent.DisplayName
	}
	r.notifier.ToCustomer(customerID, types.TypingIndicator{
		Type:     "typing_indicator",
		Sender:   sender,
		IsTyping: isTyping,
	})
}

// resolveConversation finds the customer's open conversation or creates one
// in bot state. Exactly one non-closed conversation per customer exists.
func (r *Router) resolveConversation(ctx context.Context, customerID, displayName string) (*types.Conversation, error) {
	conv, err := r.store.ActiveConversation(ctx, customerID)
	if err != nil {
		metrics.Get().RecordStoreError()
		return nil, fmt.Errorf("%w: loading conversation: %v", ErrStoreUnavailable, err)
	}
	if conv != nil {
		return conv, nil
	}

	if displayName == "" {
		if customer, ok := r.registry.Customer(customerID); ok {
			displayName = customer.DisplayName
		}
	}

	now := time.Now()
	conv = &types.Conversation{
		ConversationID: uuid.New().String(),
		CustomerID:     customerID,
		CustomerName:   displayName,
		Status:         types.ConversationBot,
		StartedAt:      now,
		LastMessageAt:  now,
	}
	if err := r.store.CreateConversation(ctx, conv); err != nil {
		metrics.Get().RecordStoreError()
		return nil, fmt.Errorf("%w: creating conversation: %v", ErrStoreUnavailable, err)
	}

	r.logger.Info().
		Str("customer_id", customerID).
		Str("conversation_id", conv.ConversationID).
		Msg("conversation created")
	return conv, nil
}

// appendMessage persists one message, translating failures into the
// taxonomy. The caller decides whether the failure aborts anything.
func (r *Router) appendMessage(ctx context.Context, msg types.Message) error {
	if err := r.store.AppendMessage(ctx, msg); err != nil {
		r.logger.Error().Err(err).
			Str("conversation_id", msg.ConversationID).
			Str("sender_type", string(msg.SenderType)).
			Msg("appending message, durable history is incomplete")
		metrics.Get().RecordStoreError()
		return fmt.Errorf("%w: appending message: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// touchConversation records the latest message preview through a narrow
// store write. The engine may assign or close the conversation between our
// load and this write, so writing the whole record back here would clobber
// that transition.
func (r *Router) touchConversation(ctx context.Context, conv *types.Conversation, lastMessage string) {
	conv.LastMessage = lastMessage
	conv.LastMessageAt = time.Now()
	if err := r.store.UpdateLastMessage(ctx, conv.ConversationID, conv.LastMessage, conv.LastMessageAt); err != nil {
		r.logger.Error().Err(err).Str("conversation_id", conv.ConversationID).Msg("updating last message")
		metrics.Get().RecordStoreError()
	}
}

func systemMessageFor(conversationID, content string) types.Message {
	return types.Message{
		MessageID:      uuid.New().String(),
		ConversationID: conversationID,
		SenderType:     types.SenderSystem,
		SenderName:     "System",
		Content:        content,
		Timestamp:      time.Now(),
	}
}
