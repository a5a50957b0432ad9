package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/deskline/backend/internal/presence"
	"github.com/deskline/backend/internal/storage"
	"github.com/deskline/backend/internal/types"
	"github.com/rs/zerolog"
)

type scriptedResponder struct {
	reply string
}

func (s scriptedResponder) Reply(content string) string { return s.reply }

func newTestRouter() (*Router, *storage.MemoryStore, *presence.Registry, *recordingNotifier) {
	store := storage.NewMemoryStore()
	registry := presence.NewRegistry()
	notifier := newRecordingNotifier()
	router := NewRouter(registry, store, scriptedResponder{reply: "How can I help?"}, notifier, zerolog.Nop())
	return router, store, registry, notifier
}

func TestCustomerJoinCreatesConversation(t *testing.T) {
	router, store, _, notifier := newTestRouter()
	ctx := context.Background()

	conv, err := router.CustomerJoin(ctx, "cust-1", "Jane")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if conv.Status != types.ConversationBot {
		t.Errorf("expected bot status, got %s", conv.Status)
	}
	if conv.CustomerName != "Jane" {
		t.Errorf("expected customer name Jane, got %q", conv.CustomerName)
	}

	msgs, _ := store.ListMessages(ctx, conv.ConversationID)
	if len(msgs) != 1 || msgs[0].SenderType != types.SenderSystem {
		t.Errorf("expected one system join message, got %d messages", len(msgs))
	}

	var alerted bool
	for _, ev := range notifier.agentBroadcasts {
		if alert, ok := ev.(types.NewCustomerAlert); ok {
			alerted = true
			if alert.ConversationID != conv.ConversationID {
				t.Error("alert references wrong conversation")
			}
		}
	}
	if !alerted {
		t.Error("expected new_customer broadcast to agents")
	}
}

func TestCustomerJoinResumesOpenConversation(t *testing.T) {
	router, store, _, _ := newTestRouter()
	ctx := context.Background()

	first, err := router.CustomerJoin(ctx, "cust-1", "Jane")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := router.CustomerJoin(ctx, "cust-1", "Jane")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if second.ConversationID != first.ConversationID {
		t.Error("expected reconnect to resume the open conversation")
	}

	convs, _ := store.ConversationsByCustomer(ctx, "cust-1")
	if len(convs) != 1 {
		t.Errorf("expected exactly one conversation for customer, got %d", len(convs))
	}
}

func TestReceiveCustomerMessageTriggersBotReply(t *testing.T) {
	router, store, _, notifier := newTestRouter()
	ctx := context.Background()
	router.CustomerJoin(ctx, "cust-1", "Jane")

	msg, err := router.ReceiveCustomerMessage(ctx, "cust-1", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.SenderType != types.SenderCustomer || msg.Content != "hello" {
		t.Errorf("unexpected message %+v", msg)
	}

	// With no agent assigned the responder answers the customer
	var botReply bool
	for _, ev := range notifier.customerEvents("cust-1") {
		if delivered, ok := ev.(types.MessageDelivered); ok {
			if delivered.Message.SenderType == types.SenderBot {
				botReply = true
				if delivered.Message.Content != "How can I help?" {
					t.Errorf("unexpected bot reply %q", delivered.Message.Content)
				}
			}
		}
	}
	if !botReply {
		t.Error("expected bot reply delivered to customer")
	}

	// Persisted order: join system message, customer message, bot reply
	msgs, _ := store.ListMessages(ctx, msg.ConversationID)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 persisted messages, got %d", len(msgs))
	}
	if msgs[1].SenderType != types.SenderCustomer || msgs[2].SenderType != types.SenderBot {
		t.Error("expected customer message followed by bot reply")
	}

	conv, _ := store.GetConversation(ctx, msg.ConversationID)
	if conv.LastMessage != "How can I help?" {
		t.Errorf("expected last message updated, got %q", conv.LastMessage)
	}
}

func TestReceiveCustomerMessageAssignedSkipsBot(t *testing.T) {
	router, store, _, notifier := newTestRouter()
	ctx := context.Background()
	conv, _ := router.CustomerJoin(ctx, "cust-1", "Jane")

	conv.Status = types.ConversationActive
	conv.AgentID = "agent-1"
	conv.AgentName = "Alice"
	if err := store.UpdateConversation(ctx, conv); err != nil {
		t.Fatalf("seeding assignment: %v", err)
	}

	if _, err := router.ReceiveCustomerMessage(ctx, "cust-1", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, ev := range notifier.customerEvents("cust-1") {
		if delivered, ok := ev.(types.MessageDelivered); ok && delivered.Message.SenderType == types.SenderBot {
			t.Fatal("bot must not reply in an assigned conversation")
		}
	}

	// The agent audience still received the customer message
	var delivered bool
	for _, ev := range notifier.agentBroadcasts {
		if m, ok := ev.(types.MessageDelivered); ok && m.Message.SenderType == types.SenderCustomer {
			delivered = true
		}
	}
	if !delivered {
		t.Error("expected customer message broadcast to agents")
	}
}

func TestReceiveCustomerMessageCreatesConversation(t *testing.T) {
	router, store, _, _ := newTestRouter()
	ctx := context.Background()

	// A first message without a join still lands in a fresh conversation
	msg, err := router.ReceiveCustomerMessage(ctx, "cust-1", "anyone there?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	conv, _ := store.ActiveConversation(ctx, "cust-1")
	if conv == nil || conv.ConversationID != msg.ConversationID {
		t.Fatal("expected an open conversation created for the message")
	}
	if conv.Status != types.ConversationBot {
		t.Errorf("expected bot status, got %s", conv.Status)
	}
}

// hookStore runs a one-shot callback before the next appended message,
// opening a window between a caller's conversation load and its write.
type hookStore struct {
	storage.Store
	onAppend func()
}

func (s *hookStore) AppendMessage(ctx context.Context, msg types.Message) error {
	if s.onAppend != nil {
		hook := s.onAppend
		s.onAppend = nil
		hook()
	}
	return s.Store.AppendMessage(ctx, msg)
}

func TestCustomerMessageKeepsConcurrentAssignment(t *testing.T) {
	memory := storage.NewMemoryStore()
	registry := presence.NewRegistry()
	queue := NewWaitingQueue()
	notifier := newRecordingNotifier()
	engine := NewEngine(registry, queue, memory, notifier, zerolog.Nop())
	hooked := &hookStore{Store: memory}
	router := NewRouter(registry, hooked, scriptedResponder{reply: "How can I help?"}, notifier, zerolog.Nop())
	ctx := context.Background()

	conv, err := router.CustomerJoin(ctx, "cust-1", "Jane")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	registry.RegisterAgent("agent-1", "Alice", nopChannel{})

	// The assignment lands after the router loaded the conversation but
	// before it records the last-message preview
	hooked.onAppend = func() {
		if err := engine.RequestHuman(ctx, "cust-1"); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}

	if _, err := router.ReceiveCustomerMessage(ctx, "cust-1", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The router's write must not have reverted the assignment
	got, _ := memory.GetConversation(ctx, conv.ConversationID)
	if got.Status != types.ConversationActive || got.AgentID != "agent-1" {
		t.Fatalf("assignment clobbered: status=%s agent=%q", got.Status, got.AgentID)
	}
	if got.LastMessage == "" {
		t.Error("expected last message preview recorded")
	}

	agent, _ := registry.Agent("agent-1")
	if agent.Status != types.AgentBusy || agent.CurrentConversationID != conv.ConversationID {
		t.Error("expected registry and store to agree on the assignment")
	}
}

func TestReceiveAgentMessage(t *testing.T) {
	router, store, registry, notifier := newTestRouter()
	ctx := context.Background()
	registry.RegisterAgent("agent-1", "Alice", nopChannel{})

	conv, _ := router.CustomerJoin(ctx, "cust-1", "Jane")
	conv.Status = types.ConversationActive
	conv.AgentID = "agent-1"
	conv.AgentName = "Alice"
	store.UpdateConversation(ctx, conv)

	router.ReceiveCustomerMessage(ctx, "cust-1", "hello")

	msg, err := router.ReceiveAgentMessage(ctx, "agent-1", conv.ConversationID, "hi Jane")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.SenderType != types.SenderAgent || msg.SenderName != "Alice" {
		t.Errorf("unexpected message %+v", msg)
	}

	var delivered bool
	for _, ev := range notifier.customerEvents("cust-1") {
		if m, ok := ev.(types.MessageDelivered); ok && m.Message.SenderType == types.SenderAgent {
			delivered = true
		}
	}
	if !delivered {
		t.Error("expected agent message delivered to customer")
	}

	// The agent send marks earlier customer messages read
	unread, _ := store.UnreadCount(ctx, conv.ConversationID)
	if unread != 0 {
		t.Errorf("expected 0 unread after agent reply, got %d", unread)
	}
}

func TestReceiveAgentMessageRejections(t *testing.T) {
	router, store, registry, _ := newTestRouter()
	ctx := context.Background()
	registry.RegisterAgent("agent-1", "Alice", nopChannel{})
	registry.RegisterAgent("agent-2", "Bob", nopChannel{})

	_, err := router.ReceiveAgentMessage(ctx, "agent-1", "conv-nope", "hello")
	if !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("expected ErrConversationNotFound, got %v", err)
	}

	conv, _ := router.CustomerJoin(ctx, "cust-1", "Jane")
	conv.Status = types.ConversationActive
	conv.AgentID = "agent-1"
	store.UpdateConversation(ctx, conv)

	_, err = router.ReceiveAgentMessage(ctx, "agent-2", conv.ConversationID, "hello")
	if !errors.Is(err, ErrUnauthorizedSender) {
		t.Errorf("expected ErrUnauthorizedSender for non-assigned agent, got %v", err)
	}
}

func TestRelayTyping(t *testing.T) {
	router, store, registry, notifier := newTestRouter()
	ctx := context.Background()
	registry.RegisterAgent("agent-1", "Alice", nopChannel{})

	conv, _ := router.CustomerJoin(ctx, "cust-1", "Jane")

	// No assigned agent: the signal goes nowhere
	router.RelayCustomerTyping(ctx, "cust-1", true)
	if len(notifier.agentEvents("agent-1")) != 0 {
		t.Error("expected no typing relay without an assigned agent")
	}

	conv.Status = types.ConversationActive
	conv.AgentID = "agent-1"
	store.UpdateConversation(ctx, conv)

	router.RelayCustomerTyping(ctx, "cust-1", true)
	var typed bool
	for _, ev := range notifier.agentEvents("agent-1") {
		if ind, ok := ev.(types.TypingIndicator); ok {
			typed = true
			if ind.Sender != "Jane" || !ind.IsTyping {
				t.Errorf("unexpected indicator %+v", ind)
			}
		}
	}
	if !typed {
		t.Error("expected typing indicator relayed to agent")
	}

	router.RelayAgentTyping("agent-1", "cust-1", true)
	typed = false
	for _, ev := range notifier.customerEvents("cust-1") {
		if ind, ok := ev.(types.TypingIndicator); ok {
			typed = true
			if ind.Sender != "Alice" {
				t.Errorf("expected sender Alice, got %q", ind.Sender)
			}
		}
	}
	if !typed {
		t.Error("expected typing indicator relayed to customer")
	}
}
