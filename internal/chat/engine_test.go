package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/deskline/backend/internal/presence"
	"github.com/deskline/backend/internal/storage"
	"github.com/deskline/backend/internal/types"
	"github.com/rs/zerolog"
)

type nopChannel struct{}

func (nopChannel) Send(event interface{}) bool { return true }

// recordingNotifier captures outbound events for assertions
type recordingNotifier struct {
	mu              sync.Mutex
	toCustomer      map[string][]interface{}
	toAgent         map[string][]interface{}
	agentBroadcasts []interface{}
	allBroadcasts   []interface{}
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{
		toCustomer: make(map[string][]interface{}),
		toAgent:    make(map[string][]interface{}),
	}
}

func (n *recordingNotifier) ToCustomer(customerID string, event interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.toCustomer[customerID] = append(n.toCustomer[customerID], event)
}

func (n *recordingNotifier) ToAgent(agentID string, event interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.toAgent[agentID] = append(n.toAgent[agentID], event)
}

func (n *recordingNotifier) BroadcastAgents(event interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.agentBroadcasts = append(n.agentBroadcasts, event)
}

func (n *recordingNotifier) BroadcastAll(event interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.allBroadcasts = append(n.allBroadcasts, event)
}

func (n *recordingNotifier) customerEvents(customerID string) []interface{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]interface{}(nil), n.toCustomer[customerID]...)
}

func (n *recordingNotifier) agentEvents(agentID string) []interface{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]interface{}(nil), n.toAgent[agentID]...)
}

func newTestEngine() (*Engine, *storage.MemoryStore, *presence.Registry, *WaitingQueue, *recordingNotifier) {
	store := storage.NewMemoryStore()
	registry := presence.NewRegistry()
	queue := NewWaitingQueue()
	notifier := newRecordingNotifier()
	engine := NewEngine(registry, queue, store, notifier, zerolog.Nop())
	return engine, store, registry, queue, notifier
}

func seedConversation(t *testing.T, store storage.Store, customerID string, status types.ConversationStatus) *types.Conversation {
	t.Helper()
	now := time.Now()
	conv := &types.Conversation{
		ConversationID: "conv-" + customerID,
		CustomerID:     customerID,
		CustomerName:   "Customer " + customerID,
		Status:         status,
		StartedAt:      now,
		LastMessageAt:  now,
	}
	if err := store.CreateConversation(context.Background(), conv); err != nil {
		t.Fatalf("seeding conversation: %v", err)
	}
	return conv
}

func TestRequestHumanNoConversation(t *testing.T) {
	engine, _, _, _, _ := newTestEngine()

	err := engine.RequestHuman(context.Background(), "cust-1")
	if !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestRequestHumanQueuesWhenNoAgent(t *testing.T) {
	engine, store, _, queue, notifier := newTestEngine()
	ctx := context.Background()
	seedConversation(t, store, "cust-1", types.ConversationBot)

	if err := engine.RequestHuman(ctx, "cust-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if queue.Len() != 1 {
		t.Fatalf("expected 1 waiting customer, got %d", queue.Len())
	}

	conv, _ := store.GetConversation(ctx, "conv-cust-1")
	if conv.Status != types.ConversationQueued {
		t.Errorf("expected queued status, got %s", conv.Status)
	}

	var gotPosition bool
	for _, ev := range notifier.customerEvents("cust-1") {
		if pos, ok := ev.(types.QueuePositionUpdate); ok {
			gotPosition = true
			if pos.Position != 1 {
				t.Errorf("expected position 1, got %d", pos.Position)
			}
		}
	}
	if !gotPosition {
		t.Error("expected queue position update for customer")
	}

	var alerted bool
	for _, ev := range notifier.agentBroadcasts {
		if _, ok := ev.(types.CustomerQueued); ok {
			alerted = true
		}
	}
	if !alerted {
		t.Error("expected customer_queued broadcast to agents")
	}
}

func TestRequestHumanIsIdempotentWhileWaiting(t *testing.T) {
	engine, store, _, queue, notifier := newTestEngine()
	ctx := context.Background()
	seedConversation(t, store, "cust-1", types.ConversationBot)

	engine.RequestHuman(ctx, "cust-1")
	if err := engine.RequestHuman(ctx, "cust-1"); err != nil {
		t.Fatalf("unexpected error on duplicate request: %v", err)
	}

	if queue.Len() != 1 {
		t.Errorf("expected one queue entry after duplicate request, got %d", queue.Len())
	}

	// The duplicate produced a second position report, not a second entry
	positions := 0
	for _, ev := range notifier.customerEvents("cust-1") {
		if _, ok := ev.(types.QueuePositionUpdate); ok {
			positions++
		}
	}
	if positions != 2 {
		t.Errorf("expected 2 position updates, got %d", positions)
	}
}

func TestRequestHumanAssignsImmediately(t *testing.T) {
	engine, store, registry, queue, notifier := newTestEngine()
	ctx := context.Background()
	seedConversation(t, store, "cust-1", types.ConversationBot)
	registry.RegisterAgent("agent-1", "Alice", nopChannel{})

	if err := engine.RequestHuman(ctx, "cust-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if queue.Len() != 0 {
		t.Errorf("expected empty queue, got %d", queue.Len())
	}

	conv, _ := store.GetConversation(ctx, "conv-cust-1")
	if conv.Status != types.ConversationActive {
		t.Errorf("expected active status, got %s", conv.Status)
	}
	if conv.AgentID != "agent-1" {
		t.Errorf("expected agent-1 assigned, got %q", conv.AgentID)
	}

	agent, _ := registry.Agent("agent-1")
	if agent.Status != types.AgentBusy || agent.CurrentConversationID != "conv-cust-1" {
		t.Error("expected agent busy on conv-cust-1")
	}

	var joined bool
	for _, ev := range notifier.customerEvents("cust-1") {
		if _, ok := ev.(types.AgentJoinedConversation); ok {
			joined = true
		}
	}
	if !joined {
		t.Error("expected agent_joined notification for customer")
	}

	var assigned, history bool
	for _, ev := range notifier.agentEvents("agent-1") {
		switch ev.(type) {
		case types.AssignmentNotice:
			assigned = true
		case types.ConversationHistory:
			history = true
		}
	}
	if !assigned || !history {
		t.Errorf("expected assignment notice and history for agent, got assigned=%v history=%v", assigned, history)
	}
}

func TestRequestHumanAlreadyAssigned(t *testing.T) {
	engine, store, registry, _, _ := newTestEngine()
	ctx := context.Background()
	seedConversation(t, store, "cust-1", types.ConversationBot)
	registry.RegisterAgent("agent-1", "Alice", nopChannel{})

	engine.RequestHuman(ctx, "cust-1")

	err := engine.RequestHuman(ctx, "cust-1")
	if !errors.Is(err, ErrAlreadyAssigned) {
		t.Errorf("expected ErrAlreadyAssigned, got %v", err)
	}
}

func TestAcceptWaiting(t *testing.T) {
	engine, store, registry, queue, _ := newTestEngine()
	ctx := context.Background()
	seedConversation(t, store, "cust-1", types.ConversationBot)
	engine.RequestHuman(ctx, "cust-1") // queues, nobody available

	registry.RegisterAgent("agent-1", "Alice", nopChannel{})
	registry.RegisterAgent("agent-2", "Bob", nopChannel{})

	if err := engine.AcceptWaiting(ctx, "agent-1", "cust-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if queue.Len() != 0 {
		t.Errorf("expected empty queue, got %d", queue.Len())
	}
	conv, _ := store.GetConversation(ctx, "conv-cust-1")
	if conv.Status != types.ConversationActive || conv.AgentID != "agent-1" {
		t.Errorf("expected active with agent-1, got %s/%q", conv.Status, conv.AgentID)
	}

	// The second acceptance loses: the customer is no longer waiting
	err := engine.AcceptWaiting(ctx, "agent-2", "cust-1")
	if !errors.Is(err, ErrNotWaiting) {
		t.Errorf("expected ErrNotWaiting for second accept, got %v", err)
	}
}

func TestAcceptWaitingConcurrentSingleWinner(t *testing.T) {
	engine, store, registry, queue, _ := newTestEngine()
	ctx := context.Background()
	seedConversation(t, store, "cust-1", types.ConversationBot)
	engine.RequestHuman(ctx, "cust-1")

	registry.RegisterAgent("agent-1", "Alice", nopChannel{})
	registry.RegisterAgent("agent-2", "Bob", nopChannel{})

	results := make(chan error, 2)
	for _, agentID := range []string{"agent-1", "agent-2"} {
		go func(id string) {
			results <- engine.AcceptWaiting(ctx, id, "cust-1")
		}(agentID)
	}

	var wins, losses int
	for i := 0; i < 2; i++ {
		switch err := <-results; {
		case err == nil:
			wins++
		case errors.Is(err, ErrNotWaiting):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("expected exactly one winner and one ErrNotWaiting, got %d/%d", wins, losses)
	}

	if queue.Len() != 0 {
		t.Errorf("expected empty queue, got %d", queue.Len())
	}
	conv, _ := store.GetConversation(ctx, "conv-cust-1")
	if conv.Status != types.ConversationActive || conv.AgentID == "" {
		t.Errorf("expected one active assignment, got %s/%q", conv.Status, conv.AgentID)
	}
}

func TestAcceptWaitingStaleEntryAdvancesPositions(t *testing.T) {
	engine, store, registry, queue, notifier := newTestEngine()
	ctx := context.Background()
	seedConversation(t, store, "cust-1", types.ConversationBot)
	seedConversation(t, store, "cust-2", types.ConversationBot)
	engine.RequestHuman(ctx, "cust-1")
	engine.RequestHuman(ctx, "cust-2")

	// cust-1's conversation ends up closed while the entry still queues
	conv, _ := store.GetConversation(ctx, "conv-cust-1")
	conv.Status = types.ConversationClosed
	store.UpdateConversation(ctx, conv)

	registry.RegisterAgent("agent-1", "Alice", nopChannel{})

	err := engine.AcceptWaiting(ctx, "agent-1", "cust-1")
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}

	if queue.Position("cust-2") != 1 {
		t.Errorf("expected cust-2 advanced to position 1, got %d", queue.Position("cust-2"))
	}

	// The customer behind the stale entry was told about the new position
	events := notifier.customerEvents("cust-2")
	var lastPos int
	for _, ev := range events {
		if pos, ok := ev.(types.QueuePositionUpdate); ok {
			lastPos = pos.Position
		}
	}
	if lastPos != 1 {
		t.Errorf("expected position 1 broadcast to cust-2, got %d", lastPos)
	}
}

func TestReconnectDuringConversationStaysBusy(t *testing.T) {
	engine, store, registry, queue, _ := newTestEngine()
	ctx := context.Background()
	seedConversation(t, store, "cust-1", types.ConversationBot)
	seedConversation(t, store, "cust-2", types.ConversationBot)

	registry.RegisterAgent("agent-1", "Alice", nopChannel{})
	engine.RequestHuman(ctx, "cust-1") // assigned

	// Second tab: the agent re-registers mid-conversation
	registry.RegisterAgent("agent-1", "Alice", nopChannel{})

	if err := engine.RequestHuman(ctx, "cust-2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// cust-2 waits; the reconnected agent keeps their one conversation
	if queue.Position("cust-2") != 1 {
		t.Errorf("expected cust-2 queued at position 1, got %d", queue.Position("cust-2"))
	}
	conv2, _ := store.GetConversation(ctx, "conv-cust-2")
	if conv2.Status != types.ConversationQueued || conv2.AgentID != "" {
		t.Errorf("expected cust-2 queued unassigned, got %s/%q", conv2.Status, conv2.AgentID)
	}

	agent, _ := registry.Agent("agent-1")
	if agent.Status != types.AgentBusy || agent.CurrentConversationID != "conv-cust-1" {
		t.Error("expected agent still busy on conv-cust-1 after reconnect")
	}
}

func TestAcceptWaitingBusyAgent(t *testing.T) {
	engine, store, registry, _, _ := newTestEngine()
	ctx := context.Background()
	seedConversation(t, store, "cust-1", types.ConversationBot)
	seedConversation(t, store, "cust-2", types.ConversationBot)

	registry.RegisterAgent("agent-1", "Alice", nopChannel{})
	engine.RequestHuman(ctx, "cust-1") // takes agent-1
	engine.RequestHuman(ctx, "cust-2") // queued

	err := engine.AcceptWaiting(ctx, "agent-1", "cust-2")
	if !errors.Is(err, ErrAgentUnavailable) {
		t.Errorf("expected ErrAgentUnavailable for busy agent, got %v", err)
	}

	err = engine.AcceptWaiting(ctx, "agent-99", "cust-2")
	if !errors.Is(err, ErrAgentUnavailable) {
		t.Errorf("expected ErrAgentUnavailable for unknown agent, got %v", err)
	}
}

func TestEndConversation(t *testing.T) {
	engine, store, registry, _, notifier := newTestEngine()
	ctx := context.Background()
	seedConversation(t, store, "cust-1", types.ConversationBot)
	registry.RegisterAgent("agent-1", "Alice", nopChannel{})
	registry.RegisterAgent("agent-2", "Bob", nopChannel{})
	engine.RequestHuman(ctx, "cust-1")

	// Only the assigned agent may close
	err := engine.EndConversation(ctx, "agent-2", "conv-cust-1")
	if !errors.Is(err, ErrUnauthorizedSender) {
		t.Fatalf("expected ErrUnauthorizedSender, got %v", err)
	}

	if err := engine.EndConversation(ctx, "agent-1", "conv-cust-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	conv, _ := store.GetConversation(ctx, "conv-cust-1")
	if conv.Status != types.ConversationClosed {
		t.Errorf("expected closed status, got %s", conv.Status)
	}
	if conv.AgentID != "" {
		t.Errorf("expected cleared agent binding, got %q", conv.AgentID)
	}
	if conv.AgentName != "Alice" {
		t.Errorf("expected agent name kept as trace, got %q", conv.AgentName)
	}
	if conv.EndedAt == nil {
		t.Error("expected EndedAt set")
	}

	agent, _ := registry.Agent("agent-1")
	if agent.Status != types.AgentAvailable || agent.CurrentConversationID != "" {
		t.Error("expected agent released to available")
	}

	var ended bool
	for _, ev := range notifier.customerEvents("cust-1") {
		if _, ok := ev.(types.ConversationEnded); ok {
			ended = true
		}
	}
	if !ended {
		t.Error("expected conversation_ended notification for customer")
	}

	// Ending a closed conversation is a no-op
	if err := engine.EndConversation(ctx, "agent-1", "conv-cust-1"); err != nil {
		t.Errorf("expected nil for already-closed conversation, got %v", err)
	}

	err = engine.EndConversation(ctx, "agent-1", "conv-nope")
	if !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestEndConversationPullsNextWaiting(t *testing.T) {
	engine, store, registry, queue, _ := newTestEngine()
	ctx := context.Background()
	seedConversation(t, store, "cust-1", types.ConversationBot)
	seedConversation(t, store, "cust-2", types.ConversationBot)
	registry.RegisterAgent("agent-1", "Alice", nopChannel{})

	engine.RequestHuman(ctx, "cust-1") // assigned
	engine.RequestHuman(ctx, "cust-2") // queued

	if err := engine.EndConversation(ctx, "agent-1", "conv-cust-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The freed agent immediately picks up the waiting customer
	agent, _ := registry.Agent("agent-1")
	if agent.Status != types.AgentBusy {
		t.Errorf("expected agent busy on next customer, got %s", agent.Status)
	}
	if agent.CurrentConversationID != "conv-cust-2" {
		t.Errorf("expected conv-cust-2, got %s", agent.CurrentConversationID)
	}
	if queue.Len() != 0 {
		t.Errorf("expected empty queue, got %d", queue.Len())
	}

	conv, _ := store.GetConversation(ctx, "conv-cust-2")
	if conv.Status != types.ConversationActive || conv.AgentID != "agent-1" {
		t.Errorf("expected cust-2 active with agent-1, got %s/%q", conv.Status, conv.AgentID)
	}
}

func TestAgentDisconnectRequeuesAtTail(t *testing.T) {
	engine, store, registry, queue, notifier := newTestEngine()
	ctx := context.Background()
	seedConversation(t, store, "cust-1", types.ConversationBot)
	seedConversation(t, store, "cust-2", types.ConversationBot)
	registry.RegisterAgent("agent-1", "Alice", nopChannel{})

	engine.RequestHuman(ctx, "cust-1") // assigned to agent-1
	engine.RequestHuman(ctx, "cust-2") // queued

	engine.AgentDisconnect(ctx, "agent-1")

	if _, ok := registry.Agent("agent-1"); ok {
		t.Error("expected agent removed from registry")
	}

	conv, _ := store.GetConversation(ctx, "conv-cust-1")
	if conv.Status != types.ConversationQueued {
		t.Errorf("expected requeued conversation, got %s", conv.Status)
	}
	if conv.AgentID != "" || conv.AgentName != "" {
		t.Error("expected agent binding cleared on requeue")
	}

	// The abandoned customer goes to the back, behind cust-2
	if queue.Position("cust-2") != 1 {
		t.Errorf("expected cust-2 at position 1, got %d", queue.Position("cust-2"))
	}
	if queue.Position("cust-1") != 2 {
		t.Errorf("expected cust-1 at tail position 2, got %d", queue.Position("cust-1"))
	}

	var requeued bool
	for _, ev := range notifier.customerEvents("cust-1") {
		if notice, ok := ev.(types.RequeuedNotice); ok {
			requeued = true
			if notice.Position != 2 {
				t.Errorf("expected requeue position 2, got %d", notice.Position)
			}
		}
	}
	if !requeued {
		t.Error("expected requeued notice for customer")
	}
}

func TestSetAgentStatus(t *testing.T) {
	engine, store, registry, queue, _ := newTestEngine()
	ctx := context.Background()

	if err := engine.SetAgentStatus(ctx, "agent-1", "sleeping"); err == nil {
		t.Error("expected error for invalid status")
	}
	if err := engine.SetAgentStatus(ctx, "agent-1", types.AgentAway); !errors.Is(err, ErrAgentUnavailable) {
		t.Errorf("expected ErrAgentUnavailable for unknown agent, got %v", err)
	}

	registry.RegisterAgent("agent-1", "Alice", nopChannel{})

	// Going away keeps the agent out of assignment
	engine.SetAgentStatus(ctx, "agent-1", types.AgentAway)
	seedConversation(t, store, "cust-1", types.ConversationBot)
	engine.RequestHuman(ctx, "cust-1")
	if queue.Len() != 1 {
		t.Fatalf("expected customer queued while agent away, got queue len %d", queue.Len())
	}

	// Coming back available drains the queue
	engine.SetAgentStatus(ctx, "agent-1", types.AgentAvailable)
	if queue.Len() != 0 {
		t.Errorf("expected queue drained, got %d", queue.Len())
	}
	agent, _ := registry.Agent("agent-1")
	if agent.Status != types.AgentBusy || agent.CurrentConversationID != "conv-cust-1" {
		t.Error("expected agent assigned to waiting customer")
	}

	// Going offline mid-conversation requeues the customer
	engine.SetAgentStatus(ctx, "agent-1", types.AgentOffline)
	conv, _ := store.GetConversation(ctx, "conv-cust-1")
	if conv.Status != types.ConversationQueued {
		t.Errorf("expected requeued conversation, got %s", conv.Status)
	}
	agent, _ = registry.Agent("agent-1")
	if agent.Status != types.AgentOffline || agent.CurrentConversationID != "" {
		t.Error("expected offline agent with no assignment")
	}
}

func TestCustomerDisconnectWhileWaiting(t *testing.T) {
	engine, store, _, queue, _ := newTestEngine()
	ctx := context.Background()
	seedConversation(t, store, "cust-1", types.ConversationBot)
	engine.RequestHuman(ctx, "cust-1")

	engine.CustomerDisconnect(ctx, "cust-1")

	if queue.Len() != 0 {
		t.Errorf("expected queue entry removed, got %d", queue.Len())
	}
	conv, _ := store.GetConversation(ctx, "conv-cust-1")
	if conv.Status != types.ConversationClosed {
		t.Errorf("expected conversation closed, got %s", conv.Status)
	}
}

func TestCustomerDisconnectReleasesAgent(t *testing.T) {
	engine, store, registry, _, notifier := newTestEngine()
	ctx := context.Background()
	seedConversation(t, store, "cust-1", types.ConversationBot)
	registry.RegisterAgent("agent-1", "Alice", nopChannel{})
	engine.RequestHuman(ctx, "cust-1")

	engine.CustomerDisconnect(ctx, "cust-1")

	conv, _ := store.GetConversation(ctx, "conv-cust-1")
	if conv.Status != types.ConversationClosed {
		t.Errorf("expected conversation closed, got %s", conv.Status)
	}

	agent, _ := registry.Agent("agent-1")
	if agent.Status != types.AgentAvailable || agent.CurrentConversationID != "" {
		t.Error("expected agent released after customer left")
	}

	var gone bool
	for _, ev := range notifier.agentEvents("agent-1") {
		if _, ok := ev.(types.CustomerGone); ok {
			gone = true
		}
	}
	if !gone {
		t.Error("expected customer_disconnected notification for agent")
	}
}

// failingStore wraps a Store and fails updates that would persist an
// active assignment.
type failingStore struct {
	storage.Store
}

func (s *failingStore) UpdateConversation(ctx context.Context, conv *types.Conversation) error {
	if conv.Status == types.ConversationActive {
		return fmt.Errorf("connection reset")
	}
	return s.Store.UpdateConversation(ctx, conv)
}

func TestAssignmentRollsBackOnStoreFailure(t *testing.T) {
	memory := storage.NewMemoryStore()
	registry := presence.NewRegistry()
	queue := NewWaitingQueue()
	notifier := newRecordingNotifier()
	engine := NewEngine(registry, queue, &failingStore{Store: memory}, notifier, zerolog.Nop())
	ctx := context.Background()

	seedConversation(t, memory, "cust-1", types.ConversationBot)
	registry.RegisterAgent("agent-1", "Alice", nopChannel{})

	err := engine.RequestHuman(ctx, "cust-1")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}

	// The in-memory assignment was rolled back
	agent, _ := registry.Agent("agent-1")
	if agent.Status != types.AgentAvailable || agent.CurrentConversationID != "" {
		t.Error("expected agent rolled back to available")
	}
	if agent.Handled != 0 {
		t.Errorf("expected handled count rolled back, got %d", agent.Handled)
	}

	// Durable state never saw the assignment
	conv, _ := memory.GetConversation(ctx, "conv-cust-1")
	if conv.Status == types.ConversationActive || conv.AgentID != "" {
		t.Errorf("expected no persisted assignment, got %s/%q", conv.Status, conv.AgentID)
	}
}
