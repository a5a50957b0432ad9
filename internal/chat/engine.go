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

const waitingMessage = "All agents are currently busy. You'll be connected to the next available agent."

// Engine owns every conversation state transition that involves the waiting
// queue or an agent assignment. All compound read-then-write sequences over
// presence, queue and assignment state run under one mutex, so concurrent
// events cannot double-assign an agent or double-accept a customer.
//
// In-memory presence and queue state is always mutated before the durable
// write. If the write fails, assignment transitions are rolled back so
// presence never diverges from recorded history.
type Engine struct {
	mu       sync.Mutex
	registry *presence.Registry
	queue    *WaitingQueue
	store    storage.Store
	notifier Notifier
	logger   zerolog.Logger
}

// NewEngine creates an assignment engine
func NewEngine(registry *presence.Registry, queue *WaitingQueue, store storage.Store, notifier Notifier, logger zerolog.Logger) *Engine {
	return &Engine{
		registry: registry,
		queue:    queue,
		store:    store,
		notifier: notifier,
		logger:   logger.With().Str("component", "engine").Logger(),
	}
}

// RequestHuman moves a customer's conversation to queued and tries an
// immediate assignment, falling back to the waiting queue. Calling it twice
// in succession produces exactly one queue entry or one assignment.
func (e *Engine) RequestHuman(ctx context.Context, customerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	conv, err := e.store.ActiveConversation(ctx, customerID)
	if err != nil {
		return fmt.Errorf("%w: loading conversation: %v", ErrStoreUnavailable, err)
	}
	if conv == nil {
		return ErrConversationNotFound
	}
	if conv.Status == types.ConversationActive {
		return ErrAlreadyAssigned
	}

	if pos := e.queue.Position(customerID); pos > 0 {
		// Duplicate request while already waiting: re-report the position,
		// never a second entry.
		e.notifier.ToCustomer(customerID, types.QueuePositionUpdate{
			Type:     "queue_position",
			Position: pos,
			Message:  waitingMessage,
		})
		return nil
	}

	conv.Status = types.ConversationQueued
	if err := e.store.UpdateConversation(ctx, conv); err != nil {
		return fmt.Errorf("%w: updating conversation: %v", ErrStoreUnavailable, err)
	}
	e.systemMessage(ctx, conv.ConversationID, "Customer requested to speak with an agent")

	if agent, ok := e.registry.FindAvailableAgent(); ok {
		return e.assignLocked(ctx, conv, agent)
	}

	entry := types.WaitingEntry{
		CustomerID:     customerID,
		CustomerName:   conv.CustomerName,
		ConversationID: conv.ConversationID,
		EnqueuedAt:     time.Now(),
	}
	position, _ := e.queue.Enqueue(entry)

	e.logger.Info().
		Str("customer_id", customerID).
		Str("conversation_id", conv.ConversationID).
		Int("position", position).
		Msg("no agent available, customer queued")

	e.notifier.ToCustomer(customerID, types.QueuePositionUpdate{
		Type:     "queue_position",
		Position: position,
		Message:  waitingMessage,
	})
	e.notifier.BroadcastAgents(types.CustomerQueued{
		Type:     "customer_queued",
		Entry:    entry,
		Position: position,
	})
	return nil
}

// AcceptWaiting is an explicit agent pull of one queued customer. Removing
// the queue entry and checking conversation state happen under the engine
// lock, so of two racing acceptances exactly one succeeds; the loser gets
// ErrNotWaiting.
func (e *Engine) AcceptWaiting(ctx context.Context, agentID, customerID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	agent, ok := e.registry.Agent(agentID)
	if !ok || agent.CurrentConversationID != "" {
		return ErrAgentUnavailable
	}

	entry, ok := e.queue.Remove(customerID)
	if !ok {
		return ErrNotWaiting
	}

	conv, err := e.store.GetConversation(ctx, entry.ConversationID)
	if err != nil {
		e.queue.Restore(entry)
		return fmt.Errorf("%w: loading conversation: %v", ErrStoreUnavailable, err)
	}
	if conv == nil || !conv.Open() {
		// The entry is already out of the queue; everyone behind it moved up
		e.broadcastPositionsLocked()
		return ErrConversationNotFound
	}
	if conv.Status == types.ConversationActive {
		return ErrAlreadyAssigned
	}

	if err := e.assignLocked(ctx, conv, agent); err != nil {
		e.queue.Restore(entry)
		return err
	}

	e.broadcastPositionsLocked()
	return nil
}

// EndConversation closes a conversation, the only path that makes one
// closed. The caller must be the assigned agent. The freed agent is
// immediately reassigned to the head of the queue when one is waiting.
func (e *Engine) EndConversation(ctx context.Context, agentID, conversationID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("%w: loading conversation: %v", ErrStoreUnavailable, err)
	}
	if conv == nil {
		return ErrConversationNotFound
	}
	if conv.Status == types.ConversationClosed {
		return nil
	}
	if conv.Status == types.ConversationActive && agentID != "" && conv.AgentID != agentID {
		return ErrUnauthorizedSender
	}

	assignedAgent := conv.AgentID
	if err := e.closeLocked(ctx, conv); err != nil {
		return err
	}
	e.systemMessage(ctx, conversationID, "Conversation ended")

	e.notifier.ToCustomer(conv.CustomerID, types.ConversationEnded{
		Type:           "conversation_ended",
		ConversationID: conversationID,
		AgentID:        assignedAgent,
		Message:        "Your conversation has been ended. Thank you for chatting with us!",
	})
	e.notifier.BroadcastAgents(types.ConversationEnded{
		Type:           "conversation_ended",
		ConversationID: conversationID,
		AgentID:        assignedAgent,
	})

	if assignedAgent != "" {
		e.releaseLocked(ctx, assignedAgent)
	}
	return nil
}

// SetAgentStatus applies an explicit status change. Going offline while
// assigned triggers the same requeue recovery as a disconnect; going
// available drains the waiting queue onto this agent.
func (e *Engine) SetAgentStatus(ctx context.Context, agentID string, status types.AgentStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid agent status %q", status)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	agent, ok := e.registry.Agent(agentID)
	if !ok {
		return ErrAgentUnavailable
	}

	if status == types.AgentOffline && agent.CurrentConversationID != "" {
		conversationID, _ := e.registry.Release(agentID, types.AgentOffline)
		e.requeueAbandonedLocked(ctx, conversationID)
	} else {
		e.registry.SetAgentStatus(agentID, status)
	}

	if status == types.AgentAvailable {
		e.drainQueueLocked(ctx, agentID)
	}

	e.notifyAvailabilityLocked()
	return nil
}

// AgentDisconnect removes an agent from the registry. An abandoned active
// conversation returns to queued at the back of the queue; requeuing at the
// tail rather than the front is deliberate policy.
func (e *Engine) AgentDisconnect(ctx context.Context, agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	agent, ok := e.registry.DeregisterAgent(agentID)
	if !ok {
		return
	}

	e.logger.Info().
		Str("agent_id", agentID).
		Str("conversation_id", agent.CurrentConversationID).
		Msg("agent disconnected")

	if agent.CurrentConversationID != "" {
		e.requeueAbandonedLocked(ctx, agent.CurrentConversationID)
	}

	e.notifier.BroadcastAgents(types.AgentPresenceNotice{
		Type:      "agent_disconnected",
		AgentID:   agentID,
		AgentName: agent.DisplayName,
	})
	e.notifyAvailabilityLocked()
}

// CustomerDisconnect removes a customer from registry and queue. A waiting
// customer leaves the queue synchronously so no assignment can target them;
// an open conversation is closed and its agent released back to the pool.
func (e *Engine) CustomerDisconnect(ctx context.Context, customerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, removed := e.queue.Remove(customerID); removed {
		e.broadcastPositionsLocked()
	}
	e.registry.DeregisterCustomer(customerID)

	conv, err := e.store.ActiveConversation(ctx, customerID)
	if err != nil {
		e.logger.Error().Err(err).Str("customer_id", customerID).Msg("loading conversation on disconnect")
		metrics.Get().RecordStoreError()
		return
	}
	if conv == nil {
		return
	}

	assignedAgent := conv.AgentID
	if err := e.closeLocked(ctx, conv); err != nil {
		e.logger.Error().Err(err).Str("conversation_id", conv.ConversationID).Msg("closing conversation on disconnect")
	}
	e.systemMessage(ctx, conv.ConversationID, "Customer disconnected")

	if assignedAgent != "" {
		e.notifier.ToAgent(assignedAgent, types.CustomerGone{
			Type:           "customer_disconnected",
			CustomerID:     customerID,
			ConversationID: conv.ConversationID,
		})
		e.releaseLocked(ctx, assignedAgent)
	}
	e.notifier.BroadcastAgents(types.CustomerGone{
		Type:       "customer_disconnected",
		CustomerID: customerID,
	})
}

// assignLocked binds an agent to a conversation: registry first, then the
// durable write, rolled back on failure. Both parties and the agent
// broadcast audience are notified, and the agent receives full history.
func (e *Engine) assignLocked(ctx context.Context, conv *types.Conversation, agent types.Agent) error {
	if !e.registry.Assign(agent.AgentID, conv.ConversationID) {
		return ErrAgentUnavailable
	}

	prevStatus := conv.Status
	prevAgent := conv.AgentID
	prevAgentName := conv.AgentName
	conv.AgentID = agent.AgentID
	conv.AgentName = agent.DisplayName
	conv.Status = types.ConversationActive

	if err := e.store.UpdateConversation(ctx, conv); err != nil {
		e.registry.Unassign(agent.AgentID, types.AgentAvailable)
		conv.AgentID = prevAgent
		conv.AgentName = prevAgentName
		conv.Status = prevStatus
		metrics.Get().RecordStoreError()
		return fmt.Errorf("%w: persisting assignment: %v", ErrStoreUnavailable, err)
	}

	e.systemMessage(ctx, conv.ConversationID, agent.DisplayName+" joined the conversation")
	metrics.Get().RecordAssignment()

	e.logger.Info().
		Str("agent_id", agent.AgentID).
		Str("customer_id", conv.CustomerID).
		Str("conversation_id", conv.ConversationID).
		Msg("agent assigned")

	e.notifier.ToAgent(agent.AgentID, types.AssignmentNotice{
		Type:           "assignment",
		ConversationID: conv.ConversationID,
		CustomerID:     conv.CustomerID,
		CustomerName:   conv.CustomerName,
	})
	if history, err := e.store.ListMessages(ctx, conv.ConversationID); err == nil {
		e.notifier.ToAgent(agent.AgentID, types.ConversationHistory{
			Type:           "conversation_history",
			ConversationID: conv.ConversationID,
			CustomerID:     conv.CustomerID,
			CustomerName:   conv.CustomerName,
			Messages:       history,
		})
	} else {
		e.logger.Error().Err(err).Str("conversation_id", conv.ConversationID).Msg("loading history for agent")
		metrics.Get().RecordStoreError()
	}
	e.notifier.ToCustomer(conv.CustomerID, types.AgentJoinedConversation{
		Type:           "agent_joined",
		AgentID:        agent.AgentID,
		AgentName:      agent.DisplayName,
		ConversationID: conv.ConversationID,
		Message:        agent.DisplayName + " has joined the chat",
	})
	e.notifier.BroadcastAgents(types.AssignmentBroadcast{
		Type:           "agent_assigned",
		AgentID:        agent.AgentID,
		AgentName:      agent.DisplayName,
		CustomerID:     conv.CustomerID,
		ConversationID: conv.ConversationID,
	})

	e.notifyAvailabilityLocked()
	return nil
}

// closeLocked marks a conversation closed. The agent binding is cleared so
// a non-active conversation never carries an agent ID; the agent name stays
// as the durable trace of who handled it.
func (e *Engine) closeLocked(ctx context.Context, conv *types.Conversation) error {
	now := time.Now()
	conv.Status = types.ConversationClosed
	conv.EndedAt = &now
	conv.AgentID = ""
	if err := e.store.UpdateConversation(ctx, conv); err != nil {
		metrics.Get().RecordStoreError()
		return fmt.Errorf("%w: closing conversation: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// releaseLocked frees an agent after their conversation ended and pulls the
// next waiting customer onto them. When someone is waiting the agent goes
// busy-to-busy without an observable available window.
func (e *Engine) releaseLocked(ctx context.Context, agentID string) {
	if _, ok := e.registry.Release(agentID, types.AgentAvailable); !ok {
		return
	}
	e.drainQueueLocked(ctx, agentID)
	e.notifyAvailabilityLocked()
}

// drainQueueLocked assigns the head of the waiting queue to the given agent
// if both still exist. Entries whose conversation vanished or closed are
// discarded.
func (e *Engine) drainQueueLocked(ctx context.Context, agentID string) {
	for {
		agent, ok := e.registry.Agent(agentID)
		if !ok || agent.Status != types.AgentAvailable {
			return
		}

		entry, ok := e.queue.DequeueNext()
		if !ok {
			return
		}

		conv, err := e.store.GetConversation(ctx, entry.ConversationID)
		if err != nil {
			e.queue.Restore(entry)
			e.logger.Error().Err(err).Str("conversation_id", entry.ConversationID).Msg("loading queued conversation")
			metrics.Get().RecordStoreError()
			return
		}
		if conv == nil || conv.Status != types.ConversationQueued {
			// Stale entry, drop it and keep draining
			e.broadcastPositionsLocked()
			continue
		}

		if err := e.assignLocked(ctx, conv, agent); err != nil {
			e.queue.Restore(entry)
			e.logger.Error().Err(err).Str("conversation_id", entry.ConversationID).Msg("assigning queued customer")
			return
		}
		e.broadcastPositionsLocked()
		return
	}
}

// requeueAbandonedLocked returns an active conversation to queued after its
// agent was lost, appending the customer at the back of the queue.
func (e *Engine) requeueAbandonedLocked(ctx context.Context, conversationID string) {
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil || conv == nil || conv.Status != types.ConversationActive {
		if err != nil {
			e.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("loading abandoned conversation")
			metrics.Get().RecordStoreError()
		}
		return
	}

	conv.Status = types.ConversationQueued
	conv.AgentID = ""
	conv.AgentName = ""
	if err := e.store.UpdateConversation(ctx, conv); err != nil {
		// The agent is gone either way; keep the customer waiting in memory
		// and surface the gap to the operator log.
		e.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("persisting requeue")
		metrics.Get().RecordStoreError()
	}
	e.systemMessage(ctx, conversationID, "Agent disconnected. You have been re-queued for the next available agent.")

	entry := types.WaitingEntry{
		CustomerID:     conv.CustomerID,
		CustomerName:   conv.CustomerName,
		ConversationID: conversationID,
		EnqueuedAt:     time.Now(),
	}
	position, _ := e.queue.Enqueue(entry)
	metrics.Get().RecordRequeue()

	e.notifier.ToCustomer(conv.CustomerID, types.RequeuedNotice{
		Type:     "requeued",
		Position: position,
		Message:  "The agent has disconnected. You have been placed back in the queue.",
	})
	e.notifier.BroadcastAgents(types.CustomerQueued{
		Type:     "customer_queued",
		Entry:    entry,
		Position: position,
	})
	e.broadcastPositionsLocked()
}

// broadcastPositionsLocked pushes fresh 1-based positions to every waiting
// customer. Required after any queue mutation so nobody observes a stale
// position.
func (e *Engine) broadcastPositionsLocked() {
	for i, entry := range e.queue.PositionsSnapshot() {
		e.notifier.ToCustomer(entry.CustomerID, types.QueuePositionUpdate{
			Type:     "queue_position",
			Position: i + 1,
			Message:  waitingMessage,
		})
	}
}

func (e *Engine) notifyAvailabilityLocked() {
	available, total := e.registry.AvailabilityCount()
	e.notifier.BroadcastAll(types.AvailabilityCount{
		Type:      "agent_availability",
		Available: available,
		Total:     total,
		Timestamp: time.Now(),
	})
}

// systemMessage appends a system message; failures are logged and counted
// but never abort the transition that produced them.
func (e *Engine) systemMessage(ctx context.Context, conversationID, content string) {
	msg := types.Message{
		MessageID:      uuid.New().String(),
		ConversationID: conversationID,
		SenderType:     types.SenderSystem,
		SenderName:     "System",
		Content:        content,
		Timestamp:      time.Now(),
	}
	if err := e.store.AppendMessage(ctx, msg); err != nil {
		e.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("appending system message")
		metrics.Get().RecordStoreError()
	}
}
