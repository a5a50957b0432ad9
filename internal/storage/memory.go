package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/deskline/backend/internal/types"
)

// MemoryStore keeps conversations and messages in process memory. It is the
// default backend and the store used by tests.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*types.Conversation
	messages      map[string][]types.Message // conversationID -> insertion order
	order         []string                   // conversation IDs in creation order
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*types.Conversation),
		messages:      make(map[string][]types.Message),
	}
}

func (s *MemoryStore) ActiveConversation(_ context.Context, customerID string) (*types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, conv := range s.conversations {
		if conv.CustomerID == customerID && conv.Open() {
			c := *conv
			return &c, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, conversationID string) (*types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, nil
	}
	c := *conv
	return &c, nil
}

func (s *MemoryStore) CreateConversation(_ context.Context, conv *types.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *conv
	s.conversations[conv.ConversationID] = &c
	s.order = append(s.order, conv.ConversationID)
	return nil
}

func (s *MemoryStore) UpdateConversation(_ context.Context, conv *types.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conv.ConversationID]; !ok {
		return ErrNotFound
	}
	c := *conv
	s.conversations[conv.ConversationID] = &c
	return nil
}

func (s *MemoryStore) UpdateLastMessage(_ context.Context, conversationID, lastMessage string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	conv.LastMessage = lastMessage
	conv.LastMessageAt = at
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, msg types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	out := make([]types.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemoryStore) ListConversations(_ context.Context) ([]types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.conversations[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func (s *MemoryStore) ConversationsByCustomer(_ context.Context, customerID string) ([]types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Conversation
	for _, id := range s.order {
		if conv := s.conversations[id]; conv.CustomerID == customerID {
			out = append(out, *conv)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func (s *MemoryStore) OpenConversationsByAgent(_ context.Context, agentID string) ([]types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Conversation
	for _, id := range s.order {
		if conv := s.conversations[id]; conv.AgentID == agentID && conv.Open() {
			out = append(out, *conv)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, nil
}

func (s *MemoryStore) UnreadCount(_ context.Context, conversationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, msg := range s.messages[conversationID] {
		if msg.SenderType == types.SenderCustomer && !msg.ReadByAgent {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) MarkMessagesRead(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.messages[conversationID]
	for i := range msgs {
		if msgs[i].SenderType == types.SenderCustomer {
			msgs[i].ReadByAgent = true
		}
	}
	return nil
}

func (s *MemoryStore) SaveFeedback(_ context.Context, conversationID string, rating int, feedback string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	conv.Rating = rating
	conv.Feedback = feedback
	return nil
}
