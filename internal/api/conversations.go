package api

import (
	"encoding/json"
	"net/http"

	"github.com/deskline/backend/internal/storage"
	"github.com/deskline/backend/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// ConversationHandler provides REST endpoints for conversation history
type ConversationHandler struct {
	store  storage.Store
	logger zerolog.Logger
}

// NewConversationHandler creates a new ConversationHandler
func NewConversationHandler(store storage.Store, logger zerolog.Logger) *ConversationHandler {
	return &ConversationHandler{
		store:  store,
		logger: logger.With().Str("component", "conversation_handler").Logger(),
	}
}

// List returns all conversations, newest first
// GET /api/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	convs, err := h.store.ListConversations(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list conversations")
		http.Error(w, "failed to retrieve conversations", http.StatusInternalServerError)
		return
	}

	if convs == nil {
		convs = []types.Conversation{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(convs)
}

// Get returns one conversation with its full message history
// GET /api/conversations/{conversationId}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationId")
	if conversationID == "" {
		http.Error(w, "conversationId is required", http.StatusBadRequest)
		return
	}

	conv, err := h.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		h.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("failed to get conversation")
		http.Error(w, "failed to retrieve conversation", http.StatusInternalServerError)
		return
	}
	if conv == nil {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}

	msgs, err := h.store.ListMessages(r.Context(), conversationID)
	if err != nil {
		h.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("failed to list messages")
		http.Error(w, "failed to retrieve messages", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []types.Message{}
	}

	// Viewing the conversation counts as reading it
	if err := h.store.MarkMessagesRead(r.Context(), conversationID); err != nil {
		h.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("failed to mark messages read")
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(types.ConversationDetail{
		Conversation: *conv,
		Messages:     msgs,
	})
}

// MarkRead marks all customer messages in a conversation as read
// POST /api/conversations/{conversationId}/read
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationId")
	if conversationID == "" {
		http.Error(w, "conversationId is required", http.StatusBadRequest)
		return
	}

	conv, err := h.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		h.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("failed to get conversation")
		http.Error(w, "failed to retrieve conversation", http.StatusInternalServerError)
		return
	}
	if conv == nil {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}

	if err := h.store.MarkMessagesRead(r.Context(), conversationID); err != nil {
		h.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("failed to mark messages read")
		http.Error(w, "failed to mark messages read", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type feedbackRequest struct {
	Rating   int    `json:"rating"`
	Feedback string `json:"feedback"`
}

// Feedback stores a customer rating for a conversation
// POST /api/conversations/{conversationId}/feedback
func (h *ConversationHandler) Feedback(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationId")
	if conversationID == "" {
		http.Error(w, "conversationId is required", http.StatusBadRequest)
		return
	}

	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Rating < 1 || req.Rating > 5 {
		http.Error(w, "rating must be between 1 and 5", http.StatusBadRequest)
		return
	}

	if err := h.store.SaveFeedback(r.Context(), conversationID, req.Rating, req.Feedback); err != nil {
		if err == storage.ErrNotFound {
			http.Error(w, "conversation not found", http.StatusNotFound)
			return
		}
		h.logger.Error().Err(err).Str("conversation_id", conversationID).Msg("failed to save feedback")
		http.Error(w, "failed to save feedback", http.StatusInternalServerError)
		return
	}

	h.logger.Info().
		Str("conversation_id", conversationID).
		Int("rating", req.Rating).
		Msg("feedback received")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ByCustomer returns all conversations for one customer, newest first
// GET /api/customers/{customerId}/conversations
func (h *ConversationHandler) ByCustomer(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerId")
	if customerID == "" {
		http.Error(w, "customerId is required", http.StatusBadRequest)
		return
	}

	convs, err := h.store.ConversationsByCustomer(r.Context(), customerID)
	if err != nil {
		h.logger.Error().Err(err).Str("customer_id", customerID).Msg("failed to list customer conversations")
		http.Error(w, "failed to retrieve conversations", http.StatusInternalServerError)
		return
	}
	if convs == nil {
		convs = []types.Conversation{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(convs)
}

// ByAgent returns an agent's open conversations with unread counts
// GET /api/agents/{agentId}/conversations
func (h *ConversationHandler) ByAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	if agentID == "" {
		http.Error(w, "agentId is required", http.StatusBadRequest)
		return
	}

	convs, err := h.store.OpenConversationsByAgent(r.Context(), agentID)
	if err != nil {
		h.logger.Error().Err(err).Str("agent_id", agentID).Msg("failed to list agent conversations")
		http.Error(w, "failed to retrieve conversations", http.StatusInternalServerError)
		return
	}

	summaries := make([]types.ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		unread, err := h.store.UnreadCount(r.Context(), conv.ConversationID)
		if err != nil {
			h.logger.Error().Err(err).Str("conversation_id", conv.ConversationID).Msg("failed to count unread messages")
			unread = 0
		}
		summaries = append(summaries, types.ConversationSummary{
			Conversation: conv,
			UnreadCount:  unread,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summaries)
}
