package api

import (
	"encoding/json"
	"net/http"

	"github.com/deskline/backend/internal/chat"
	"github.com/deskline/backend/internal/presence"
	"github.com/deskline/backend/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DirectoryHandler exposes the live presence state: who is connected,
// who is waiting, and pool statistics.
type DirectoryHandler struct {
	registry *presence.Registry
	queue    *chat.WaitingQueue
	logger   zerolog.Logger
}

// NewDirectoryHandler creates a new DirectoryHandler
func NewDirectoryHandler(registry *presence.Registry, queue *chat.WaitingQueue, logger zerolog.Logger) *DirectoryHandler {
	return &DirectoryHandler{
		registry: registry,
		queue:    queue,
		logger:   logger.With().Str("component", "directory_handler").Logger(),
	}
}

// GetAgents returns all currently registered agents
// GET /api/agents
func (h *DirectoryHandler) GetAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.registry.Agents()
	if agents == nil {
		agents = []types.Agent{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(agents)
}

// GetWaiting returns the waiting queue in order
// GET /api/waiting
func (h *DirectoryHandler) GetWaiting(w http.ResponseWriter, r *http.Request) {
	entries := h.queue.PositionsSnapshot()
	if entries == nil {
		entries = []types.WaitingEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// CreateCustomer issues a fresh customer identity for a new widget session
// POST /api/customers
func (h *DirectoryHandler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	customerID := uuid.New().String()
	h.logger.Debug().Str("customer_id", customerID).Msg("customer identity issued")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"customerId": customerID})
}

// GetStats returns pool statistics for dashboards
// GET /api/stats
func (h *DirectoryHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	available, total := h.registry.AvailabilityCount()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{
		"agentsAvailable": available,
		"agentsTotal":     total,
		"waiting":         h.queue.Len(),
	})
}
