package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deskline/backend/internal/chat"
	"github.com/deskline/backend/internal/presence"
	"github.com/deskline/backend/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type nopChannel struct{}

func (nopChannel) Send(event interface{}) bool { return true }

func newDirectoryServer(registry *presence.Registry, queue *chat.WaitingQueue) *chi.Mux {
	h := NewDirectoryHandler(registry, queue, zerolog.Nop())
	r := chi.NewRouter()
	r.Get("/api/agents", h.GetAgents)
	r.Get("/api/waiting", h.GetWaiting)
	r.Post("/api/customers", h.CreateCustomer)
	r.Get("/api/stats", h.GetStats)
	return r
}

func TestGetAgents(t *testing.T) {
	registry := presence.NewRegistry()
	server := newDirectoryServer(registry, chat.NewWaitingQueue())

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/agents", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty array, got %s", rec.Body.String())
	}

	registry.RegisterAgent("agent-1", "Alice", nopChannel{})

	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/agents", nil))

	var agents []types.Agent
	if err := json.NewDecoder(rec.Body).Decode(&agents); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(agents) != 1 || agents[0].AgentID != "agent-1" {
		t.Errorf("unexpected agents %+v", agents)
	}
	if agents[0].Status != types.AgentAvailable {
		t.Errorf("expected available, got %s", agents[0].Status)
	}
}

func TestGetWaiting(t *testing.T) {
	queue := chat.NewWaitingQueue()
	server := newDirectoryServer(presence.NewRegistry(), queue)

	queue.Enqueue(types.WaitingEntry{CustomerID: "cust-1", ConversationID: "conv-1", EnqueuedAt: time.Now()})
	queue.Enqueue(types.WaitingEntry{CustomerID: "cust-2", ConversationID: "conv-2", EnqueuedAt: time.Now()})

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/waiting", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var entries []types.WaitingEntry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(entries) != 2 || entries[0].CustomerID != "cust-1" {
		t.Errorf("unexpected queue snapshot %+v", entries)
	}
}

func TestCreateCustomer(t *testing.T) {
	server := newDirectoryServer(presence.NewRegistry(), chat.NewWaitingQueue())

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/customers", nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body["customerId"] == "" {
		t.Error("expected a customer id in the response")
	}

	// Every call issues a fresh identity
	rec2 := httptest.NewRecorder()
	server.ServeHTTP(rec2, httptest.NewRequest(http.MethodPost, "/api/customers", nil))
	var body2 map[string]string
	json.NewDecoder(rec2.Body).Decode(&body2)
	if body2["customerId"] == body["customerId"] {
		t.Error("expected distinct customer ids")
	}
}

func TestGetStats(t *testing.T) {
	registry := presence.NewRegistry()
	queue := chat.NewWaitingQueue()
	server := newDirectoryServer(registry, queue)

	registry.RegisterAgent("agent-1", "Alice", nopChannel{})
	registry.RegisterAgent("agent-2", "Bob", nopChannel{})
	registry.Assign("agent-2", "conv-1")
	queue.Enqueue(types.WaitingEntry{CustomerID: "cust-1", ConversationID: "conv-2", EnqueuedAt: time.Now()})

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var stats map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if stats["agentsAvailable"] != 1 {
		t.Errorf("expected 1 available, got %d", stats["agentsAvailable"])
	}
	if stats["agentsTotal"] != 2 {
		t.Errorf("expected 2 total, got %d", stats["agentsTotal"])
	}
	if stats["waiting"] != 1 {
		t.Errorf("expected 1 waiting, got %d", stats["waiting"])
	}
}
