package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Metrics holds all application counters
type Metrics struct {
	mu sync.RWMutex

	// Conversation metrics
	MessagesTotal    int64
	BotRepliesTotal  int64
	AssignmentsTotal int64
	RequeuesTotal    int64
	RejectionsTotal  int64

	// Persistence metrics
	StoreErrorsTotal int64

	// WebSocket metrics
	ConnectionsTotal    int64
	DisconnectionsTotal int64
	activeConnections   int64

	startTime time.Time
}

var instance *Metrics
var once sync.Once

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{startTime: time.Now()}
	})
	return instance
}

// RecordMessage counts a persisted chat message
func (m *Metrics) RecordMessage() {
	m.mu.Lock()
	m.MessagesTotal++
	m.mu.Unlock()
}

// RecordBotReply counts a scripted responder reply
func (m *Metrics) RecordBotReply() {
	m.mu.Lock()
	m.BotRepliesTotal++
	m.mu.Unlock()
}

// RecordAssignment counts a completed agent assignment
func (m *Metrics) RecordAssignment() {
	m.mu.Lock()
	m.AssignmentsTotal++
	m.mu.Unlock()
}

// RecordRequeue counts a conversation returned to the queue after agent loss
func (m *Metrics) RecordRequeue() {
	m.mu.Lock()
	m.RequeuesTotal++
	m.mu.Unlock()
}

// RecordRejection counts a structured rejection reported to a client
func (m *Metrics) RecordRejection() {
	m.mu.Lock()
	m.RejectionsTotal++
	m.mu.Unlock()
}

// RecordStoreError counts a failed durable write or read
func (m *Metrics) RecordStoreError() {
	m.mu.Lock()
	m.StoreErrorsTotal++
	m.mu.Unlock()
}

// RecordConnect counts a WebSocket connection
func (m *Metrics) RecordConnect() {
	m.mu.Lock()
	m.ConnectionsTotal++
	m.activeConnections++
	m.mu.Unlock()
}

// RecordDisconnect counts a WebSocket disconnection
func (m *Metrics) RecordDisconnect() {
	m.mu.Lock()
	m.DisconnectionsTotal++
	m.activeConnections--
	m.mu.Unlock()
}

// ActiveConnections returns the current WebSocket connection count
func (m *Metrics) ActiveConnections() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeConnections
}

// Handler returns an HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		defer m.mu.RUnlock()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		write := func(name string, value int64) {
			w.Write([]byte(name + " " + strconv.FormatInt(value, 10) + "\n"))
		}

		w.Write([]byte("deskline_uptime_seconds " + strconv.FormatInt(int64(time.Since(m.startTime).Seconds()), 10) + "\n"))
		write("deskline_messages_total", m.MessagesTotal)
		write("deskline_bot_replies_total", m.BotRepliesTotal)
		write("deskline_assignments_total", m.AssignmentsTotal)
		write("deskline_requeues_total", m.RequeuesTotal)
		write("deskline_rejections_total", m.RejectionsTotal)
		write("deskline_store_errors_total", m.StoreErrorsTotal)
		write("deskline_ws_connections_total", m.ConnectionsTotal)
		write("deskline_ws_disconnections_total", m.DisconnectionsTotal)
		write("deskline_ws_active_connections", m.activeConnections)
	}
}
