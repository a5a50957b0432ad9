package ticker

import (
	"context"
	"time"

	"github.com/deskline/backend/internal/presence"
	"github.com/deskline/backend/internal/types"
	"github.com/deskline/backend/internal/websocket"
	"github.com/rs/zerolog"
)

// Ticker periodically broadcasts the agent availability count so widgets
// can show "N agents online" without waiting for a presence change.
type Ticker struct {
	hub      *websocket.Hub
	registry *presence.Registry
	interval time.Duration
	logger   zerolog.Logger
}

// NewTicker creates a new Ticker
func NewTicker(hub *websocket.Hub, registry *presence.Registry, interval time.Duration, logger zerolog.Logger) *Ticker {
	return &Ticker{
		hub:      hub,
		registry: registry,
		interval: interval,
		logger:   logger,
	}
}

// Start begins broadcasting availability updates
func (t *Ticker) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info().Dur("interval", t.interval).Msg("availability ticker started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("availability ticker stopped")
			return

		case now := <-ticker.C:
			available, total := t.registry.AvailabilityCount()
			t.hub.BroadcastAll(types.AvailabilityCount{
				Type:      "agent_availability",
				Available: available,
				Total:     total,
				Timestamp: now.UTC(),
			})
			t.logger.Debug().
				Int("available", available).
				Int("total", total).
				Msg("broadcasted availability")
		}
	}
}
