package ticker

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/deskline/backend/internal/presence"
	"github.com/deskline/backend/internal/websocket"
	"github.com/rs/zerolog"
)

func TestNewTicker(t *testing.T) {
	logger := zerolog.New(&bytes.Buffer{})
	hub := websocket.NewHub(logger)
	registry := presence.NewRegistry()
	ticker := NewTicker(hub, registry, 1*time.Second, logger)

	if ticker == nil {
		t.Fatal("expected ticker to be created")
	}
	if ticker.hub != hub {
		t.Error("ticker hub not set correctly")
	}
	if ticker.registry != registry {
		t.Error("ticker registry not set correctly")
	}
	if ticker.interval != 1*time.Second {
		t.Errorf("expected interval 1s, got %v", ticker.interval)
	}
}

func TestTickerStopsOnContextCancel(t *testing.T) {
	logger := zerolog.New(&bytes.Buffer{})
	hub := websocket.NewHub(logger)
	go hub.Run()

	ticker := NewTicker(hub, presence.NewRegistry(), 50*time.Millisecond, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan bool)
	go func() {
		ticker.Start(ctx)
		done <- true
	}()

	<-ctx.Done()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Error("ticker did not stop after context cancel")
	}
}

func TestTickerBroadcastsWithoutClients(t *testing.T) {
	logger := zerolog.New(&bytes.Buffer{})
	hub := websocket.NewHub(logger)
	go hub.Run()

	// A few ticks against an empty hub must not panic or block
	ticker := NewTicker(hub, presence.NewRegistry(), 30*time.Millisecond, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	done := make(chan bool)
	go func() {
		ticker.Start(ctx)
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Error("ticker did not stop")
	}
}
