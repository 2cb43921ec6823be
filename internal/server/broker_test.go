package server

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sorami-ai/sorami/internal/model"
	"github.com/sorami-ai/sorami/internal/storage"
)

// testLogger returns a logger for tests that only reports errors.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeListener feeds canned notification payloads to the broker loop.
type fakeListener struct {
	payloads chan string
}

func (f *fakeListener) Listen(ctx context.Context, channel string) error { return nil }

func (f *fakeListener) WaitForNotification(ctx context.Context) (string, string, error) {
	select {
	case p := <-f.payloads:
		return storage.ChannelRunProgress, p, nil
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

func TestBrokerRoutesByRun(t *testing.T) {
	broker := &Broker{
		subscribers: make(map[uuid.UUID]map[chan model.ProgressEvent]struct{}),
		logger:      testLogger(),
	}

	runA := uuid.New()
	runB := uuid.New()

	chA := broker.Subscribe(runA)
	chB := broker.Subscribe(runB)

	ev := model.ProgressEvent{Status: "running", Progress: 40, Stage: model.StageFitting}
	broker.broadcast(runA, ev)

	select {
	case got := <-chA:
		if got.Stage != model.StageFitting || got.Progress != 40 {
			t.Errorf("chA: got %+v, want %+v", got, ev)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("chA: timed out waiting for event")
	}

	select {
	case got := <-chB:
		t.Fatalf("chB received event %+v for a different run", got)
	default:
	}

	broker.Unsubscribe(runA, chA)
	broker.Unsubscribe(runB, chB)
}

func TestBrokerDecodesEnvelope(t *testing.T) {
	fake := &fakeListener{payloads: make(chan string, 4)}
	broker := &Broker{
		db:          fake,
		subscribers: make(map[uuid.UUID]map[chan model.ProgressEvent]struct{}),
		logger:      testLogger(),
	}

	runID := uuid.New()
	ch := broker.Subscribe(runID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go broker.Start(ctx)

	payload, err := model.EncodeRunProgress(runID, model.ProgressEvent{
		Status: "running", Progress: 10, Stage: model.StagePreprocessing,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// A malformed payload before the real one must not kill the loop.
	fake.payloads <- "not json"
	fake.payloads <- payload

	select {
	case got := <-ch:
		if got.Stage != model.StagePreprocessing {
			t.Errorf("got stage %q, want %q", got.Stage, model.StagePreprocessing)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for routed event")
	}

	broker.Unsubscribe(runID, ch)
}

func TestBrokerSlowSubscriber(t *testing.T) {
	broker := &Broker{
		subscribers: make(map[uuid.UUID]map[chan model.ProgressEvent]struct{}),
		logger:      testLogger(),
	}

	runID := uuid.New()
	slow := broker.Subscribe(runID)
	fast := broker.Subscribe(runID)

	// Fill the slow subscriber's buffer.
	for i := range 65 {
		broker.broadcast(runID, model.ProgressEvent{Progress: i, Stage: model.StageFitting})
	}

	// Drain fast so the next event has room.
	for len(fast) > 0 {
		<-fast
	}
	broker.broadcast(runID, model.ProgressEvent{Progress: 99, Stage: model.StageFitting})

	select {
	case got := <-fast:
		if got.Progress != 99 {
			t.Errorf("fast: got progress %d, want 99", got.Progress)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("fast subscriber should receive events even when slow subscriber is full")
	}

	broker.Unsubscribe(runID, slow)
	broker.Unsubscribe(runID, fast)
}

func TestBrokerUnsubscribeTwice(t *testing.T) {
	broker := &Broker{
		subscribers: make(map[uuid.UUID]map[chan model.ProgressEvent]struct{}),
		logger:      testLogger(),
	}

	runID := uuid.New()
	ch := broker.Subscribe(runID)
	broker.Unsubscribe(runID, ch)
	broker.Unsubscribe(runID, ch) // Must not panic on double close.

	if n := broker.SubscriberCount(); n != 0 {
		t.Fatalf("subscriber count = %d, want 0", n)
	}
}
