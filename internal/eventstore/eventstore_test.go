package eventstore

import (
	"context"
	"path/filepath"
	"testing"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/workforce/pkg/workforce"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	mp := noopmetric.MeterProvider{}
	store, err := Open(filepath.Join(t.TempDir(), "workforce.db"), mp.Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndResumeEvents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	events := []workforce.Event{
		{Sequence: 1, RunID: "r", Type: workforce.EventPlanCreated},
		{Sequence: 2, RunID: "r", Type: workforce.EventTaskQueued, TaskID: "a"},
		{Sequence: 3, RunID: "r", Type: workforce.EventSchedulerTick},
	}
	if err := store.AppendEvents(ctx, events); err != nil {
		t.Fatalf("append: %v", err)
	}

	last, err := store.LastEventSequence(ctx)
	if err != nil || last != 3 {
		t.Fatalf("got last=%d err=%v, want 3", last, err)
	}

	got, err := store.ListEventsAfter(1, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Sequence != 2 || got[1].Sequence != 3 {
		t.Fatalf("got %+v, want sequences 2,3", got)
	}
}

func TestAppendEventsIsIdempotentPerSequence(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ev := workforce.Event{Sequence: 1, RunID: "r", Type: workforce.EventPlanCreated}
	if err := store.AppendEvents(ctx, []workforce.Event{ev}); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := store.AppendEvents(ctx, []workforce.Event{ev}); err != nil {
		t.Fatalf("second append: %v", err)
	}

	got, err := store.ListEventsAfter(0, 0)
	if err != nil || len(got) != 1 {
		t.Fatalf("got %d events err=%v, want exactly 1", len(got), err)
	}
}

func TestChannelSequenceIndependentOfEvents(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.AppendEvents(ctx, []workforce.Event{{Sequence: 7, RunID: "r", Type: workforce.EventSchedulerTick}}); err != nil {
		t.Fatalf("append events: %v", err)
	}
	msgs := []workforce.ChannelMessage{
		{Sequence: 1, Type: workforce.MessageTask, TaskID: "a"},
		{Sequence: 2, Type: workforce.MessageResult, TaskID: "a"},
	}
	if err := store.AppendChannelMessages(ctx, msgs); err != nil {
		t.Fatalf("append channel: %v", err)
	}

	lastChannel, err := store.LastChannelSequence(ctx)
	if err != nil || lastChannel != 2 {
		t.Fatalf("got channel last=%d err=%v, want 2", lastChannel, err)
	}
	lastEvent, err := store.LastEventSequence(ctx)
	if err != nil || lastEvent != 7 {
		t.Fatalf("got event last=%d err=%v, want 7", lastEvent, err)
	}
}

func TestSetRunMeta(t *testing.T) {
	store := openTestStore(t)
	if err := store.SetRunMeta("run-1", 10, 4); err != nil {
		t.Fatalf("set run meta: %v", err)
	}
}
