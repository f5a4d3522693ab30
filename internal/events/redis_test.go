package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisBus(t *testing.T) *RedisBus {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisBus(client, Options{
		PollInterval:      10 * time.Millisecond,
		InactivityTimeout: time.Second,
	})
}

func TestRedisAppendAssignsStreamIDsAndSteps(t *testing.T) {
	bus := newTestRedisBus(t)
	ctx := context.Background()

	var prev Event
	for i := 1; i <= 3; i++ {
		e, err := bus.Append(ctx, Event{SessionID: "s1", Capability: "analytics", Kind: KindAction, Title: "query"})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if e.ID == "" {
			t.Fatal("append did not assign an id")
		}
		if e.StepNumber != i {
			t.Fatalf("step number = %d, want %d", e.StepNumber, i)
		}
		if i > 1 && !streamIDLess(prev.ID, e.ID) {
			t.Fatalf("ids not increasing: %s then %s", prev.ID, e.ID)
		}
		prev = e
	}

	// An unrelated capability starts its own counter.
	e, err := bus.Append(ctx, Event{SessionID: "s1", Capability: "discovery", Kind: KindReceived})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e.StepNumber != 1 {
		t.Fatalf("new capability step number = %d, want 1", e.StepNumber)
	}
}

func TestRedisPollCursor(t *testing.T) {
	bus := newTestRedisBus(t)
	ctx := context.Background()

	first, err := bus.Append(ctx, Event{SessionID: "s1", Capability: "analytics", Kind: KindReceived})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := bus.Append(ctx, Event{SessionID: "s1", Capability: "analytics", Kind: KindThinking}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, hasMore, err := bus.Poll(ctx, "s1", first.ID)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(got) != 1 || got[0].Kind != KindThinking {
		t.Fatalf("unexpected events after cursor: %+v", got)
	}
	if !hasMore {
		t.Fatal("has_more should be true before terminal event")
	}

	if _, err := bus.Append(ctx, Event{SessionID: "s1", Capability: OrchestratorName, Kind: KindResult}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	_, hasMore, err = bus.Poll(ctx, "s1", "")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if hasMore {
		t.Fatal("has_more should be false after terminal event")
	}
}

func TestRedisSubscribeReplaysAndTerminates(t *testing.T) {
	bus := newTestRedisBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// History exists before the subscriber attaches; it must be replayed.
	if _, err := bus.Append(ctx, Event{SessionID: "s1", Capability: "analytics", Kind: KindReceived}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	ch, err := bus.Subscribe(ctx, "s1")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		bus.Append(ctx, Event{SessionID: "s1", Capability: "analytics", Kind: KindResult})
		bus.Append(ctx, Event{SessionID: "s1", Capability: OrchestratorName, Kind: KindResult, Details: map[string]interface{}{"final_answer": "42"}})
	}()

	var got []Event
	for e := range ch {
		got = append(got, e)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(got), got)
	}
	if got[0].Kind != KindReceived {
		t.Fatalf("history not replayed first: %+v", got[0])
	}
	if !IsTerminal(got[2]) {
		t.Fatalf("stream did not end on terminal event: %+v", got[2])
	}
}

func TestStreamIDLess(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"1-1", "1-2", true},
		{"1-2", "1-1", false},
		{"1-9", "2-0", true},
		{"10-0", "9-5", false},
		{"1-1", "1-1", false},
	}
	for _, tc := range cases {
		if got := streamIDLess(tc.a, tc.b); got != tc.want {
			t.Fatalf("streamIDLess(%s, %s) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
