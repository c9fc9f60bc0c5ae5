package events

import (
	"sync"
	"testing"
	"time"

	"strategy-agent/internal/models"
)

// collect subscribes and gathers events until the expected count arrives
// or the timeout fires. Fan-out is asynchronous, so tests wait instead of
// asserting immediately after Publish.
type collector struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
	want   int
}

func newCollector(want int) *collector {
	return &collector{done: make(chan struct{}), want: want}
}

func (c *collector) sub(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	if len(c.events) == c.want {
		close(c.done)
	}
}

func (c *collector) wait(t *testing.T) []Event {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %d events", c.want)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestPublishRoutesByType(t *testing.T) {
	bus := NewEventBus()
	statusOnly := newCollector(1)
	bus.Subscribe(EventStrategyStatus, statusOnly.sub)

	bus.PublishCycle("s-1", models.DecisionCycleResult{ComposeID: "c-1"})
	bus.PublishStatus("s-1", models.StatusRunning, "")

	got := statusOnly.wait(t)
	if got[0].Type != EventStrategyStatus {
		t.Fatalf("expected status event, got %s", got[0].Type)
	}
	if got[0].StrategyID != "s-1" {
		t.Fatalf("expected strategy id s-1, got %q", got[0].StrategyID)
	}
	if got[0].Status == nil || got[0].Status.Status != models.StatusRunning {
		t.Fatalf("status payload missing or wrong: %+v", got[0].Status)
	}
}

func TestSubscribeAllSeesEveryType(t *testing.T) {
	bus := NewEventBus()
	all := newCollector(3)
	bus.SubscribeAll(all.sub)

	bus.PublishStatus("s-1", models.StatusRunning, "")
	bus.PublishCycle("s-1", models.DecisionCycleResult{ComposeID: "c-1", CycleIndex: 1})
	bus.PublishError("s-1", "controller", "cycle failed", nil)

	got := all.wait(t)
	seen := make(map[EventType]bool)
	for _, e := range got {
		seen[e.Type] = true
	}
	for _, want := range []EventType{EventStrategyStatus, EventStrategyCycle, EventStrategyError} {
		if !seen[want] {
			t.Fatalf("all-subscriber missed %s (got %v)", want, seen)
		}
	}
}

func TestPublishSetsTimestamp(t *testing.T) {
	bus := NewEventBus()
	c := newCollector(1)
	bus.SubscribeAll(c.sub)

	bus.PublishTrade("s-1", models.TradeHistoryEntry{TradeID: "t-1"})

	got := c.wait(t)
	if got[0].Timestamp.IsZero() {
		t.Fatal("expected publish to stamp the event time")
	}
	if got[0].Trade == nil || got[0].Trade.TradeID != "t-1" {
		t.Fatalf("trade payload missing: %+v", got[0].Trade)
	}
}
