package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"postpilot/internal/dispatch"
	"postpilot/internal/eventbus"
	"postpilot/internal/notifier"
	"postpilot/internal/task/engine"
)

func TestObserveEvents(t *testing.T) {
	t.Parallel()
	m := New()
	m.Observe(eventbus.Event{Type: dispatch.EventCycle, Data: dispatch.CycleReport{Selected: 3, Duration: time.Second}})
	m.Observe(eventbus.Event{Type: dispatch.EventCycle, Data: dispatch.CycleReport{Error: "find due posts: closed"}})
	m.Observe(eventbus.Event{Type: dispatch.EventPosted, Data: dispatch.PostEvent{PostID: "a"}})
	m.Observe(eventbus.Event{Type: dispatch.EventFailed, Data: dispatch.PostEvent{PostID: "b", Kind: "remote"}})
	m.Observe(eventbus.Event{Type: engine.EventSkipped, Data: engine.TaskEvent{Name: "dispatch.cycle"}})
	m.Observe(eventbus.Event{Type: notifier.EventDropped, Data: notifier.AlertEvent{}})
	m.Observe(eventbus.Event{Type: "unrelated"})

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"cycles ok", testutil.ToFloat64(m.Cycles.WithLabelValues("ok")), 1},
		{"cycles error", testutil.ToFloat64(m.Cycles.WithLabelValues("error")), 1},
		{"selected", testutil.ToFloat64(m.PostsSelected), 3},
		{"posted", testutil.ToFloat64(m.Posts.WithLabelValues("posted", "")), 1},
		{"failed remote", testutil.ToFloat64(m.Posts.WithLabelValues("failed", "remote")), 1},
		{"task skipped", testutil.ToFloat64(m.Tasks.WithLabelValues("dispatch.cycle", "skipped")), 1},
		{"alerts dropped", testutil.ToFloat64(m.Alerts.WithLabelValues("dropped")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestRunConsumesBusAndServes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, bus) }()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(m.Posts.WithLabelValues("posted", "")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("event never observed")
		}
		// Publish until the subscription is in place.
		bus.Publish(eventbus.Event{Type: dispatch.EventPosted, Data: dispatch.PostEvent{}})
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), "postpilot_posts_total") {
		t.Fatalf("metrics response %d: %s", rec.Code, rec.Body.String())
	}
}
