package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"postpilot/internal/domain"
	"postpilot/internal/eventbus"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

func testConfig(url string) Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		QueueSize:     8,
		RatePerSec:    100,
		RetryMax:      1,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		Webhook:       WebhookConfig{URL: url, Timeout: time.Second},
	}
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestNotifyFailureDeliversWebhook(t *testing.T) {
	got := make(chan webhookPayload, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhookPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		got <- p
	}))
	defer ts.Close()

	st := storage.NewMemory()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	svc := New(testConfig(ts.URL), st, logx.Nop(), bus)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	svc.NotifyFailure(context.Background(), Failure{UserID: "u1", PostID: "p1", Kind: "remote", StatusCode: 500, Detail: "boom"})

	select {
	case p := <-got:
		if p.UserID != "u1" || p.PostID != "p1" || p.Error != "boom" {
			t.Fatalf("payload = %+v", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("webhook not called")
	}
	waitEvent(t, events, EventSent)

	entries, err := st.ListAudit(context.Background(), storage.AuditQuery{PostID: "p1"})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 1 || entries[0].Level != domain.LevelError || entries[0].Message != "boom" {
		t.Fatalf("audit = %+v", entries)
	}
	if entries[0].Meta["kind"] != "remote" || entries[0].Meta["status_code"] != 500 {
		t.Fatalf("meta = %+v", entries[0].Meta)
	}
}

func TestWebhookFailureStillAudits(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	st := storage.NewMemory()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	svc := New(testConfig(ts.URL), st, logx.Nop(), bus)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	svc.NotifyFailure(context.Background(), Failure{UserID: "u1", PostID: "p1", Detail: "nope"})

	ev := waitEvent(t, events, EventFailed)
	if ae, ok := ev.Data.(AlertEvent); !ok || ae.Sink != "webhook" {
		t.Fatalf("event = %+v", ev)
	}
	if calls.Load() != 2 {
		t.Fatalf("webhook calls = %d, want 2 (1 + retry)", calls.Load())
	}
	entries, _ := st.ListAudit(context.Background(), storage.AuditQuery{})
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d", len(entries))
	}
}

type failingAudit struct{ calls atomic.Int32 }

func (f *failingAudit) Append(context.Context, domain.AuditEntry) error {
	f.calls.Add(1)
	return errors.New("disk full")
}

func (f *failingAudit) ListAudit(context.Context, storage.AuditQuery) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestAuditFailureDoesNotBlockAlert(t *testing.T) {
	got := make(chan struct{}, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- struct{}{}
	}))
	defer ts.Close()

	audit := &failingAudit{}
	svc := New(testConfig(ts.URL), audit, logx.Nop(), nil)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	svc.NotifyFailure(context.Background(), Failure{UserID: "u1", PostID: "p1", Detail: "x"})

	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("webhook not called")
	}
	if audit.calls.Load() != 1 {
		t.Fatalf("audit calls = %d", audit.calls.Load())
	}
}

func TestDisabledNotifierStillAudits(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	cfg := testConfig("http://127.0.0.1:1/unused")
	cfg.Enabled = false
	svc := New(cfg, st, logx.Nop(), nil)
	svc.Start(context.Background())

	svc.NotifyFailure(context.Background(), Failure{UserID: "u1", PostID: "p9", Detail: "x"})

	entries, _ := st.ListAudit(context.Background(), storage.AuditQuery{PostID: "p9"})
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d", len(entries))
	}
}

func TestEnqueueWhenStopped(t *testing.T) {
	t.Parallel()
	svc := New(testConfig("http://127.0.0.1:1/unused"), nil, logx.Nop(), nil)
	if err := svc.enqueue(context.Background(), Failure{PostID: "p"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestRetryDelayBounded(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d delay %v out of range", attempt, d)
		}
	}
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()
	s := formatAlert(Failure{PostID: "p1", UserID: "u1", Kind: "remote", StatusCode: 429, Detail: "slow down"})
	for _, want := range []string{"p1", "u1", "remote", "429", "slow down"} {
		if !strings.Contains(s, want) {
			t.Fatalf("alert %q missing %q", s, want)
		}
	}
}
