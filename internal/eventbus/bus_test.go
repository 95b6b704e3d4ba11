package eventbus

import "testing"

func TestSubscribeFiltersByPrefix(t *testing.T) {
	t.Parallel()
	b := New()
	posts, unsub := b.Subscribe(4, "post.")
	defer unsub()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Type: "task.finished"})
	b.Publish(Event{Type: "post.posted", Data: "p1"})

	ev := <-posts
	if ev.Type != "post.posted" || ev.Data != "p1" || ev.Time.IsZero() {
		t.Fatalf("event = %+v", ev)
	}
	select {
	case extra := <-posts:
		t.Fatalf("unexpected event %+v", extra)
	default:
	}
	if len(all) != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", len(all))
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})

	if ev := <-ch; ev.Type != "a" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
}
