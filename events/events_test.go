package events_test

import (
	"testing"
	"time"

	"github.com/hazyhaar/silentq/events"
)

func TestSubscribePublish(t *testing.T) {
	b := events.NewBus(events.Options{})
	defer b.Close()

	ch, unsub := b.Subscribe()
	defer unsub()

	b.Publish(events.Event{Type: events.TypeTick, Processed: 2, Total: 5, Phase: "waiting"})

	select {
	case ev := <-ch:
		if ev.Type != events.TypeTick {
			t.Fatalf("type = %q, want tick", ev.Type)
		}
		if ev.Processed != 2 || ev.Total != 5 {
			t.Fatalf("got %d/%d, want 2/5", ev.Processed, ev.Total)
		}
		if ev.Time.IsZero() {
			t.Fatal("Time should be stamped on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := events.NewBus(events.Options{})
	defer b.Close()

	ch, unsub := b.Subscribe()
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}

	// Publish after unsubscribe must not panic.
	b.Publish(events.Event{Type: events.TypeReset})
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := events.NewBus(events.Options{Buffer: 1})
	defer b.Close()

	ch, unsub := b.Subscribe()
	defer unsub()

	b.Publish(events.Event{Type: events.TypeTick})
	b.Publish(events.Event{Type: events.TypeTick}) // buffer full, dropped

	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", b.Dropped())
	}

	// The first event is still there.
	select {
	case <-ch:
	default:
		t.Fatal("buffered event missing")
	}
}

func TestCloseIdempotent(t *testing.T) {
	b := events.NewBus(events.Options{})
	ch, _ := b.Subscribe()

	b.Close()
	b.Close()

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after bus Close")
	}

	// Subscribe after close returns an already-closed channel.
	ch2, unsub := b.Subscribe()
	defer unsub()
	if _, ok := <-ch2; ok {
		t.Fatal("subscribe after close should return closed channel")
	}
}
