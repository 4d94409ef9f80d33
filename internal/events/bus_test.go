package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	b.Publish(Event{Source: SourcePipeline, Kind: KindTurnStart})
	b.Emit(SourcePipeline, KindTurnDone, nil)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() on nil bus = %d, want 0", got)
	}
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestEmitStampsTimestamp(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	before := time.Now()
	b.Emit(SourcePipeline, KindTurnStart, map[string]any{"user_id": "u1"})
	got := receive(t, ch)

	if got.Kind != KindTurnStart || got.Source != SourcePipeline {
		t.Errorf("got %s/%s", got.Source, got.Kind)
	}
	if got.Timestamp.Before(before) {
		t.Errorf("timestamp %v before %v", got.Timestamp, before)
	}
	if got.Data["user_id"] != "u1" {
		t.Errorf("user_id = %v", got.Data["user_id"])
	}
}

func TestPublishFillsZeroTimestamp(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: KindTurnDone})
	if got := receive(t, ch); got.Timestamp.IsZero() {
		t.Error("zero timestamp delivered")
	}
}

func TestFanOut(t *testing.T) {
	b := New()
	const n = 4
	chans := make([]<-chan Event, n)
	for i := range n {
		chans[i] = b.Subscribe(2)
	}
	b.Emit(SourceGateway, KindClientConnected, nil)
	for i, ch := range chans {
		if got := receive(t, ch); got.Kind != KindClientConnected {
			t.Errorf("subscriber %d got %q", i, got.Kind)
		}
		b.Unsubscribe(ch)
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount = %d after unsubscribing all", got)
	}
}

func TestFullSubscriberDrops(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Kind: "first"})
	b.Publish(Event{Kind: "second"})

	if got := receive(t, ch); got.Kind != "first" {
		t.Errorf("got %q, want first", got.Kind)
	}
	select {
	case e := <-ch:
		t.Errorf("second event should have been dropped, got %v", e)
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("channel still open after Unsubscribe")
	}
	b.Unsubscribe(ch)
	b.Publish(Event{Kind: KindTurnError})
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	ch := b.Subscribe(16)

	var drained sync.WaitGroup
	drained.Add(1)
	go func() {
		defer drained.Done()
		for range ch {
		}
	}()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 50 {
				b.Emit(SourcePipeline, KindActionDone, map[string]any{"publisher": i, "seq": j})
			}
		}()
	}
	wg.Wait()
	b.Unsubscribe(ch)
	drained.Wait()
}
