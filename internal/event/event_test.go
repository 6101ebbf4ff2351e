package event

import (
	"context"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b, err := NewBus(1, "test")
	if err != nil {
		t.Fatalf("bus: %v", err)
	}
	got := make(chan interface{}, 4)
	b.Subscribe("lifecycle", "^"+TOPIC_LIFECYCLE+"$", func(ctx context.Context, topic string, data interface{}) {
		if topic != TOPIC_LIFECYCLE {
			t.Errorf("unexpected topic %s", topic)
		}
		got <- data
	})

	b.Publish(context.Background(), TOPIC_SAMPLE, "ignored")
	b.Publish(context.Background(), TOPIC_LIFECYCLE, &Lifecycle{Kind: "CONN", Cid: 3})

	select {
	case d := <-got:
		l, ok := d.(*Lifecycle)
		if !ok || l.Cid != 3 {
			t.Fatalf("unexpected payload %#v", d)
		}
	case <-time.After(time.Second):
		t.Fatalf("lifecycle event not delivered")
	}
	select {
	case d := <-got:
		t.Fatalf("unexpected extra event %#v", d)
	case <-time.After(50 * time.Millisecond):
	}

	b.Unsubscribe("lifecycle")
	b.Publish(context.Background(), TOPIC_LIFECYCLE, &Lifecycle{Kind: "CLOS"})
	select {
	case d := <-got:
		t.Fatalf("event after unsubscribe %#v", d)
	case <-time.After(50 * time.Millisecond):
	}
}
