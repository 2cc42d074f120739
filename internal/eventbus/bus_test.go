package eventbus

import "testing"

func TestPublishFanOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: "x"})
	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != "x" || e.Time.IsZero() {
			t.Fatalf("event=%+v", e)
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	b.Publish(Event{Type: "1"})
	b.Publish(Event{Type: "2"})
	if b.Dropped() != 1 {
		t.Fatalf("dropped=%d", b.Dropped())
	}
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
}
