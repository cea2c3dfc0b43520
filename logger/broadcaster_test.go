package logger

import (
	"fmt"
	"testing"
)

func TestBroadcasterHistory(t *testing.T) {
	b := NewBroadcaster(3)

	for i := 0; i < 5; i++ {
		fmt.Fprintf(b, "line %d\n", i)
	}

	_, history := b.Subscribe()
	if len(history) != 3 {
		t.Fatalf("history length = %d, want ring size 3", len(history))
	}
	if history[0].Text != "line 2" || history[2].Text != "line 4" {
		t.Errorf("history = %v, want lines 2..4", history)
	}
}

func TestBroadcasterDelivery(t *testing.T) {
	b := NewBroadcaster(10)

	ch, history := b.Subscribe()
	defer b.Unsubscribe(ch)
	if len(history) != 0 {
		t.Fatalf("fresh broadcaster has history: %v", history)
	}

	b.Write([]byte("hello\n"))
	got := <-ch
	if got.Text != "hello" {
		t.Errorf("delivered text = %q, want trailing newline trimmed", got.Text)
	}
	if got.Time.IsZero() {
		t.Error("delivered line has no timestamp")
	}
}

func TestBroadcasterSlowSubscriber(t *testing.T) {
	b := NewBroadcaster(1000)

	ch, _ := b.Subscribe()
	defer b.Unsubscribe(ch)

	// Never read; writes past the channel capacity must not block.
	for i := 0; i < 500; i++ {
		fmt.Fprintf(b, "line %d\n", i)
	}
	if n := len(ch); n != cap(ch) {
		t.Errorf("buffered lines = %d, want channel full at %d with the rest dropped", n, cap(ch))
	}
}

func TestBroadcasterUnsubscribeCloses(t *testing.T) {
	b := NewBroadcaster(10)

	ch, _ := b.Subscribe()
	b.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("unsubscribed channel is not closed")
	}

	// A second unsubscribe of the same channel is a no-op.
	b.Unsubscribe(ch)
}
