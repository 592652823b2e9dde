package broadcast

import (
	"errors"
	"testing"
)

func TestLocalChannelDeliversToEverySubscriber(t *testing.T) {
	c := NewLocalChannel()
	var first, second int
	if _, err := c.Subscribe(func([]byte) { first++ }); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	if _, err := c.Subscribe(func([]byte) { second++ }); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	if err := c.Publish([]byte(`x`)); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if first != 1 || second != 1 {
		t.Errorf("deliveries = %d/%d, want 1/1", first, second)
	}
}

func TestLocalChannelUnsubscribe(t *testing.T) {
	c := NewLocalChannel()
	var kept, dropped int
	if _, err := c.Subscribe(func([]byte) { kept++ }); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	sub, err := c.Subscribe(func([]byte) { dropped++ })
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe error: %v", err)
	}
	if err := c.Publish([]byte(`x`)); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if kept != 1 {
		t.Errorf("remaining subscriber deliveries = %d, want 1", kept)
	}
	if dropped != 0 {
		t.Errorf("unsubscribed handler ran %d times", dropped)
	}
}

func TestLocalChannelRejectsAfterClose(t *testing.T) {
	c := NewLocalChannel()
	var delivered int
	if _, err := c.Subscribe(func([]byte) { delivered++ }); err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	if err := c.Publish([]byte(`x`)); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("Publish after Close = %v, want ErrChannelClosed", err)
	}
	if _, err := c.Subscribe(func([]byte) {}); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("Subscribe after Close = %v, want ErrChannelClosed", err)
	}
	if delivered != 0 {
		t.Errorf("handler ran %d times after Close", delivered)
	}
}
