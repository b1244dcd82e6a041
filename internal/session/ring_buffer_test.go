package session

import (
	"fmt"
	"testing"
	"time"
)

func makeEvent(id int) Event {
	return Event{
		SessionID: "test",
		Kind:      "read",
		Filename:  fmt.Sprintf("frame-%d.jpg", id),
		Timestamp: time.Now().UTC(),
	}
}

func TestRingBuffer_EmptyRead(t *testing.T) {
	rb := NewRingBuffer(10)
	events := rb.ReadAll()
	if len(events) != 0 {
		t.Errorf("expected empty buffer, got %d events", len(events))
	}
}

func TestRingBuffer_PartialFill(t *testing.T) {
	rb := NewRingBuffer(10)
	for i := 0; i < 5; i++ {
		rb.Write(makeEvent(i))
	}

	if rb.Len() != 5 {
		t.Fatalf("expected Len 5, got %d", rb.Len())
	}

	events := rb.ReadAll()
	for i, e := range events {
		expected := fmt.Sprintf("frame-%d.jpg", i)
		if e.Filename != expected {
			t.Errorf("event %d: expected %s, got %s", i, expected, e.Filename)
		}
	}
}

func TestRingBuffer_Overflow(t *testing.T) {
	rb := NewRingBuffer(5)
	for i := 0; i < 8; i++ {
		rb.Write(makeEvent(i))
	}

	events := rb.ReadAll()
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}

	// Frames 3..7 remain, oldest dropped.
	for i, e := range events {
		expected := fmt.Sprintf("frame-%d.jpg", i+3)
		if e.Filename != expected {
			t.Errorf("event %d: expected %s, got %s", i, expected, e.Filename)
		}
	}
}

func TestRingBuffer_ZeroCapacity(t *testing.T) {
	rb := NewRingBuffer(0)
	rb.Write(makeEvent(1))
	rb.Write(makeEvent(2))

	events := rb.ReadAll()
	if len(events) != 1 || events[0].Filename != "frame-2.jpg" {
		t.Errorf("expected only the latest event, got %+v", events)
	}
}
