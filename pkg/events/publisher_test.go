package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeSerialization(t *testing.T) {
	data := &KeysRotatedData{Epoch: 3, Members: 2}

	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}

	env := Envelope{
		ID:        "test-id",
		Type:      KeysRotated,
		Source:    "keygroup",
		GroupID:   "g1",
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}

	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}

	if decoded.Type != KeysRotated {
		t.Errorf("type = %q, want %q", decoded.Type, KeysRotated)
	}
	if decoded.GroupID != "g1" {
		t.Errorf("group_id = %q, want %q", decoded.GroupID, "g1")
	}

	var payload KeysRotatedData
	if err := json.Unmarshal(decoded.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Epoch != 3 {
		t.Errorf("epoch = %d, want 3", payload.Epoch)
	}
}

func TestLocalSubscription(t *testing.T) {
	pub := NewPublisher(nil, "test", "")

	ch := pub.Subscribe("sub1", 4)
	defer pub.Unsubscribe("sub1")

	if err := pub.Emit(context.Background(), MemberAdded, "g1", &MembershipData{MemberID: "bob", Epoch: 1, Members: 2}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case env := <-ch:
		if env.Type != MemberAdded {
			t.Errorf("type = %q, want %q", env.Type, MemberAdded)
		}
		if env.GroupID != "g1" {
			t.Errorf("group_id = %q, want %q", env.GroupID, "g1")
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	pub := NewPublisher(nil, "test", "")

	ch := pub.Subscribe("sub1", 1)
	pub.Unsubscribe("sub1")

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after unsubscribe")
	}
}

func TestEventTypeConstants(t *testing.T) {
	types := []EventType{
		GroupCreated, GroupClosed,
		MemberAdded, MemberRemoved,
		KeysRotated, EncryptionState,
		FrameDropped, SystemError,
	}

	seen := make(map[EventType]bool)
	for _, et := range types {
		if et == "" {
			t.Error("empty event type constant")
		}
		if seen[et] {
			t.Errorf("duplicate event type: %q", et)
		}
		seen[et] = true
	}
}
