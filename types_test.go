package caselink

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNormalizeConversationShapes(t *testing.T) {
	nested := json.RawMessage(`[{
		"counterparty": {"id": "u1", "displayName": "User One"},
		"subject": {"id": "case-1", "title": "Case One"},
		"unreadCount": 2,
		"lastMessage": {"id": "m1", "sender_id": "u1", "receiver_id": "me",
			"content": "hi", "created_at": "2026-08-01T12:00:00Z"}
	}]`)
	convs, err := normalizeConversationList(nested)
	if err != nil {
		t.Fatalf("nested: %v", err)
	}
	if len(convs) != 1 || convs[0].Counterparty.ID != "u1" || convs[0].Subject.Title != "Case One" {
		t.Fatalf("nested shape: %+v", convs)
	}
	if convs[0].LastMessage == nil || convs[0].LastMessage.Body != "hi" {
		t.Fatalf("last message: %+v", convs[0].LastMessage)
	}
	if convs[0].LastMessage.SubjectID != "case-1" {
		t.Errorf("last message subject not inherited: %q", convs[0].LastMessage.SubjectID)
	}

	flat := json.RawMessage(`{"conversations": [{
		"counterparty_id": "u2", "subject_id": "case-2", "unread_count": 1
	}]}`)
	convs, err = normalizeConversationList(flat)
	if err != nil {
		t.Fatalf("flat: %v", err)
	}
	if len(convs) != 1 || convs[0].Counterparty.ID != "u2" || convs[0].Subject.ID != "case-2" {
		t.Fatalf("flat shape: %+v", convs)
	}
	if convs[0].UnreadCount != 1 {
		t.Errorf("unread: %d", convs[0].UnreadCount)
	}
}

func TestNormalizeMessageTimestampVariants(t *testing.T) {
	rfc, err := normalizeMessage(json.RawMessage(`{"id": "m1", "createdAt": "2026-08-01T12:00:00.5Z"}`))
	if err != nil {
		t.Fatal(err)
	}
	if rfc.CreatedAt.IsZero() {
		t.Error("RFC 3339 timestamp not parsed")
	}

	millis, err := normalizeMessage(json.RawMessage(`{"id": "m2", "timestamp": 1754049600000}`))
	if err != nil {
		t.Fatal(err)
	}
	want := time.UnixMilli(1754049600000).UTC()
	if !millis.CreatedAt.Equal(want) {
		t.Errorf("epoch millis: got %s, want %s", millis.CreatedAt, want)
	}
}

func TestNormalizeMessageWrapper(t *testing.T) {
	msg, err := normalizeMessage(json.RawMessage(`{"message": {"id": "m1", "from": "a", "to": "b", "text": "inner"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "m1" || msg.SenderID != "a" || msg.ReceiverID != "b" || msg.Body != "inner" {
		t.Fatalf("wrapper not unwrapped: %+v", msg)
	}
}

func TestMessageKeyOrientation(t *testing.T) {
	m := Message{SenderID: "alice", ReceiverID: "bob", SubjectID: "case-1"}
	if got := m.Key("alice"); got.CounterpartyID != "bob" {
		t.Errorf("sender view: %+v", got)
	}
	if got := m.Key("bob"); got.CounterpartyID != "alice" {
		t.Errorf("receiver view: %+v", got)
	}
}

func TestGuessMimeType(t *testing.T) {
	cases := map[string]string{
		"doc.pdf":    "application/pdf",
		"notes.md":   "text/markdown",
		"image.webp": "image/webp",
		"blob":       "application/octet-stream",
	}
	for name, want := range cases {
		if got := guessMimeType(name); got != want {
			t.Errorf("%s: got %s, want %s", name, got, want)
		}
	}
}
