package caselink

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func testRouter() (*Router, *Store, *Tracker) {
	s := NewStore(zerolog.Nop())
	s.SetSelf("me")
	tr := NewTracker(0)
	return NewRouter(s, tr, zerolog.Nop()), s, tr
}

func raw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func TestRouterDropsDuplicateMessages(t *testing.T) {
	r, s, _ := testRouter()
	key := ConversationKey{CounterpartyID: "them", SubjectID: "case-1"}

	payload := raw(map[string]any{
		"id": "m1", "senderId": "them", "receiverId": "me",
		"subjectId": "case-1", "body": "hello", "createdAt": "2026-08-01T12:00:00Z",
	})
	r.HandleEvent(EventMessageNew, payload)
	r.HandleEvent(EventMessageNew, payload)

	if n := len(s.GetMessages(key)); n != 1 {
		t.Fatalf("expected 1 message, got %d", n)
	}
	conv, _ := s.GetConversation(key)
	if conv.UnreadCount != 1 {
		t.Errorf("duplicate raised unread: got %d", conv.UnreadCount)
	}
}

func TestRouterNormalizesSnakeCase(t *testing.T) {
	r, s, _ := testRouter()
	key := ConversationKey{CounterpartyID: "them", SubjectID: "case-1"}

	r.HandleEvent(EventMessageNew, raw(map[string]any{
		"message_id": "m1", "sender_id": "them", "receiver_id": "me",
		"subject_id": "case-1", "content": "hello", "created_at": "2026-08-01T12:00:00Z",
	}))

	msgs := s.GetMessages(key)
	if len(msgs) != 1 {
		t.Fatalf("snake_case payload not applied")
	}
	if msgs[0].Body != "hello" {
		t.Errorf("body not normalized: %q", msgs[0].Body)
	}
}

func TestRouterConfirmationRetiresProvisional(t *testing.T) {
	r, s, _ := testRouter()
	key := ConversationKey{CounterpartyID: "them", SubjectID: "case-1"}

	s.UpsertMessage(Message{
		ID: "prov-1", ProvisionalID: "prov-1", SenderID: "me", ReceiverID: "them",
		SubjectID: "case-1", Body: "hi", CreatedAt: at(1), Status: SendPending,
	})

	var hooked []string
	r.SetConfirmHook(func(m Message) { hooked = append(hooked, m.ProvisionalID) })

	r.HandleEvent(EventMessageConfirmed, raw(map[string]any{
		"id": "srv-1", "provisionalId": "prov-1", "senderId": "me", "receiverId": "them",
		"subjectId": "case-1", "body": "hi", "createdAt": "2026-08-01T12:00:02Z",
	}))

	msgs := s.GetMessages(key)
	if len(msgs) != 1 || msgs[0].ID != "srv-1" {
		t.Fatalf("provisional not replaced: %+v", msgs)
	}
	if len(hooked) != 1 || hooked[0] != "prov-1" {
		t.Fatalf("confirm hook: %v", hooked)
	}
}

func TestRouterNoteDeliveredSuppressesReplay(t *testing.T) {
	r, _, _ := testRouter()

	var hooked int
	r.SetConfirmHook(func(Message) { hooked++ })

	r.NoteDelivered("srv-1")
	r.HandleEvent(EventMessageConfirmed, raw(map[string]any{
		"id": "srv-1", "provisionalId": "prov-1", "senderId": "me", "receiverId": "them",
		"subjectId": "case-1", "body": "hi",
	}))

	if hooked != 0 {
		t.Fatalf("replayed confirmation reached the hook %d times", hooked)
	}
}

func TestRouterReadReceiptIdempotent(t *testing.T) {
	r, s, _ := testRouter()
	key := ConversationKey{CounterpartyID: "them", SubjectID: "case-1"}
	s.UpsertMessage(inbound("m1", 1))
	s.UpsertMessage(inbound("m2", 2))

	receipt := raw(map[string]any{"messageId": "m1", "subjectId": "case-1", "readerId": "me"})
	r.HandleEvent(EventMessageRead, receipt)
	r.HandleEvent(EventMessageRead, receipt)

	conv, _ := s.GetConversation(key)
	if conv.UnreadCount != 1 {
		t.Fatalf("expected unread 1 after repeated receipts, got %d", conv.UnreadCount)
	}
}

func TestRouterDeletionAppliedOnce(t *testing.T) {
	r, s, _ := testRouter()
	key := ConversationKey{CounterpartyID: "them", SubjectID: "case-1"}
	s.UpsertMessage(inbound("m1", 1))

	del := raw(map[string]any{"messageId": "m1", "subjectId": "case-1"})
	r.HandleEvent(EventMessageDeleted, del)
	r.HandleEvent(EventMessageDeleted, del)

	if n := len(s.GetMessages(key)); n != 0 {
		t.Fatalf("message not deleted: %d remain", n)
	}
	conv, _ := s.GetConversation(key)
	if conv.TotalCount != 0 {
		t.Errorf("total count after duplicate deletes: %d", conv.TotalCount)
	}
}

func TestRouterSkipsOwnTypingEcho(t *testing.T) {
	r, _, tr := testRouter()

	r.HandleEvent(EventTypingStart, raw(map[string]any{"typistId": "me", "subjectId": "case-1"}))
	if tr.IsTyping("me", "case-1") {
		t.Fatal("own typing echo was tracked")
	}

	r.HandleEvent(EventTypingStart, raw(map[string]any{"typistId": "them", "subjectId": "case-1"}))
	if !tr.IsTyping("them", "case-1") {
		t.Fatal("counterparty typing not tracked")
	}
}

func TestRouterPresenceEvents(t *testing.T) {
	r, _, tr := testRouter()

	r.HandleEvent(EventPresenceOnline, raw(map[string]any{"userId": "alice"}))
	if !tr.IsOnline("alice") {
		t.Fatal("online event not applied")
	}
	r.HandleEvent(EventPresenceOffline, raw(map[string]any{"user_id": "alice"}))
	if tr.IsOnline("alice") {
		t.Fatal("offline event not applied")
	}
	r.HandleEvent(EventPresenceSnapshot, raw(map[string]any{"userIds": []string{"bob", "carol"}}))
	if !tr.IsOnline("bob") || !tr.IsOnline("carol") {
		t.Fatal("presence snapshot not applied")
	}
}

func TestRouterDropsMalformedPayloads(t *testing.T) {
	r, s, _ := testRouter()
	r.HandleEvent(EventMessageNew, json.RawMessage(`not json`))
	r.HandleEvent(EventConversationSnapshot, json.RawMessage(`42`))
	if len(s.Conversations()) != 0 {
		t.Fatal("malformed payload mutated the store")
	}
}
