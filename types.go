package caselink

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Core Entities
// ============================================================================

// ConversationKey identifies a conversation by its (counterparty, subject)
// pair. At most one conversation exists per key.
type ConversationKey struct {
	CounterpartyID string `json:"counterpartyId"`
	SubjectID      string `json:"subjectId"`
}

func (k ConversationKey) String() string {
	return k.CounterpartyID + "/" + k.SubjectID
}

// IsZero reports whether the key is empty.
func (k ConversationKey) IsZero() bool {
	return k.CounterpartyID == "" && k.SubjectID == ""
}

// User describes a conversation participant.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// Subject is the shared entity that scopes a conversation between two
// counterparties.
type Subject struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// Attachment is immutable once attached to a sent message. Before upload it
// is identified by filename+size+mime-type; after upload by FileID.
type Attachment struct {
	FileID   string `json:"fileId,omitempty"`
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	URL      string `json:"url,omitempty"`
}

// SendState is the dispatcher-visible lifecycle state of a message.
type SendState string

const (
	// SendPending: optimistically inserted, not yet handed to a transport.
	SendPending SendState = "pending"
	// SendTransmitted: accepted by the local transport, awaiting confirmation.
	SendTransmitted SendState = "transmitted"
	// SendConfirmed: durably accepted by the server.
	SendConfirmed SendState = "confirmed"
	// SendFailed: transmit rejected or confirmation timed out. The message
	// stays visible so it can be retried or discarded.
	SendFailed SendState = "failed"
)

// Message is a single conversation message. Before confirmation ID holds the
// client-generated provisional id; once confirmed ID is the server id and
// ProvisionalID records the retired provisional id.
type Message struct {
	ID            string       `json:"id"`
	ProvisionalID string       `json:"provisionalId,omitempty"`
	SenderID      string       `json:"senderId"`
	ReceiverID    string       `json:"receiverId"`
	SubjectID     string       `json:"subjectId"`
	Body          string       `json:"body"`
	Attachments   []Attachment `json:"attachments,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	Read          bool         `json:"read"`
	Status        SendState    `json:"status,omitempty"`
}

// Counterparty returns the other participant's id from selfID's perspective.
func (m *Message) Counterparty(selfID string) string {
	if m.SenderID == selfID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Key returns the conversation key this message belongs to, from selfID's
// perspective.
func (m *Message) Key(selfID string) ConversationKey {
	return ConversationKey{CounterpartyID: m.Counterparty(selfID), SubjectID: m.SubjectID}
}

// Conversation is a client-side conversation summary. LastMessage is
// denormalized and only moves forward in time.
type Conversation struct {
	Counterparty User     `json:"counterparty"`
	Subject      Subject  `json:"subject"`
	LastMessage  *Message `json:"lastMessage,omitempty"`
	UnreadCount  int      `json:"unreadCount"`
	TotalCount   int      `json:"totalCount"`
}

// Key returns the conversation's identity key.
func (c *Conversation) Key() ConversationKey {
	return ConversationKey{CounterpartyID: c.Counterparty.ID, SubjectID: c.Subject.ID}
}

// ============================================================================
// Wire Format
// ============================================================================

// Envelope is the wire format for all inbound stream events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Command is a client-to-server stream command.
type Command struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// Inbound event vocabulary. One canonical name per logical action.
const (
	EventIdentityAck          = "identity.ack"
	EventConversationSnapshot = "conversation.snapshot"
	EventMessageNew           = "message.new"
	EventMessageConfirmed     = "message.confirmed"
	EventMessageRead          = "message.read"
	EventMessageDeleted       = "message.deleted"
	EventMessagePage          = "message.page"
	EventTypingStart          = "typing.start"
	EventTypingStop           = "typing.stop"
	EventPresenceOnline       = "presence.online"
	EventPresenceOffline      = "presence.offline"
	EventPresenceSnapshot     = "presence.snapshot"
	EventError                = "error"
)

// Outbound command vocabulary.
const (
	cmdGetConversations = "conversations.get"
	cmdGetMessages      = "messages.get"
	cmdSendMessage      = "message.send"
	cmdMarkRead         = "message.read.mark"
	cmdDeleteMessage    = "message.delete"
	cmdJoinRoom         = "room.join"
	cmdLeaveRoom        = "room.leave"
	cmdTypingStart      = "typing.start"
	cmdTypingStop       = "typing.stop"
)

// ============================================================================
// Ingress Normalization
// ============================================================================
//
// Legacy producers emit the same payloads under snake_case (and a few other)
// field spellings. Normalization happens exactly once, here, at ingress;
// nothing deeper in the pipeline branches on field-name variants.

func decodeLoose(raw json.RawMessage) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return m, nil
}

func strAny(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func intAny(m map[string]any, keys ...string) int {
	for _, k := range keys {
		if v, ok := m[k].(float64); ok {
			return int(v)
		}
	}
	return 0
}

func boolAny(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if v, ok := m[k].(bool); ok {
			return v
		}
	}
	return false
}

func mapAny(m map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		if v, ok := m[k].(map[string]any); ok {
			return v
		}
	}
	return nil
}

func sliceAny(m map[string]any, keys ...string) []any {
	for _, k := range keys {
		if v, ok := m[k].([]any); ok {
			return v
		}
	}
	return nil
}

// timeAny accepts RFC 3339 strings and epoch-millisecond numbers.
func timeAny(m map[string]any, keys ...string) time.Time {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return t
			}
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t
			}
		case float64:
			return time.UnixMilli(int64(v)).UTC()
		}
	}
	return time.Time{}
}

func normalizeAttachment(m map[string]any) Attachment {
	return Attachment{
		FileID:   strAny(m, "fileId", "file_id", "storageRef", "storage_ref"),
		FileName: strAny(m, "fileName", "file_name", "filename", "name"),
		MimeType: strAny(m, "mimeType", "mime_type", "contentType", "content_type"),
		Size:     int64(intAny(m, "size", "fileSize", "file_size")),
		URL:      strAny(m, "url", "fileUrl", "file_url"),
	}
}

func normalizeMessageMap(m map[string]any) Message {
	// Some producers wrap the message in an outer {"message": {...}} object.
	if inner := mapAny(m, "message"); inner != nil {
		m = inner
	}
	msg := Message{
		ID:            strAny(m, "id", "messageId", "message_id"),
		ProvisionalID: strAny(m, "provisionalId", "provisional_id", "clientId", "client_id"),
		SenderID:      strAny(m, "senderId", "sender_id", "from"),
		ReceiverID:    strAny(m, "receiverId", "receiver_id", "to"),
		SubjectID:     strAny(m, "subjectId", "subject_id"),
		Body:          strAny(m, "body", "content", "text"),
		CreatedAt:     timeAny(m, "createdAt", "created_at", "timestamp"),
		Read:          boolAny(m, "read", "isRead", "is_read", "seen"),
		Status:        SendConfirmed,
	}
	for _, a := range sliceAny(m, "attachments", "files") {
		if am, ok := a.(map[string]any); ok {
			msg.Attachments = append(msg.Attachments, normalizeAttachment(am))
		}
	}
	return msg
}

func normalizeMessage(raw json.RawMessage) (Message, error) {
	m, err := decodeLoose(raw)
	if err != nil {
		return Message{}, err
	}
	return normalizeMessageMap(m), nil
}

func normalizeConversationMap(m map[string]any) Conversation {
	conv := Conversation{
		UnreadCount: intAny(m, "unreadCount", "unread_count", "unread"),
		TotalCount:  intAny(m, "totalCount", "total_count", "messageCount", "message_count"),
	}
	if cp := mapAny(m, "counterparty", "user", "participant"); cp != nil {
		conv.Counterparty = User{
			ID:          strAny(cp, "id", "userId", "user_id"),
			DisplayName: strAny(cp, "displayName", "display_name", "name"),
		}
	} else {
		conv.Counterparty = User{
			ID:          strAny(m, "counterpartyId", "counterparty_id", "userId", "user_id"),
			DisplayName: strAny(m, "counterpartyName", "counterparty_name"),
		}
	}
	if sb := mapAny(m, "subject", "case"); sb != nil {
		conv.Subject = Subject{
			ID:    strAny(sb, "id", "subjectId", "subject_id"),
			Title: strAny(sb, "title", "name"),
		}
	} else {
		conv.Subject = Subject{
			ID:    strAny(m, "subjectId", "subject_id"),
			Title: strAny(m, "subjectTitle", "subject_title"),
		}
	}
	if lm := mapAny(m, "lastMessage", "last_message"); lm != nil {
		msg := normalizeMessageMap(lm)
		if msg.SubjectID == "" {
			msg.SubjectID = conv.Subject.ID
		}
		conv.LastMessage = &msg
	}
	return conv
}

func normalizeConversationList(raw json.RawMessage) ([]Conversation, error) {
	// Either a bare array or an object wrapping one.
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		m, err := decodeLoose(raw)
		if err != nil {
			return nil, err
		}
		for _, v := range sliceAny(m, "conversations", "items") {
			if cm, ok := v.(map[string]any); ok {
				items = append(items, cm)
			}
		}
	}
	convs := make([]Conversation, 0, len(items))
	for _, it := range items {
		convs = append(convs, normalizeConversationMap(it))
	}
	return convs, nil
}

type identityInfo struct {
	UserID      string
	DisplayName string
}

func normalizeIdentity(raw json.RawMessage) (identityInfo, error) {
	m, err := decodeLoose(raw)
	if err != nil {
		return identityInfo{}, err
	}
	if inner := mapAny(m, "user"); inner != nil {
		m = inner
	}
	return identityInfo{
		UserID:      strAny(m, "userId", "user_id", "id"),
		DisplayName: strAny(m, "displayName", "display_name", "username"),
	}, nil
}

type readReceipt struct {
	MessageID string
	SubjectID string
	ReaderID  string
}

func normalizeReadReceipt(raw json.RawMessage) (readReceipt, error) {
	m, err := decodeLoose(raw)
	if err != nil {
		return readReceipt{}, err
	}
	return readReceipt{
		MessageID: strAny(m, "messageId", "message_id", "id"),
		SubjectID: strAny(m, "subjectId", "subject_id"),
		ReaderID:  strAny(m, "readerId", "reader_id", "userId", "user_id"),
	}, nil
}

type deletion struct {
	MessageID      string
	SubjectID      string
	CounterpartyID string
}

func normalizeDeletion(raw json.RawMessage) (deletion, error) {
	m, err := decodeLoose(raw)
	if err != nil {
		return deletion{}, err
	}
	return deletion{
		MessageID:      strAny(m, "messageId", "message_id", "id"),
		SubjectID:      strAny(m, "subjectId", "subject_id"),
		CounterpartyID: strAny(m, "counterpartyId", "counterparty_id", "userId", "user_id"),
	}, nil
}

type typingEvent struct {
	TypistID  string
	SubjectID string
}

func normalizeTyping(raw json.RawMessage) (typingEvent, error) {
	m, err := decodeLoose(raw)
	if err != nil {
		return typingEvent{}, err
	}
	return typingEvent{
		TypistID:  strAny(m, "typistId", "typist_id", "userId", "user_id"),
		SubjectID: strAny(m, "subjectId", "subject_id"),
	}, nil
}

func normalizePresence(raw json.RawMessage) (string, error) {
	m, err := decodeLoose(raw)
	if err != nil {
		return "", err
	}
	return strAny(m, "userId", "user_id", "id"), nil
}

func normalizePresenceSnapshot(raw json.RawMessage) ([]string, error) {
	m, err := decodeLoose(raw)
	if err != nil {
		// Bare array form.
		var ids []string
		if err2 := json.Unmarshal(raw, &ids); err2 == nil {
			return ids, nil
		}
		return nil, err
	}
	var ids []string
	for _, v := range sliceAny(m, "userIds", "user_ids", "online") {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

type messagePage struct {
	Key        ConversationKey
	Messages   []Message
	NextCursor string
}

func normalizeMessagePage(raw json.RawMessage) (messagePage, error) {
	m, err := decodeLoose(raw)
	if err != nil {
		return messagePage{}, err
	}
	page := messagePage{
		Key: ConversationKey{
			CounterpartyID: strAny(m, "counterpartyId", "counterparty_id", "userId", "user_id"),
			SubjectID:      strAny(m, "subjectId", "subject_id"),
		},
		NextCursor: strAny(m, "nextCursor", "next_cursor", "cursor"),
	}
	for _, v := range sliceAny(m, "messages", "items") {
		if mm, ok := v.(map[string]any); ok {
			msg := normalizeMessageMap(mm)
			if msg.SubjectID == "" {
				msg.SubjectID = page.Key.SubjectID
			}
			page.Messages = append(page.Messages, msg)
		}
	}
	return page, nil
}
