package caselink

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// seenCap bounds the dedup window. Old entries are evicted FIFO.
const seenCap = 4096

// Router demultiplexes inbound stream events to the Store and Tracker.
// Message-bearing events are deduplicated by server id before being applied,
// since reconnection or multi-path delivery (stream plus fallback) can
// deliver the same logical event twice.
type Router struct {
	store   *Store
	tracker *Tracker
	log     zerolog.Logger

	mu        sync.Mutex
	seen      map[string]struct{}
	seenOrder []string

	onConfirmed func(Message)
}

// NewRouter creates a router bound to a store and tracker.
func NewRouter(store *Store, tracker *Tracker, log zerolog.Logger) *Router {
	return &Router{
		store:   store,
		tracker: tracker,
		log:     log,
		seen:    make(map[string]struct{}),
	}
}

// SetConfirmHook registers the dispatcher callback invoked for every
// confirmation event, after the store merge.
func (r *Router) SetConfirmHook(fn func(Message)) {
	r.mu.Lock()
	r.onConfirmed = fn
	r.mu.Unlock()
}

// Bind subscribes the router to the fixed event vocabulary of a transport.
func (r *Router) Bind(t *Transport) {
	for _, ev := range []string{
		EventIdentityAck,
		EventConversationSnapshot,
		EventMessageNew,
		EventMessageConfirmed,
		EventMessageRead,
		EventMessageDeleted,
		EventMessagePage,
		EventTypingStart,
		EventTypingStop,
		EventPresenceOnline,
		EventPresenceOffline,
		EventPresenceSnapshot,
	} {
		t.Subscribe(ev, r.HandleEvent)
	}
}

// markSeen records (eventType, id) and reports whether it was new. Distinct
// event types for the same id are distinct logical events.
func (r *Router) markSeen(eventType, id string) bool {
	if id == "" {
		return true
	}
	key := eventType + ":" + id
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.seen[key]; dup {
		return false
	}
	r.seen[key] = struct{}{}
	r.seenOrder = append(r.seenOrder, key)
	if len(r.seenOrder) > seenCap {
		evict := r.seenOrder[0]
		r.seenOrder = r.seenOrder[1:]
		delete(r.seen, evict)
	}
	return true
}

// NoteDelivered pre-marks a confirmation applied through the fallback path
// so a later stream replay of the same event is dropped.
func (r *Router) NoteDelivered(serverID string) {
	r.markSeen(EventMessageConfirmed, serverID)
}

// HandleEvent applies one inbound event. It is the single ingress point:
// payload normalization happens here and nowhere deeper.
func (r *Router) HandleEvent(eventType string, payload json.RawMessage) {
	switch eventType {
	case EventIdentityAck:
		ident, err := normalizeIdentity(payload)
		if err != nil {
			r.drop(eventType, err)
			return
		}
		r.store.SetSelf(ident.UserID)

	case EventConversationSnapshot:
		convs, err := normalizeConversationList(payload)
		if err != nil {
			r.drop(eventType, err)
			return
		}
		r.store.ApplySnapshot(convs)

	case EventMessageNew, EventMessageConfirmed:
		msg, err := normalizeMessage(payload)
		if err != nil {
			r.drop(eventType, err)
			return
		}
		if !r.markSeen(eventType, msg.ID) {
			r.log.Debug().Str("event", eventType).Str("id", msg.ID).Msg("duplicate event dropped")
			return
		}
		r.store.UpsertMessage(msg)
		// Confirmation is defined by the provisional id, not the event name:
		// some producers deliver the confirmed message as message.new.
		if msg.ProvisionalID != "" {
			r.mu.Lock()
			hook := r.onConfirmed
			r.mu.Unlock()
			if hook != nil {
				hook(msg)
			}
		}

	case EventMessageRead:
		rc, err := normalizeReadReceipt(payload)
		if err != nil {
			r.drop(eventType, err)
			return
		}
		if key, _, ok := r.store.FindMessage(rc.MessageID); ok {
			r.store.MarkMessageRead(key, rc.MessageID)
		}

	case EventMessageDeleted:
		del, err := normalizeDeletion(payload)
		if err != nil {
			r.drop(eventType, err)
			return
		}
		if !r.markSeen(eventType, del.MessageID) {
			return
		}
		if key, _, ok := r.store.FindMessage(del.MessageID); ok {
			r.store.RemoveMessage(key, del.MessageID)
		}

	case EventMessagePage:
		page, err := normalizeMessagePage(payload)
		if err != nil {
			r.drop(eventType, err)
			return
		}
		r.store.PrependMessages(page.Key, page.Messages)
		if page.NextCursor != "" {
			r.store.SetCursor(page.Key, page.NextCursor)
		}

	case EventTypingStart, EventTypingStop:
		te, err := normalizeTyping(payload)
		if err != nil {
			r.drop(eventType, err)
			return
		}
		// Our own indicators echo back through the room.
		if te.TypistID == r.store.Self() {
			return
		}
		r.tracker.SetTyping(te.TypistID, te.SubjectID, eventType == EventTypingStart)

	case EventPresenceOnline, EventPresenceOffline:
		id, err := normalizePresence(payload)
		if err != nil || id == "" {
			r.drop(eventType, err)
			return
		}
		if eventType == EventPresenceOnline {
			r.tracker.SetOnline(id)
		} else {
			r.tracker.SetOffline(id)
		}

	case EventPresenceSnapshot:
		ids, err := normalizePresenceSnapshot(payload)
		if err != nil {
			r.drop(eventType, err)
			return
		}
		r.tracker.ApplyPresenceSnapshot(ids)

	default:
		r.log.Debug().Str("event", eventType).Msg("unhandled event type")
	}
}

func (r *Router) drop(eventType string, err error) {
	r.log.Warn().Str("event", eventType).Err(err).Msg("dropping malformed event")
}
