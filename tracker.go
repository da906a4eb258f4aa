package caselink

import (
	"sync"
	"time"
)

// typingKey identifies one typing indicator: who is typing, about what.
type typingKey struct {
	TypistID  string
	SubjectID string
}

// Tracker maintains the online-user set and per-conversation typing state.
//
// Presence is push-driven: ids are added on explicit online events or a bulk
// snapshot and removed on explicit offline events; there is no heartbeat
// fallback. Typing state auto-clears after the expiry window whether or not
// an explicit stop ever arrives; stop signals are an optimization, not a
// correctness requirement.
type Tracker struct {
	mu     sync.Mutex
	online map[string]struct{}
	typing map[typingKey]*time.Timer
	expiry time.Duration

	onChange func()
}

// NewTracker creates a tracker whose typing indicators expire after the
// given window (3s when zero).
func NewTracker(expiry time.Duration) *Tracker {
	if expiry == 0 {
		expiry = 3 * time.Second
	}
	return &Tracker{
		online: make(map[string]struct{}),
		typing: make(map[typingKey]*time.Timer),
		expiry: expiry,
	}
}

// OnChange registers a single callback invoked after any presence or typing
// change.
func (tr *Tracker) OnChange(fn func()) {
	tr.mu.Lock()
	tr.onChange = fn
	tr.mu.Unlock()
}

func (tr *Tracker) changed() {
	tr.mu.Lock()
	fn := tr.onChange
	tr.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// SetOnline adds a user to the online set.
func (tr *Tracker) SetOnline(id string) {
	tr.mu.Lock()
	tr.online[id] = struct{}{}
	tr.mu.Unlock()
	tr.changed()
}

// SetOffline removes a user from the online set.
func (tr *Tracker) SetOffline(id string) {
	tr.mu.Lock()
	delete(tr.online, id)
	tr.mu.Unlock()
	tr.changed()
}

// ApplyPresenceSnapshot replaces the online set with a bulk snapshot.
func (tr *Tracker) ApplyPresenceSnapshot(ids []string) {
	tr.mu.Lock()
	tr.online = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		tr.online[id] = struct{}{}
	}
	tr.mu.Unlock()
	tr.changed()
}

// IsOnline reports whether a user is currently online.
func (tr *Tracker) IsOnline(id string) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	_, ok := tr.online[id]
	return ok
}

// OnlineUsers returns the current online set.
func (tr *Tracker) OnlineUsers() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]string, 0, len(tr.online))
	for id := range tr.online {
		out = append(out, id)
	}
	return out
}

// SetTyping updates typing state for (typist, subject). A true value
// restarts the expiry timer; a false value clears immediately. Timers are
// per-key: clearing one never affects another.
func (tr *Tracker) SetTyping(typistID, subjectID string, isTyping bool) {
	k := typingKey{TypistID: typistID, SubjectID: subjectID}
	tr.mu.Lock()
	if t, ok := tr.typing[k]; ok {
		t.Stop()
		delete(tr.typing, k)
	}
	if isTyping {
		tr.typing[k] = time.AfterFunc(tr.expiry, func() { tr.expire(k) })
	}
	tr.mu.Unlock()
	tr.changed()
}

func (tr *Tracker) expire(k typingKey) {
	tr.mu.Lock()
	_, ok := tr.typing[k]
	if ok {
		delete(tr.typing, k)
	}
	tr.mu.Unlock()
	if ok {
		tr.changed()
	}
}

// IsTyping reports whether (typist, subject) is currently typing.
func (tr *Tracker) IsTyping(typistID, subjectID string) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	_, ok := tr.typing[typingKey{TypistID: typistID, SubjectID: subjectID}]
	return ok
}

// TypistsFor returns all users currently typing about a subject.
func (tr *Tracker) TypistsFor(subjectID string) []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var out []string
	for k := range tr.typing {
		if k.SubjectID == subjectID {
			out = append(out, k.TypistID)
		}
	}
	return out
}

// Clear drops all presence and typing state.
func (tr *Tracker) Clear() {
	tr.mu.Lock()
	tr.online = make(map[string]struct{})
	for k, t := range tr.typing {
		t.Stop()
		delete(tr.typing, k)
	}
	tr.mu.Unlock()
	tr.changed()
}

// ============================================================================
// Outbound typing notifier
// ============================================================================

// typingNotifier rate-limits outbound typing indicators. Rapid
// keystroke-driven calls coalesce into a single start emission per key,
// followed by an automatic stop after the inactivity window, whether or not
// the caller ever signals an explicit stop. Timers are independent per key.
type typingNotifier struct {
	mu       sync.Mutex
	debounce time.Duration
	idle     time.Duration
	entries  map[typingKey]*typingEntry
	emit     func(event string, typistID, subjectID string)
}

type typingEntry struct {
	debounceTimer *time.Timer
	stopTimer     *time.Timer
	started       bool
}

func newTypingNotifier(debounce, idle time.Duration, emit func(event, typistID, subjectID string)) *typingNotifier {
	if debounce == 0 {
		debounce = 300 * time.Millisecond
	}
	if idle == 0 {
		idle = 3 * time.Second
	}
	return &typingNotifier{
		debounce: debounce,
		idle:     idle,
		entries:  make(map[typingKey]*typingEntry),
		emit:     emit,
	}
}

// Keystroke records typing activity for (typist, subject).
func (n *typingNotifier) Keystroke(typistID, subjectID string) {
	k := typingKey{TypistID: typistID, SubjectID: subjectID}
	n.mu.Lock()
	defer n.mu.Unlock()

	e, ok := n.entries[k]
	if !ok {
		e = &typingEntry{}
		n.entries[k] = e
	}

	if e.started {
		// Already announced: just push the auto-stop out.
		e.stopTimer.Stop()
		e.stopTimer = time.AfterFunc(n.idle, func() { n.autoStop(k) })
		return
	}

	// First keystroke of a burst arms the start timer; later keystrokes let
	// it fire, so steady typing announces after one debounce window instead
	// of being deferred forever.
	if e.debounceTimer == nil {
		e.debounceTimer = time.AfterFunc(n.debounce, func() { n.fireStart(k) })
	}
}

func (n *typingNotifier) fireStart(k typingKey) {
	n.mu.Lock()
	e, ok := n.entries[k]
	if !ok {
		n.mu.Unlock()
		return
	}
	e.debounceTimer = nil
	e.started = true
	e.stopTimer = time.AfterFunc(n.idle, func() { n.autoStop(k) })
	n.mu.Unlock()
	n.emit(cmdTypingStart, k.TypistID, k.SubjectID)
}

func (n *typingNotifier) autoStop(k typingKey) {
	n.mu.Lock()
	e, ok := n.entries[k]
	if !ok || !e.started {
		n.mu.Unlock()
		return
	}
	delete(n.entries, k)
	n.mu.Unlock()
	n.emit(cmdTypingStop, k.TypistID, k.SubjectID)
}

// Stop cancels pending emissions for (typist, subject) and, if a start was
// announced, emits the stop immediately.
func (n *typingNotifier) Stop(typistID, subjectID string) {
	k := typingKey{TypistID: typistID, SubjectID: subjectID}
	n.mu.Lock()
	e, ok := n.entries[k]
	if !ok {
		n.mu.Unlock()
		return
	}
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
	}
	if e.stopTimer != nil {
		e.stopTimer.Stop()
	}
	started := e.started
	delete(n.entries, k)
	n.mu.Unlock()
	if started {
		n.emit(cmdTypingStop, k.TypistID, k.SubjectID)
	}
}

// StopAll cancels every pending typing emission (used on disconnect).
func (n *typingNotifier) StopAll() {
	n.mu.Lock()
	keys := make([]typingKey, 0, len(n.entries))
	for k := range n.entries {
		keys = append(keys, k)
	}
	n.mu.Unlock()
	for _, k := range keys {
		n.Stop(k.TypistID, k.SubjectID)
	}
}
