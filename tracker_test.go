package caselink

import (
	"sync"
	"testing"
	"time"
)

func TestTypingExpiresWithoutStop(t *testing.T) {
	tr := NewTracker(40 * time.Millisecond)
	tr.SetTyping("alice", "case-1", true)

	if !tr.IsTyping("alice", "case-1") {
		t.Fatal("typing not recorded")
	}
	time.Sleep(80 * time.Millisecond)
	if tr.IsTyping("alice", "case-1") {
		t.Fatal("typing did not expire")
	}
}

func TestTypingRestartExtendsExpiry(t *testing.T) {
	tr := NewTracker(60 * time.Millisecond)
	tr.SetTyping("alice", "case-1", true)
	time.Sleep(40 * time.Millisecond)
	tr.SetTyping("alice", "case-1", true)
	time.Sleep(40 * time.Millisecond)
	if !tr.IsTyping("alice", "case-1") {
		t.Fatal("restart did not extend the expiry window")
	}
}

func TestTypingTimersAreIndependent(t *testing.T) {
	tr := NewTracker(time.Minute)
	tr.SetTyping("alice", "case-1", true)
	tr.SetTyping("bob", "case-1", true)

	tr.SetTyping("alice", "case-1", false)
	if tr.IsTyping("alice", "case-1") {
		t.Fatal("explicit stop did not clear")
	}
	if !tr.IsTyping("bob", "case-1") {
		t.Fatal("clearing one typist cleared another")
	}
	if got := tr.TypistsFor("case-1"); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("TypistsFor: %v", got)
	}
}

func TestPresenceSnapshotReplaces(t *testing.T) {
	tr := NewTracker(0)
	tr.SetOnline("alice")
	tr.SetOnline("bob")
	tr.ApplyPresenceSnapshot([]string{"carol"})

	if tr.IsOnline("alice") || tr.IsOnline("bob") {
		t.Error("snapshot did not replace the online set")
	}
	if !tr.IsOnline("carol") {
		t.Error("snapshot member missing")
	}
}

type emitRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *emitRecorder) record(event, typistID, subjectID string) {
	r.mu.Lock()
	r.events = append(r.events, event+"/"+typistID+"/"+subjectID)
	r.mu.Unlock()
}

func (r *emitRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestNotifierDebouncesToOneStart(t *testing.T) {
	rec := &emitRecorder{}
	n := newTypingNotifier(30*time.Millisecond, time.Minute, rec.record)

	for i := 0; i < 5; i++ {
		n.Keystroke("me", "case-1")
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(80 * time.Millisecond)

	got := rec.snapshot()
	if len(got) != 1 || got[0] != "typing.start/me/case-1" {
		t.Fatalf("expected a single start emission, got %v", got)
	}
}

func TestNotifierStartFiresDuringContinuousTyping(t *testing.T) {
	rec := &emitRecorder{}
	n := newTypingNotifier(40*time.Millisecond, time.Minute, rec.record)

	// Keystrokes keep arriving faster than the debounce window; the start
	// must still go out after one window instead of being deferred forever.
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		n.Keystroke("me", "case-1")
		time.Sleep(10 * time.Millisecond)
	}

	got := rec.snapshot()
	if len(got) != 1 || got[0] != "typing.start/me/case-1" {
		t.Fatalf("expected one start during continuous typing, got %v", got)
	}
}

func TestNotifierAutoStopsAfterIdle(t *testing.T) {
	rec := &emitRecorder{}
	n := newTypingNotifier(10*time.Millisecond, 50*time.Millisecond, rec.record)

	n.Keystroke("me", "case-1")
	time.Sleep(120 * time.Millisecond)

	got := rec.snapshot()
	if len(got) != 2 || got[1] != "typing.stop/me/case-1" {
		t.Fatalf("expected start then auto-stop, got %v", got)
	}
}

func TestNotifierStopBeforeStartEmitsNothing(t *testing.T) {
	rec := &emitRecorder{}
	n := newTypingNotifier(50*time.Millisecond, time.Minute, rec.record)

	n.Keystroke("me", "case-1")
	n.Stop("me", "case-1") // within the debounce window
	time.Sleep(100 * time.Millisecond)

	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("expected no emissions, got %v", got)
	}
}

func TestNotifierExplicitStopAfterStart(t *testing.T) {
	rec := &emitRecorder{}
	n := newTypingNotifier(10*time.Millisecond, time.Minute, rec.record)

	n.Keystroke("me", "case-1")
	time.Sleep(40 * time.Millisecond)
	n.Stop("me", "case-1")

	got := rec.snapshot()
	if len(got) != 2 || got[0] != "typing.start/me/case-1" || got[1] != "typing.stop/me/case-1" {
		t.Fatalf("expected start then stop, got %v", got)
	}
}
