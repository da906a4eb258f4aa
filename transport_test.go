package caselink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// fakeStream is an in-process stream endpoint.
type fakeStream struct {
	mu   sync.Mutex
	cmds []Command
	conn *websocket.Conn

	rejectIdentity bool
	silent         bool

	srv *httptest.Server
}

func newFakeStream(t *testing.T) *fakeStream {
	t.Helper()
	f := &fakeStream{}
	mux := http.NewServeMux()

	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()

		if f.silent {
			<-ctx.Done()
			return
		}
		if f.rejectIdentity {
			f.write(ctx, conn, Envelope{Type: EventError, Payload: raw(map[string]string{"message": "bad token"})})
			<-ctx.Done()
			return
		}

		f.write(ctx, conn, Envelope{Type: EventIdentityAck, Payload: raw(map[string]string{"userId": "me", "displayName": "Me"})})
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var cmd Command
			if json.Unmarshal(data, &cmd) == nil {
				f.mu.Lock()
				f.cmds = append(f.cmds, cmd)
				f.mu.Unlock()
			}
		}
	})

	// Minimal fallback surface for connect-time refreshes and page loads.
	mux.HandleFunc("/api/conversations", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, []map[string]any{})
	})
	mux.HandleFunc("/api/messages/", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, map[string]any{"messages": []map[string]any{}})
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeStream) write(ctx context.Context, conn *websocket.Conn, env Envelope) {
	b, _ := json.Marshal(env)
	conn.Write(ctx, websocket.MessageText, b)
}

// push sends an event to the connected client.
func (f *fakeStream) push(t *testing.T, eventType string, payload any) {
	t.Helper()
	var conn *websocket.Conn
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		conn = f.conn
		f.mu.Unlock()
		if conn != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if conn == nil {
		t.Fatal("no client connected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f.write(ctx, conn, Envelope{Type: eventType, Payload: raw(payload)})
}

func (f *fakeStream) commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.cmds...)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectResolvesIdentity(t *testing.T) {
	f := newFakeStream(t)
	c := NewClient(f.srv.URL, WithToken("tok"))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	if !c.Connected() {
		t.Fatal("not connected after Connect")
	}
	if c.Self() != "me" {
		t.Errorf("identity not applied: %q", c.Self())
	}
}

func TestConnectAuthRejected(t *testing.T) {
	f := newFakeStream(t)
	f.rejectIdentity = true
	c := NewClient(f.srv.URL, WithToken("bad"))

	err := c.Connect(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *AuthError, got %v", err)
	}
	if c.Connected() {
		t.Fatal("client connected despite rejection")
	}
}

func TestConnectTimesOutWithoutAck(t *testing.T) {
	f := newFakeStream(t)
	f.silent = true
	tr := NewTransport(TransportConfig{
		URL:            f.srv.URL + "/stream",
		ConnectTimeout: 100 * time.Millisecond,
	})

	err := tr.Connect(context.Background())
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectionError, got %v", err)
	}
	if tr.State() != StateDisconnected {
		t.Errorf("state after failed connect: %s", tr.State())
	}
}

func TestConnectDialFailure(t *testing.T) {
	tr := NewTransport(TransportConfig{
		URL:            "http://127.0.0.1:1/stream",
		ConnectTimeout: 500 * time.Millisecond,
	})
	err := tr.Connect(context.Background())
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected *ConnectionError, got %v", err)
	}
}

func TestEmitWhileDisconnected(t *testing.T) {
	tr := NewTransport(TransportConfig{URL: "http://example.invalid/stream"})
	err := tr.Emit(cmdJoinRoom, map[string]string{"subjectId": "case-1"})
	var ncErr *NotConnectedError
	if !errors.As(err, &ncErr) {
		t.Fatalf("expected *NotConnectedError, got %v", err)
	}
}

func TestStreamEventsReachStore(t *testing.T) {
	f := newFakeStream(t)
	c := NewClient(f.srv.URL, WithToken("tok"))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	key := ConversationKey{CounterpartyID: "them", SubjectID: "case-1"}
	f.push(t, EventMessageNew, map[string]any{
		"id": "m1", "senderId": "them", "receiverId": "me",
		"subjectId": "case-1", "body": "over the wire", "createdAt": "2026-08-01T12:00:00Z",
	})

	waitFor(t, func() bool { return len(c.Store().GetMessages(key)) == 1 }, "message to land in store")
	conv, _ := c.Store().GetConversation(key)
	if conv.UnreadCount != 1 {
		t.Errorf("unread after push: %d", conv.UnreadCount)
	}
}

func TestRoomJoinedWhileDisconnectedIsReplayedOnConnect(t *testing.T) {
	f := newFakeStream(t)
	c := NewClient(f.srv.URL, WithToken("tok"))
	c.Store().SetSelf("me")
	key := ConversationKey{CounterpartyID: "them", SubjectID: "case-1"}

	// Open before any stream exists; selection and page load use the fallback.
	if err := c.OpenConversation(context.Background(), key); err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	waitFor(t, func() bool {
		for _, cmd := range f.commands() {
			if cmd.Type == cmdJoinRoom {
				return true
			}
		}
		return false
	}, "room.join replay")

	var join Command
	for _, cmd := range f.commands() {
		if cmd.Type == cmdJoinRoom {
			join = cmd
		}
	}
	payload, ok := join.Payload.(map[string]any)
	if !ok {
		// Payload round-trips through JSON on the wire.
		b, _ := json.Marshal(join.Payload)
		json.Unmarshal(b, &payload)
	}
	if payload["subjectId"] != "case-1" || payload["counterpartyId"] != "them" {
		t.Errorf("join payload: %v", join.Payload)
	}
}

func TestReconnectReplacesConnection(t *testing.T) {
	f := newFakeStream(t)
	tr := NewTransport(TransportConfig{
		URL:                f.srv.URL + "/stream",
		AutoReconnect:      true,
		ReconnectBaseDelay: 20 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		ConnectTimeout:     2 * time.Second,
	})
	var got int32
	tr.Subscribe(EventMessageNew, func(string, json.RawMessage) { atomic.AddInt32(&got, 1) })

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Disconnect()

	// Drop the server side; the client must come back on its own with a
	// single live read loop.
	f.mu.Lock()
	old := f.conn
	f.conn = nil
	f.mu.Unlock()
	old.Close(websocket.StatusGoingAway, "restart")

	waitFor(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.conn != nil
	}, "server side of the reconnect")
	waitFor(t, func() bool { return tr.Connected() }, "connected state")

	f.push(t, EventMessageNew, map[string]any{
		"id": "m1", "senderId": "them", "receiverId": "me",
		"subjectId": "case-1", "body": "after reconnect", "createdAt": "2026-08-01T12:00:00Z",
	})
	waitFor(t, func() bool { return atomic.LoadInt32(&got) == 1 }, "event after reconnect")
	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&got); n != 1 {
		t.Fatalf("event delivered %d times after reconnect", n)
	}
}

func TestTypingKeystrokesDebounceOverStream(t *testing.T) {
	f := newFakeStream(t)
	c := NewClient(f.srv.URL, WithToken("tok"), WithTypingDebounce(30*time.Millisecond), WithTypingExpiry(80*time.Millisecond))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	key := ConversationKey{CounterpartyID: "them", SubjectID: "case-1"}
	for i := 0; i < 4; i++ {
		c.Typing(key)
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, func() bool {
		starts, stops := 0, 0
		for _, cmd := range f.commands() {
			switch cmd.Type {
			case cmdTypingStart:
				starts++
			case cmdTypingStop:
				stops++
			}
		}
		return starts == 1 && stops == 1
	}, "one typing.start and one auto typing.stop")
}
