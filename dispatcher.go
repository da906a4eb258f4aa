package caselink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSendTimeout bounds the wait for a send confirmation before the
// message is marked Failed.
const DefaultSendTimeout = 10 * time.Second

// SendOptions describes an outbound message.
type SendOptions struct {
	ReceiverID string
	SubjectID  string
	Body       string
	Files      []UploadFile
}

type pendingSend struct {
	key   ConversationKey
	out   outboundMessage
	timer *time.Timer
}

// Dispatcher orchestrates the write-side flows: send with optimistic insert
// and confirmation reconciliation, delete with rollback, read acknowledgments,
// and conversation open/close. It picks the transport per operation: the
// stream when connected, the fallback otherwise.
//
// The dispatcher also owns the joined-room set. The transport deliberately
// does not resubscribe rooms on reconnect; the dispatcher replays them from
// here so room membership always mirrors what the application opened.
type Dispatcher struct {
	c *Client

	mu            sync.Mutex
	pending       map[string]*pendingSend
	readsInFlight map[string]struct{}
	rooms         map[ConversationKey]struct{}

	// openSeq versions the selection. Async continuations capture the value
	// at dispatch and drop their results if the selection moved on.
	openSeq uint64
}

func newDispatcher(c *Client) *Dispatcher {
	d := &Dispatcher{
		c:             c,
		pending:       make(map[string]*pendingSend),
		readsInFlight: make(map[string]struct{}),
		rooms:         make(map[ConversationKey]struct{}),
	}
	c.router.SetConfirmHook(d.confirm)
	return d
}

func (d *Dispatcher) sendTimeout() time.Duration {
	if d.c.sendTimeout > 0 {
		return d.c.sendTimeout
	}
	return DefaultSendTimeout
}

// ============================================================================
// Send
// ============================================================================

// Send uploads attachments, optimistically inserts the message, transmits it,
// and arms the confirmation timeout. It returns the provisional id.
//
// Uploads complete before anything becomes visible: an upload failure aborts
// the send with an *UploadError and no message appears anywhere.
func (d *Dispatcher) Send(ctx context.Context, opts SendOptions) (string, error) {
	if opts.ReceiverID == "" || opts.SubjectID == "" {
		return "", fmt.Errorf("receiver and subject are required")
	}

	attachments, err := d.c.UploadAttachments(ctx, opts.Files)
	if err != nil {
		return "", err
	}

	provisionalID := uuid.NewString()
	selfID := d.c.store.Self()
	msg := Message{
		ID:            provisionalID,
		ProvisionalID: provisionalID,
		SenderID:      selfID,
		ReceiverID:    opts.ReceiverID,
		SubjectID:     opts.SubjectID,
		Body:          opts.Body,
		Attachments:   attachments,
		CreatedAt:     time.Now().UTC(),
		Status:        SendPending,
	}
	key := msg.Key(selfID)
	d.c.store.UpsertMessage(msg)

	out := outboundMessage{
		ProvisionalID: provisionalID,
		ReceiverID:    opts.ReceiverID,
		SubjectID:     opts.SubjectID,
		Body:          opts.Body,
		Attachments:   attachments,
	}
	if err := d.transmit(ctx, key, provisionalID, out); err != nil {
		return provisionalID, err
	}
	return provisionalID, nil
}

// transmit hands an outbound message to whichever transport is available and
// arms the confirmation timer. The message was already inserted; a transmit
// failure leaves it visible as Failed.
func (d *Dispatcher) transmit(ctx context.Context, key ConversationKey, provisionalID string, out outboundMessage) error {
	d.armConfirm(key, provisionalID, out)

	if d.c.transport.Connected() {
		d.c.store.SetMessageStatus(key, provisionalID, SendTransmitted)
		err := d.c.transport.EmitCommand(&Command{
			Type:      cmdSendMessage,
			Payload:   out,
			RequestID: provisionalID,
		})
		if err != nil {
			d.failSend(key, provisionalID)
			return err
		}
		return nil
	}

	// Fallback path: the response body is the confirmation.
	d.c.store.SetMessageStatus(key, provisionalID, SendTransmitted)
	go func() {
		confirmed, err := d.c.sendMessageREST(context.WithoutCancel(ctx), out)
		if err != nil {
			d.c.log.Warn().Err(err).Str("provisionalId", provisionalID).Msg("fallback send failed")
			d.failSend(key, provisionalID)
			return
		}
		if confirmed.ProvisionalID == "" {
			confirmed.ProvisionalID = provisionalID
		}
		// Suppress the stream replay of this confirmation.
		d.c.router.NoteDelivered(confirmed.ID)
		d.confirm(confirmed)
		d.c.store.UpsertMessage(confirmed)
	}()
	return nil
}

func (d *Dispatcher) armConfirm(key ConversationKey, provisionalID string, out outboundMessage) {
	d.mu.Lock()
	if prev, ok := d.pending[provisionalID]; ok {
		prev.timer.Stop()
	}
	p := &pendingSend{key: key, out: out}
	p.timer = time.AfterFunc(d.sendTimeout(), func() {
		err := &SendTimeoutError{ProvisionalID: provisionalID, Wait: d.sendTimeout()}
		d.c.log.Warn().Err(err).Msg("send confirmation timed out")
		d.failSend(key, provisionalID)
		if d.c.onSendFailure != nil {
			d.c.onSendFailure(err)
		}
	})
	d.pending[provisionalID] = p
	d.mu.Unlock()
}

// confirm retires a pending send. Invoked by the router for stream
// confirmations and directly for fallback responses.
func (d *Dispatcher) confirm(msg Message) {
	if msg.ProvisionalID == "" {
		return
	}
	d.mu.Lock()
	p, ok := d.pending[msg.ProvisionalID]
	if ok {
		p.timer.Stop()
		delete(d.pending, msg.ProvisionalID)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) failSend(key ConversationKey, provisionalID string) {
	d.mu.Lock()
	p, ok := d.pending[provisionalID]
	if ok {
		p.timer.Stop()
		delete(d.pending, provisionalID)
	}
	d.mu.Unlock()
	if !ok {
		return // already confirmed
	}
	// The confirmation may have raced the timer through an event path that
	// bypassed the pending map; never demote a confirmed message.
	if _, msg, found := d.c.store.FindMessage(provisionalID); found && msg.Status == SendConfirmed {
		return
	}
	d.c.store.SetMessageStatus(key, provisionalID, SendFailed)
}

// RetrySend re-transmits a Failed message, reusing its provisional id and the
// attachments already uploaded. The Failed check and the Pending transition
// happen under the dispatcher lock so two racing retries cannot both
// transmit.
func (d *Dispatcher) RetrySend(ctx context.Context, provisionalID string) error {
	d.mu.Lock()
	key, msg, ok := d.c.store.FindMessage(provisionalID)
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("no message with provisional id %q", provisionalID)
	}
	if msg.Status != SendFailed {
		d.mu.Unlock()
		return fmt.Errorf("message %q is %s, not failed", provisionalID, msg.Status)
	}
	d.c.store.SetMessageStatus(key, provisionalID, SendPending)
	d.mu.Unlock()
	out := outboundMessage{
		ProvisionalID: provisionalID,
		ReceiverID:    msg.ReceiverID,
		SubjectID:     msg.SubjectID,
		Body:          msg.Body,
		Attachments:   msg.Attachments,
	}
	return d.transmit(ctx, key, provisionalID, out)
}

// DiscardFailed removes a Failed message from the local view.
func (d *Dispatcher) DiscardFailed(provisionalID string) error {
	key, msg, ok := d.c.store.FindMessage(provisionalID)
	if !ok {
		return fmt.Errorf("no message with provisional id %q", provisionalID)
	}
	if msg.Status != SendFailed {
		return fmt.Errorf("message %q is %s, not failed", provisionalID, msg.Status)
	}
	d.c.store.RemoveMessage(key, msg.ID)
	return nil
}

// ============================================================================
// Delete
// ============================================================================

// Delete removes a message optimistically and asks the authority to delete
// it. A rejected delete restores the message with its prior content and
// position.
func (d *Dispatcher) Delete(ctx context.Context, key ConversationKey, messageID string) error {
	removed, idx, ok := d.c.store.RemoveMessage(key, messageID)
	if !ok {
		return fmt.Errorf("no message %q in %s", messageID, key)
	}

	var err error
	if d.c.transport.Connected() {
		err = d.c.transport.Emit(cmdDeleteMessage, map[string]string{
			"messageId": messageID, "subjectId": key.SubjectID,
		})
	} else {
		err = d.c.deleteMessageREST(ctx, messageID, key.SubjectID)
	}
	if err != nil {
		d.c.store.ReinsertMessage(key, removed, idx)
		return err
	}
	// The deletion event will echo back through the room.
	d.c.router.markSeen(EventMessageDeleted, messageID)
	return nil
}

// ============================================================================
// Read acknowledgments
// ============================================================================

// MarkRead marks one message read locally and acknowledges it to the
// authority. Already-read messages and acks already in flight produce no
// second emission.
func (d *Dispatcher) MarkRead(ctx context.Context, key ConversationKey, messageID string) error {
	d.mu.Lock()
	if _, busy := d.readsInFlight[messageID]; busy {
		d.mu.Unlock()
		return nil
	}
	d.readsInFlight[messageID] = struct{}{}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.readsInFlight, messageID)
		d.mu.Unlock()
	}()

	if !d.c.store.MarkMessageRead(key, messageID) {
		return nil
	}
	return d.emitReadAck(ctx, key, messageID)
}

func (d *Dispatcher) emitReadAck(ctx context.Context, key ConversationKey, messageID string) error {
	if d.c.transport.Connected() {
		return d.c.transport.Emit(cmdMarkRead, map[string]string{
			"messageId": messageID, "subjectId": key.SubjectID,
		})
	}
	return d.c.markReadREST(ctx, messageID, key.SubjectID)
}

// ============================================================================
// Conversation selection
// ============================================================================

// OpenConversation selects a conversation: it becomes the active key, its
// room is joined, every cached inbound message is batch-marked read, and the
// newest history page is loaded. Selection and read-marking always succeed
// locally; a failed page load leaves the cached view serving.
func (d *Dispatcher) OpenConversation(ctx context.Context, key ConversationKey) error {
	d.c.store.SetActive(key)

	d.mu.Lock()
	d.openSeq++
	seq := d.openSeq
	d.rooms[key] = struct{}{}
	d.mu.Unlock()

	if d.c.transport.Connected() {
		if err := d.c.transport.Emit(cmdJoinRoom, roomPayload(key)); err != nil {
			d.c.log.Warn().Err(err).Str("key", key.String()).Msg("room join failed")
		}
	}

	for _, id := range d.c.store.MarkConversationRead(key) {
		if err := d.emitReadAck(ctx, key, id); err != nil {
			d.c.log.Warn().Err(err).Str("messageId", id).Msg("read ack failed")
		}
	}

	msgs, cursor, err := d.c.FetchMessages(ctx, key, "", d.c.pageSize)
	if err != nil {
		d.c.log.Warn().Err(err).Str("key", key.String()).Msg("page load failed, serving cache")
		return nil
	}
	if d.stale(seq) {
		return nil
	}
	d.c.store.PrependMessages(key, msgs)
	d.c.store.SetCursor(key, cursor)
	return nil
}

// CloseConversation clears the selection and leaves the room.
func (d *Dispatcher) CloseConversation(key ConversationKey) {
	if active, ok := d.c.store.ActiveKey(); ok && active == key {
		d.c.store.ClearActive()
	}

	d.mu.Lock()
	d.openSeq++
	delete(d.rooms, key)
	d.mu.Unlock()

	if d.c.transport.Connected() {
		if err := d.c.transport.Emit(cmdLeaveRoom, roomPayload(key)); err != nil {
			d.c.log.Debug().Err(err).Str("key", key.String()).Msg("room leave failed")
		}
	}
}

// LoadOlderMessages continues the conversation's history chain from the
// stored cursor. An exhausted chain is not an error.
func (d *Dispatcher) LoadOlderMessages(ctx context.Context, key ConversationKey) error {
	cursor := d.c.store.Cursor(key)
	if cursor == "" && len(d.c.store.GetMessages(key)) > 0 {
		return nil // history exhausted
	}

	d.mu.Lock()
	seq := d.openSeq
	d.mu.Unlock()

	msgs, next, err := d.c.FetchMessages(ctx, key, cursor, d.c.pageSize)
	if err != nil {
		return err
	}
	if d.stale(seq) {
		return nil
	}
	d.c.store.PrependMessages(key, msgs)
	d.c.store.SetCursor(key, next)
	return nil
}

func (d *Dispatcher) stale(seq uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return seq != d.openSeq
}

// ============================================================================
// Connection lifecycle
// ============================================================================

// handleConnected runs after every successful connect. It replays the joined
// rooms (the authority does not remember them across connections) and
// requests fresh state to close the gap the stream missed: a conversation
// snapshot, plus the newest page of the active conversation. Responses
// arrive as conversation.snapshot and message.page events.
func (d *Dispatcher) handleConnected() {
	d.mu.Lock()
	keys := make([]ConversationKey, 0, len(d.rooms))
	for k := range d.rooms {
		keys = append(keys, k)
	}
	d.mu.Unlock()

	for _, k := range keys {
		if err := d.c.transport.Emit(cmdJoinRoom, roomPayload(k)); err != nil {
			d.c.log.Warn().Err(err).Str("key", k.String()).Msg("room replay failed")
		}
	}

	if err := d.c.transport.Emit(cmdGetConversations, map[string]any{}); err != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
			defer cancel()
			if _, err := d.c.RefreshConversations(ctx); err != nil {
				d.c.log.Warn().Err(err).Msg("conversation refresh failed")
			}
		}()
	}

	if key, ok := d.c.store.ActiveKey(); ok {
		err := d.c.transport.Emit(cmdGetMessages, map[string]any{
			"counterpartyId": key.CounterpartyID,
			"subjectId":      key.SubjectID,
			"limit":          d.c.pageSize,
		})
		if err != nil {
			d.c.log.Warn().Err(err).Str("key", key.String()).Msg("gap refresh failed")
		}
	}
}

func roomPayload(key ConversationKey) map[string]string {
	return map[string]string{
		"counterpartyId": key.CounterpartyID,
		"subjectId":      key.SubjectID,
	}
}
