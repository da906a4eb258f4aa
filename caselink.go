// Package caselink is the Go client SDK for the Caselink conversation
// service. It keeps a local view of multi-party, multi-channel conversations
// (keyed by counterparty and shared subject) consistent with the remote
// authority over two transports: a persistent bidirectional stream and a
// stateless request/response fallback.
//
// Example:
//
//	client := caselink.NewClient("https://caselink.example",
//		caselink.WithToken(token))
//
//	if err := client.Connect(ctx); err != nil { ... }
//	defer client.Disconnect()
//
//	client.OpenConversation(ctx, caselink.ConversationKey{
//		CounterpartyID: "user-7", SubjectID: "case-42",
//	})
//	client.Send(ctx, caselink.SendOptions{
//		ReceiverID: "user-7", SubjectID: "case-42", Body: "hello",
//	})
package caselink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout bounds individual fallback requests.
	DefaultTimeout = 30 * time.Second
	// DefaultPageSize is the message-page size requested from the authority.
	DefaultPageSize = 50
)

// ============================================================================
// Client
// ============================================================================

// Client is the top-level SDK handle. It owns the transport, the store, the
// tracker, the router, and the dispatcher; create one per identity.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	tokenSource TokenSource
	log         zerolog.Logger

	pageSize          int
	typingDebounce    time.Duration
	typingExpiry      time.Duration
	sendTimeout       time.Duration
	reconnectAttempts int
	resetOnDisconnect bool
	onSendFailure     func(error)

	store      *Store
	tracker    *Tracker
	router     *Router
	transport  *Transport
	dispatcher *Dispatcher
	notifier   *typingNotifier
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets a static auth token.
func WithToken(token string) Option {
	return func(c *Client) { c.tokenSource = func() (string, error) { return token, nil } }
}

// WithTokenSource sets a dynamic auth-token supplier, consulted on every
// connection attempt and fallback request.
func WithTokenSource(src TokenSource) Option {
	return func(c *Client) { c.tokenSource = src }
}

// WithHTTPClient replaces the fallback HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the fallback request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithLogger injects a structured logger; the default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithPageSize sets the message-page size.
func WithPageSize(n int) Option {
	return func(c *Client) { c.pageSize = n }
}

// WithTypingDebounce sets the outbound typing debounce window.
func WithTypingDebounce(d time.Duration) Option {
	return func(c *Client) { c.typingDebounce = d }
}

// WithTypingExpiry sets the typing-indicator expiry window.
func WithTypingExpiry(d time.Duration) Option {
	return func(c *Client) { c.typingExpiry = d }
}

// WithSendTimeout bounds the wait for a send confirmation.
func WithSendTimeout(d time.Duration) Option {
	return func(c *Client) { c.sendTimeout = d }
}

// WithSendFailureHandler registers a callback for asynchronous send failures
// (confirmation timeouts surface here as *SendTimeoutError).
func WithSendFailureHandler(fn func(error)) Option {
	return func(c *Client) { c.onSendFailure = fn }
}

// WithReconnectAttempts bounds automatic reconnection.
func WithReconnectAttempts(n int) Option {
	return func(c *Client) { c.reconnectAttempts = n }
}

// WithResetOnDisconnect drops the cached state when the stream is lost.
// The default keeps serving stale cached data while reconnecting.
func WithResetOnDisconnect() Option {
	return func(c *Client) { c.resetOnDisconnect = true }
}

// NewClient creates a Client for the given service endpoint.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        zerolog.Nop(),
		pageSize:   DefaultPageSize,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.store = NewStore(c.log)
	c.tracker = NewTracker(c.typingExpiry)
	c.router = NewRouter(c.store, c.tracker, c.log)
	c.transport = NewTransport(TransportConfig{
		URL:                  c.baseURL + "/stream",
		TokenSource:          c.tokenSource,
		AutoReconnect:        true,
		MaxReconnectAttempts: c.reconnectAttempts,
		Logger:               c.log,
	})
	c.router.Bind(c.transport)
	c.notifier = newTypingNotifier(c.typingDebounce, c.typingExpiry, c.emitTyping)
	c.dispatcher = newDispatcher(c)

	c.transport.OnConnected(c.dispatcher.handleConnected)
	c.transport.OnDisconnected(func(code int, reason string) {
		c.notifier.StopAll()
		c.tracker.Clear()
		if c.resetOnDisconnect {
			c.store.Reset()
		}
	})
	return c
}

// Connect establishes the stream connection and resolves identity. Cached
// reads keep working whether or not the stream is up.
func (c *Client) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx)
}

// Disconnect tears the stream down intentionally.
func (c *Client) Disconnect() error {
	c.notifier.StopAll()
	return c.transport.Disconnect()
}

// Connected reports stream availability; false means degraded mode, where
// reads serve cached data and writes go through the fallback.
func (c *Client) Connected() bool { return c.transport.Connected() }

// Self returns the server-acknowledged local user id.
func (c *Client) Self() string { return c.store.Self() }

// Store exposes the read model.
func (c *Client) Store() *Store { return c.store }

// Presence exposes the presence and typing tracker.
func (c *Client) Presence() *Tracker { return c.tracker }

// Transport exposes the stream transport for meta-event subscriptions.
func (c *Client) Transport() *Transport { return c.transport }

// ── Dispatcher delegates ─────────────────────────────────

// Send dispatches an outbound message; see Dispatcher.Send.
func (c *Client) Send(ctx context.Context, opts SendOptions) (string, error) {
	return c.dispatcher.Send(ctx, opts)
}

// RetrySend re-transmits a Failed message.
func (c *Client) RetrySend(ctx context.Context, provisionalID string) error {
	return c.dispatcher.RetrySend(ctx, provisionalID)
}

// DiscardFailed removes a Failed message from the local view.
func (c *Client) DiscardFailed(provisionalID string) error {
	return c.dispatcher.DiscardFailed(provisionalID)
}

// Delete removes a message optimistically and confirms with the authority.
func (c *Client) Delete(ctx context.Context, key ConversationKey, messageID string) error {
	return c.dispatcher.Delete(ctx, key, messageID)
}

// MarkRead acknowledges a single message as read.
func (c *Client) MarkRead(ctx context.Context, key ConversationKey, messageID string) error {
	return c.dispatcher.MarkRead(ctx, key, messageID)
}

// OpenConversation selects a conversation: joins its room, batch-marks it
// read, and loads its first message page.
func (c *Client) OpenConversation(ctx context.Context, key ConversationKey) error {
	return c.dispatcher.OpenConversation(ctx, key)
}

// CloseConversation clears the selection and leaves the room.
func (c *Client) CloseConversation(key ConversationKey) {
	c.dispatcher.CloseConversation(key)
}

// LoadOlderMessages continues a conversation's history chain.
func (c *Client) LoadOlderMessages(ctx context.Context, key ConversationKey) error {
	return c.dispatcher.LoadOlderMessages(ctx, key)
}

// Typing records local typing activity for a conversation; emissions are
// debounced and auto-stopped.
func (c *Client) Typing(key ConversationKey) {
	c.notifier.Keystroke(c.store.Self(), key.SubjectID)
}

// StopTyping signals the end of local typing activity immediately.
func (c *Client) StopTyping(key ConversationKey) {
	c.notifier.Stop(c.store.Self(), key.SubjectID)
}

func (c *Client) emitTyping(event, typistID, subjectID string) {
	err := c.transport.Emit(event, map[string]string{
		"typistId": typistID, "subjectId": subjectID,
	})
	if err != nil {
		// Typing indicators are best-effort; silence while disconnected.
		c.log.Debug().Err(err).Msg("typing emit skipped")
	}
}

// ============================================================================
// Fallback (request/response) client
// ============================================================================

// apiResult is the generic fallback response envelope.
type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

func (r *apiResult) err(op string) error {
	if r.Error != nil {
		return r.Error
	}
	return fmt.Errorf("%s failed", op)
}

func (c *Client) do(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.setAuthHeader(req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// doRequest performs a fallback call. Idempotent reads retry transient
// failures with exponential backoff; writes are attempted once and left to
// the dispatcher's own retry discipline.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) (*apiResult, error) {
	var data []byte
	attempt := func() error {
		var err error
		data, err = c.do(ctx, method, path, body, query)
		return err
	}

	var err error
	if method == http.MethodGet {
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
		err = backoff.Retry(attempt, policy)
	} else {
		err = attempt()
	}
	if err != nil {
		return nil, err
	}

	var res apiResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &res, nil
}

// RefreshConversations fetches the conversation list over the fallback and
// merges it into the store.
func (c *Client) RefreshConversations(ctx context.Context) ([]Conversation, error) {
	res, err := c.doRequest(ctx, http.MethodGet, "/api/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, res.err("list conversations")
	}
	convs, err := normalizeConversationList(res.Data)
	if err != nil {
		return nil, err
	}
	c.store.ApplySnapshot(convs)
	return convs, nil
}

// FetchMessages loads one history page over the fallback. An empty cursor
// requests the newest page; the returned cursor continues the chain.
func (c *Client) FetchMessages(ctx context.Context, key ConversationKey, cursor string, limit int) ([]Message, string, error) {
	if limit <= 0 {
		limit = c.pageSize
	}
	path := "/api/messages/" + url.PathEscape(key.CounterpartyID) + "/" + url.PathEscape(key.SubjectID)
	query := map[string]string{"limit": fmt.Sprintf("%d", limit)}
	if cursor != "" {
		query["cursor"] = cursor
	}
	res, err := c.doRequest(ctx, http.MethodGet, path, nil, query)
	if err != nil {
		return nil, "", err
	}
	if !res.OK {
		return nil, "", res.err("list messages")
	}
	page, err := normalizeMessagePage(res.Data)
	if err != nil {
		return nil, "", err
	}
	for i := range page.Messages {
		if page.Messages[i].SubjectID == "" {
			page.Messages[i].SubjectID = key.SubjectID
		}
	}
	return page.Messages, page.NextCursor, nil
}

// outboundMessage is the send payload shared by both transports.
type outboundMessage struct {
	ProvisionalID string       `json:"provisionalId"`
	ReceiverID    string       `json:"receiverId"`
	SubjectID     string       `json:"subjectId"`
	Body          string       `json:"body"`
	Attachments   []Attachment `json:"attachments,omitempty"`
}

func (c *Client) sendMessageREST(ctx context.Context, out outboundMessage) (Message, error) {
	res, err := c.doRequest(ctx, http.MethodPost, "/api/messages", out, nil)
	if err != nil {
		return Message{}, err
	}
	if !res.OK {
		return Message{}, res.err("send message")
	}
	return normalizeMessage(res.Data)
}

func (c *Client) deleteMessageREST(ctx context.Context, messageID, subjectID string) error {
	res, err := c.doRequest(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(messageID), nil,
		map[string]string{"subjectId": subjectID})
	if err != nil {
		return err
	}
	if !res.OK {
		return res.err("delete message")
	}
	return nil
}

func (c *Client) markReadREST(ctx context.Context, messageID, subjectID string) error {
	res, err := c.doRequest(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(messageID)+"/read",
		map[string]string{"subjectId": subjectID}, nil)
	if err != nil {
		return err
	}
	if !res.OK {
		return res.err("mark read")
	}
	return nil
}

// ============================================================================
// Attachment upload
// ============================================================================

// UploadFile is one attachment to upload.
type UploadFile struct {
	FileName string
	MimeType string
	Data     []byte
}

// UploadAttachments transfers files over the fallback endpoint (uploads are
// never streamed) and returns the resulting attachment descriptors. Any
// failure yields an *UploadError.
func (c *Client) UploadAttachments(ctx context.Context, files []UploadFile) ([]Attachment, error) {
	if len(files) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range files {
		if f.FileName == "" {
			return nil, &UploadError{FileName: "", Err: fmt.Errorf("file name is required")}
		}
		mimeType := f.MimeType
		if mimeType == "" {
			mimeType = guessMimeType(f.FileName)
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="files"; filename=%q`, f.FileName))
		h.Set("Content-Type", mimeType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, &UploadError{FileName: f.FileName, Err: err}
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, &UploadError{FileName: f.FileName, Err: err}
		}
	}
	if err := w.Close(); err != nil {
		return nil, &UploadError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/uploads", &buf)
	if err != nil {
		return nil, &UploadError{Err: err}
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if err := c.setAuthHeader(req); err != nil {
		return nil, &UploadError{Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &UploadError{Err: err}
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, &UploadError{Err: fmt.Errorf("upload failed (%d): %s", resp.StatusCode, string(data))}
	}

	var res apiResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, &UploadError{Err: fmt.Errorf("unmarshal response: %w", err)}
	}
	if !res.OK {
		return nil, &UploadError{Err: res.err("upload")}
	}

	var items []map[string]any
	if err := json.Unmarshal(res.Data, &items); err != nil {
		return nil, &UploadError{Err: fmt.Errorf("decode descriptors: %w", err)}
	}
	attachments := make([]Attachment, 0, len(items))
	for _, it := range items {
		attachments = append(attachments, normalizeAttachment(it))
	}
	return attachments, nil
}

func (c *Client) setAuthHeader(req *http.Request) error {
	if c.tokenSource == nil {
		return nil
	}
	token, err := c.tokenSource()
	if err != nil {
		return &AuthError{Reason: fmt.Sprintf("token source: %v", err)}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// guessMimeType returns a MIME type from the file extension.
func guessMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry.
	fallback := map[string]string{
		".md": "text/markdown", ".yaml": "text/yaml", ".yml": "text/yaml",
		".webp": "image/webp", ".webm": "video/webm",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
