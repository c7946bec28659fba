// Package api is the HTTP client for the marketplace chat backend. All calls
// ride on the backend's session cookie; failures come back as *Error when the
// backend answered with an {"error": ...} body.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ewhamarket/chatclient/internal/metrics"
)

// DefaultCookieName is the session cookie issued by the backend.
const DefaultCookieName = "session"

// ErrUnauthorized is returned when the backend rejects the session.
var ErrUnauthorized = errors.New("api: unauthorized")

// Error is a non-2xx response from the backend.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Message)
}

// Unwrap maps 401 responses onto ErrUnauthorized.
func (e *Error) Unwrap() error {
	if e.Status == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// Image is a file attached to an outgoing message.
type Image struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is one record of a conversation feed.
type Message struct {
	Sender    string          `json:"sender"`
	Text      string          `json:"text,omitempty"`
	Image     string          `json:"image,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// Renderable reports whether the message has trimmed text or an image.
func (m Message) Renderable() bool {
	return strings.TrimSpace(m.Text) != "" || strings.TrimSpace(m.Image) != ""
}

// ItemStatus is the transaction state of an item as reported by the backend.
type ItemStatus struct {
	Status  string `json:"status"`
	BuyerID string `json:"buyer_id"`
	Seller  string `json:"seller"`
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Session    string        // session cookie value
	CookieName string        // defaults to DefaultCookieName
	Timeout    time.Duration // per request, defaults to 10s
	HTTPClient *http.Client
}

// Client talks to the chat backend.
type Client struct {
	base       *url.URL
	session    string
	cookieName string
	http       *http.Client
}

// NewClient validates opts and returns a Client.
func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("api: parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("api: base url %q must be absolute", opts.BaseURL)
	}

	c := &Client{
		base:       base,
		session:    opts.Session,
		cookieName: opts.CookieName,
		http:       opts.HTTPClient,
	}
	if c.cookieName == "" {
		c.cookieName = DefaultCookieName
	}
	if c.http == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		c.http = &http.Client{Timeout: timeout}
	}
	return c, nil
}

// MarkActive records that userID is active now.
func (c *Client) MarkActive(ctx context.Context, userID string) error {
	body := map[string]string{"user_id": userID}
	return c.postJSON(ctx, "user/active", body, nil)
}

// SendMessage posts a text message about itemID. otherUserID names the buyer
// when the sender is the seller and may be empty otherwise.
func (c *Client) SendMessage(ctx context.Context, itemID, text, otherUserID string) error {
	body := map[string]string{"text": text}
	if otherUserID != "" {
		body["other_user_id"] = otherUserID
	}
	return c.postJSON(ctx, "chat/send/"+url.PathEscape(itemID), body, nil)
}

// SendMessageWithImage posts a multipart message carrying img.
func (c *Client) SendMessageWithImage(ctx context.Context, itemID, text, otherUserID string, img Image) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("text", text); err != nil {
		return fmt.Errorf("api: send image: %w", err)
	}
	if err := w.WriteField("other_user_id", otherUserID); err != nil {
		return fmt.Errorf("api: send image: %w", err)
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, img.Filename))
	ct := img.ContentType
	if ct == "" {
		ct = http.DetectContentType(img.Data)
	}
	h.Set("Content-Type", ct)
	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("api: send image: %w", err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return fmt.Errorf("api: send image: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("api: send image: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "chat/send_with_image/"+url.PathEscape(itemID), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req, nil)
}

// SetTyping publishes the caller's typing flag for the conversation about
// itemID.
func (c *Client) SetTyping(ctx context.Context, itemID string, isTyping bool, otherUserID string) error {
	body := map[string]interface{}{"is_typing": isTyping}
	if otherUserID != "" {
		body["other_user_id"] = otherUserID
	}
	return c.postJSON(ctx, "chat/typing/"+url.PathEscape(itemID), body, nil)
}

// ItemStatus fetches the transaction state of itemID. A missing status field
// is reported as "active", matching the backend's default.
func (c *Client) ItemStatus(ctx context.Context, itemID string) (ItemStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "item/status/"+url.PathEscape(itemID), nil)
	if err != nil {
		return ItemStatus{}, err
	}
	var st ItemStatus
	if err := c.do(req, &st); err != nil {
		return ItemStatus{}, err
	}
	if st.Status == "" {
		st.Status = "active"
	}
	return st, nil
}

// StartTransaction reserves itemID for buyerID. Only the seller may call it.
func (c *Client) StartTransaction(ctx context.Context, itemID, buyerID string) error {
	body := map[string]string{"item_name": itemID, "buyer_id": buyerID}
	return c.postJSON(ctx, "transaction/start", body, nil)
}

// ConfirmTransaction marks itemID sold. Only the reserved buyer may call it.
func (c *Client) ConfirmTransaction(ctx context.Context, itemID string) error {
	body := map[string]string{"item_name": itemID}
	return c.postJSON(ctx, "transaction/confirm", body, nil)
}

// History returns the messages of the caller's conversation with the seller
// of itemID, keyed by arrival key.
func (c *Client) History(ctx context.Context, itemID string) (map[string]Message, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "chat/history/"+url.PathEscape(itemID), nil)
	if err != nil {
		return nil, err
	}
	var msgs map[string]Message
	if err := c.do(req, &msgs); err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = make(map[string]Message)
	}
	return msgs, nil
}

// DeleteConversation removes the conversation from the caller's inbox.
// Messages stay in the store for the other participant.
func (c *Client) DeleteConversation(ctx context.Context, conversationKey string) error {
	return c.postJSON(ctx, "chat/delete/"+url.PathEscape(conversationKey), nil, nil)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: marshal %s: %w", path, err)
		}
		r = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+"/api/"+path, body)
	if err != nil {
		return nil, fmt.Errorf("api: create request %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.session != "" {
		req.AddCookie(&http.Cookie{Name: c.cookieName, Value: c.session})
	}
	return req, nil
}

// operation labels a request by its endpoint, without path parameters.
func operation(req *http.Request) string {
	p := req.URL.EscapedPath()
	if i := strings.Index(p, "/api/"); i >= 0 {
		p = p[i+len("/api/"):]
	}
	parts := strings.SplitN(p, "/", 3)
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return strings.Join(parts, "/")
}

func (c *Client) do(req *http.Request, out interface{}) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.RequestLatency.WithLabelValues(operation(req)).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("api: read response: %w", err)
	}

	var envelope struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &envelope)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := envelope.Error
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return &Error{Status: resp.StatusCode, Message: msg}
	}
	if envelope.Error != "" {
		return &Error{Status: resp.StatusCode, Message: envelope.Error}
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("api: parse response: %w", err)
	}
	return nil
}
