package feed

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ewhamarket/chatclient/internal/api"
	"github.com/ewhamarket/chatclient/internal/identity"
	"github.com/ewhamarket/chatclient/internal/store"
	"github.com/ewhamarket/chatclient/internal/store/memstore"
)

type fakeDisplay struct {
	mu          sync.Mutex
	rows        []Row
	placeholder bool
	feedErr     string
	scrolls     int
	clears      int
	composer    string
	attachment  string
	alerts      []string
}

func (d *fakeDisplay) ClearFeed() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rows = nil
	d.placeholder = false
	d.feedErr = ""
	d.clears++
}

func (d *fakeDisplay) ShowPlaceholder() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.placeholder = true
}

func (d *fakeDisplay) AppendRow(r Row) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rows = append(d.rows, r)
}

func (d *fakeDisplay) ShowFeedError(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.feedErr = msg
}

func (d *fakeDisplay) ScrollToBottom() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scrolls++
}

func (d *fakeDisplay) SetComposerText(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.composer = text
}

func (d *fakeDisplay) SetAttachment(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attachment = name
}

func (d *fakeDisplay) Alert(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alerts = append(d.alerts, msg)
}

type sent struct {
	item, text, other string
	image             *api.Image
}

type fakeSender struct {
	calls []sent
	err   error
}

func (f *fakeSender) SendMessage(_ context.Context, itemID, text, otherUserID string) error {
	f.calls = append(f.calls, sent{itemID, text, otherUserID, nil})
	return f.err
}

func (f *fakeSender) SendMessageWithImage(_ context.Context, itemID, text, otherUserID string, img api.Image) error {
	f.calls = append(f.calls, sent{itemID, text, otherUserID, &img})
	return f.err
}

var buyer = identity.Identity{
	CurrentUserID:   "u2",
	SellerID:        "u1",
	ItemID:          "cap",
	ReceiverID:      "u1",
	ConversationKey: identity.ConversationKey("u2", "u1", "cap"),
}

func newController(t *testing.T) (*Controller, *memstore.Store, *fakeSender, *fakeDisplay) {
	t.Helper()
	s := memstore.New()
	snd := &fakeSender{}
	d := &fakeDisplay{}
	return NewController(s, snd, d, buyer), s, snd, d
}

func TestSubscribe_EmptyShowsPlaceholder(t *testing.T) {
	c, _, _, d := newController(t)
	require.NoError(t, c.Subscribe(context.Background(), buyer.ConversationKey))
	defer c.Unsubscribe()

	assert.True(t, d.placeholder)
	assert.Empty(t, d.rows)
}

func TestRender_SidesOrderAndFiltering(t *testing.T) {
	c, s, _, d := newController(t)
	require.NoError(t, c.Subscribe(context.Background(), buyer.ConversationKey))
	defer c.Unsubscribe()

	path := store.ConversationPath(buyer.ConversationKey)
	_, _ = s.Push(path, map[string]interface{}{"sender": "u1", "text": "still available?", "timestamp": 1700000000000})
	_, _ = s.Push(path, map[string]interface{}{"sender": "u2", "text": "   "})
	_, _ = s.Push(path, map[string]interface{}{"sender": "u2", "image": "/static/chat_images/a.png"})
	_, _ = s.Push(path, "not a message")

	require.Len(t, d.rows, 2)
	assert.Equal(t, Incoming, d.rows[0].Side)
	assert.Equal(t, "U", d.rows[0].Initial)
	assert.Equal(t, "still available?", d.rows[0].Text)
	assert.False(t, d.rows[0].SentAt.IsZero())
	assert.Equal(t, Outgoing, d.rows[1].Side)
	assert.Empty(t, d.rows[1].Initial)
	assert.Equal(t, "/static/chat_images/a.png", d.rows[1].Image)
	assert.False(t, d.placeholder)
	assert.Positive(t, d.scrolls)
}

func TestSubscribe_ReplacesPrevious(t *testing.T) {
	c, s, _, d := newController(t)
	require.NoError(t, c.Subscribe(context.Background(), "a_b_x"))
	require.NoError(t, c.Subscribe(context.Background(), "a_c_x"))
	defer c.Unsubscribe()

	assert.Equal(t, 0, s.Subscribers(store.ConversationPath("a_b_x")))
	assert.Equal(t, 1, s.Subscribers(store.ConversationPath("a_c_x")))

	_, _ = s.Push(store.ConversationPath("a_b_x"), map[string]string{"sender": "b", "text": "bleed"})
	assert.Empty(t, d.rows)
}

func TestSubscriptionErrorShowsRow(t *testing.T) {
	c, s, _, d := newController(t)
	require.NoError(t, c.Subscribe(context.Background(), buyer.ConversationKey))
	defer c.Unsubscribe()

	s.Fail(store.ConversationPath(buyer.ConversationKey), errors.New("permission denied"))
	assert.Equal(t, LoadErrorText, d.feedErr)
}

func TestSend_EmptyComposerMakesNoCall(t *testing.T) {
	c, _, snd, _ := newController(t)
	c.SetText("   ")
	require.NoError(t, c.Send(context.Background()))
	assert.Empty(t, snd.calls)
}

func TestSend_TextUsesJSONEndpoint(t *testing.T) {
	c, _, snd, d := newController(t)
	c.SetText(" hello ")
	require.NoError(t, c.Send(context.Background()))

	require.Len(t, snd.calls, 1)
	assert.Equal(t, sent{"cap", " hello ", "u1", nil}, snd.calls[0])
	assert.Empty(t, c.Text())
	assert.Empty(t, d.composer)
}

func TestSend_ImageUsesMultipartAndClearsOnSuccess(t *testing.T) {
	c, _, snd, d := newController(t)
	c.Attach(api.Image{Filename: "cap.png", Data: []byte("png")})
	assert.Equal(t, "cap.png", d.attachment)

	require.NoError(t, c.Send(context.Background()))
	require.Len(t, snd.calls, 1)
	require.NotNil(t, snd.calls[0].image)
	assert.Equal(t, "", snd.calls[0].text)

	_, attached := c.Attachment()
	assert.False(t, attached)
	assert.Empty(t, d.attachment)
}

func TestSend_FailureRestoresTextAndKeepsImage(t *testing.T) {
	c, _, snd, d := newController(t)
	snd.err = &api.Error{Status: http.StatusForbidden, Message: "거래가 완료된 상품입니다. 채팅 불가."}

	c.SetText("is it sold?")
	c.Attach(api.Image{Filename: "cap.png", Data: []byte("png")})
	err := c.Send(context.Background())
	require.Error(t, err)

	assert.Equal(t, "is it sold?", c.Text())
	assert.Equal(t, "is it sold?", d.composer)
	require.Len(t, d.alerts, 1)
	assert.Contains(t, d.alerts[0], "거래가 완료된 상품입니다")
	img, attached := c.Attachment()
	assert.True(t, attached)
	assert.Equal(t, "cap.png", img.Filename)
	assert.Equal(t, "cap.png", d.attachment)
}

func TestReset(t *testing.T) {
	c, _, _, d := newController(t)
	c.SetText("draft")
	c.Attach(api.Image{Filename: "x.jpg"})
	c.Reset()

	assert.Empty(t, c.Text())
	_, attached := c.Attachment()
	assert.False(t, attached)
	assert.Empty(t, d.attachment)
}

func TestSend_TooLongIsRejectedLocally(t *testing.T) {
	c, _, snd, d := newController(t)
	long := strings.Repeat("가", MaxTextChars+1)
	c.SetText(long)

	err := c.Send(context.Background())
	require.ErrorIs(t, err, ErrInvalidText)
	assert.Empty(t, snd.calls)
	assert.Equal(t, long, c.Text())
	require.Len(t, d.alerts, 1)
}

func TestValidateText(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"empty", "", false},
		{"ascii", "hello", false},
		{"max chars", strings.Repeat("a", MaxTextChars), false},
		{"too many chars", strings.Repeat("a", MaxTextChars+1), true},
		{"too many bytes", strings.Repeat("가", 1400), true},
		{"invalid utf8", "\xff\xfe", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateText(tt.text)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateText() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// gatedSender blocks every send until release is closed.
type gatedSender struct {
	started chan struct{}
	release chan struct{}
	mu      sync.Mutex
	calls   []sent
}

func (g *gatedSender) SendMessage(_ context.Context, itemID, text, otherUserID string) error {
	return g.block(sent{itemID, text, otherUserID, nil})
}

func (g *gatedSender) SendMessageWithImage(_ context.Context, itemID, text, otherUserID string, img api.Image) error {
	return g.block(sent{itemID, text, otherUserID, &img})
}

func (g *gatedSender) block(call sent) error {
	g.mu.Lock()
	g.calls = append(g.calls, call)
	g.mu.Unlock()
	g.started <- struct{}{}
	<-g.release
	return nil
}

func TestSend_OverlappingSendsAreIndependent(t *testing.T) {
	snd := &gatedSender{started: make(chan struct{}, 2), release: make(chan struct{})}
	d := &fakeDisplay{}
	c := NewController(memstore.New(), snd, d, buyer)
	c.SetText("first")
	c.Attach(api.Image{Filename: "cap.png", Data: []byte("png")})

	done := make(chan error, 2)
	go func() { done <- c.Send(context.Background()) }()
	<-snd.started
	assert.Empty(t, c.Text())

	c.SetText("second")
	go func() { done <- c.Send(context.Background()) }()
	<-snd.started

	close(snd.release)
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	snd.mu.Lock()
	defer snd.mu.Unlock()
	require.Len(t, snd.calls, 2)
	assert.Equal(t, "first", snd.calls[0].text)
	require.NotNil(t, snd.calls[0].image)
	assert.Equal(t, "second", snd.calls[1].text)
	assert.Nil(t, snd.calls[1].image)
	assert.Empty(t, c.Text())
	_, attached := c.Attachment()
	assert.False(t, attached)
}
