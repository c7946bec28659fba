package chat

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ewhamarket/chatclient/internal/api"
	"github.com/ewhamarket/chatclient/internal/feed"
	"github.com/ewhamarket/chatclient/internal/identity"
	"github.com/ewhamarket/chatclient/internal/presence"
	"github.com/ewhamarket/chatclient/internal/store"
	"github.com/ewhamarket/chatclient/internal/store/memstore"
	"github.com/ewhamarket/chatclient/internal/transaction"
)

const waitFor = time.Second

// recorder logs every call made on the view and the backend, in order.
type recorder struct {
	mu     sync.Mutex
	events []string
	rows   []feed.Row
	txView transaction.View
	status api.ItemStatus
	beacon int
}

func (r *recorder) log(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) has(e string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.events {
		if got == e {
			return true
		}
	}
	return false
}

func (r *recorder) count(e string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.events {
		if got == e {
			n++
		}
	}
	return n
}

func (r *recorder) beacons() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.beacon
}

type fakeView struct{ *recorder }

func (v fakeView) ClearFeed() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rows = nil
}

func (v fakeView) AppendRow(row feed.Row) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rows = append(v.rows, row)
}

func (v fakeView) SetTransaction(tv transaction.View) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.txView = tv
}

func (v fakeView) SetComposerText(text string) {
	if text == "" {
		v.log("composer:clear")
	}
}

func (v fakeView) ShowPlaceholder()            { v.log("placeholder") }
func (v fakeView) ShowFeedError(string)        { v.log("feed-error") }
func (v fakeView) ScrollToBottom()             {}
func (v fakeView) SetAttachment(string)        {}
func (v fakeView) Alert(string)                { v.log("alert") }
func (v fakeView) SetPresence(presence.Status) {}
func (v fakeView) SetTyping(bool)              {}
func (v fakeView) Confirm(string) bool         { return true }
func (v fakeView) Show()                       { v.log("show") }
func (v fakeView) Hide()                       { v.log("hide") }
func (v fakeView) SetHeader(id string)         { v.log("header:" + id) }
func (v fakeView) PromptLogin()                { v.log("login") }
func (v fakeView) NoticeInsufficientData()     { v.log("insufficient") }
func (v fakeView) FocusComposer()              { v.log("focus") }

type fakeBackend struct{ *recorder }

func (b fakeBackend) MarkActive(context.Context, string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.beacon++
	return nil
}

func (b fakeBackend) SetTyping(_ context.Context, _ string, isTyping bool, _ string) error {
	if isTyping {
		b.log("typing:true")
	} else {
		b.log("typing:false")
	}
	return nil
}

func (b fakeBackend) ItemStatus(context.Context, string) (api.ItemStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status, nil
}

func (b fakeBackend) StartTransaction(context.Context, string, string) error { return nil }
func (b fakeBackend) ConfirmTransaction(context.Context, string) error      { return nil }

func (b fakeBackend) SendMessage(context.Context, string, string, string) error {
	b.log("send:text")
	return nil
}

func (b fakeBackend) SendMessageWithImage(context.Context, string, string, string, api.Image) error {
	b.log("send:image")
	return nil
}

// loggingStore records every unsubscribe in the shared event log.
type loggingStore struct {
	*memstore.Store
	rec *recorder
}

func (l loggingStore) Subscribe(ctx context.Context, path string, onValue func(store.Snapshot), onError func(error)) (store.Subscription, error) {
	sub, err := l.Store.Subscribe(ctx, path, onValue, onError)
	if err != nil {
		return nil, err
	}
	return &loggingSub{Subscription: sub, rec: l.rec, path: path}, nil
}

type loggingSub struct {
	store.Subscription
	rec  *recorder
	path string
	once sync.Once
}

func (s *loggingSub) Unsubscribe() {
	s.once.Do(func() { s.rec.log("unsub:" + s.path) })
	s.Subscription.Unsubscribe()
}

type fixture struct {
	modal *Modal
	store *memstore.Store
	rec   *recorder
	clock *clock.Mock
}

func newFixture(page identity.Page, query url.Values) *fixture {
	s := memstore.New()
	rec := &recorder{status: api.ItemStatus{Status: "active", Seller: page.SellerID}}
	mock := clock.NewMock()
	m := NewModal(Config{Store: loggingStore{Store: s, rec: rec}, Backend: fakeBackend{rec}, View: fakeView{rec}, Clock: mock, Page: page, Query: query})
	return &fixture{modal: m, store: s, rec: rec, clock: mock}
}

var buyerPage = identity.Page{CurrentUserID: "u2", SellerID: "u1", ItemID: "cap"}

func TestOpen_StartsEveryConcern(t *testing.T) {
	f := newFixture(buyerPage, nil)
	require.NoError(t, f.modal.Open(context.Background()))
	defer f.modal.Close()

	key := identity.ConversationKey("u1", "u2", "cap")
	assert.Equal(t, 1, f.store.Subscribers(store.ConversationPath(key)))
	assert.Equal(t, 1, f.store.Subscribers(store.TypingPath(key, "u1")))
	assert.Equal(t, 1, f.store.Subscribers(store.PresencePath("u1")))
	assert.True(t, f.rec.has("header:u1"))
	assert.True(t, f.rec.has("focus"))
	assert.True(t, f.rec.has("placeholder"))
	require.Eventually(t, func() bool { return f.rec.beacons() == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, transaction.StatusActive, f.modal.Session().Transaction().Status)
}

func TestOpen_RequiresLogin(t *testing.T) {
	f := newFixture(identity.Page{SellerID: "u1", ItemID: "cap"}, nil)
	err := f.modal.Open(context.Background())
	assert.True(t, errors.Is(err, identity.ErrLoginRequired))
	assert.True(t, f.rec.has("login"))
	assert.False(t, f.rec.has("show"))
	assert.False(t, f.modal.IsOpen())
	assert.Equal(t, 0, f.store.Total())
}

func TestOpen_InsufficientData(t *testing.T) {
	for _, page := range []identity.Page{
		{CurrentUserID: "u2", SellerID: "u1"},
		{CurrentUserID: "u1", SellerID: "u1", ItemID: "cap"}, // seller without ?with=
	} {
		f := newFixture(page, nil)
		require.Error(t, f.modal.Open(context.Background()))
		assert.True(t, f.rec.has("insufficient"))
		assert.False(t, f.modal.IsOpen())
	}
}

func TestClose_TearsEverythingDown(t *testing.T) {
	f := newFixture(buyerPage, nil)
	require.NoError(t, f.modal.Open(context.Background()))
	require.NoError(t, f.modal.Input("hel"))
	require.NoError(t, f.modal.Input("hello"))

	f.modal.Close()

	assert.Equal(t, 0, f.store.Total())
	assert.Equal(t, 1, f.rec.count("typing:true"))
	assert.Equal(t, 1, f.rec.count("typing:false"))
	assert.True(t, f.rec.has("hide"))
	assert.False(t, f.modal.IsOpen())

	// No timers survive the session.
	beacons := f.rec.beacons()
	f.clock.Add(presence.PingInterval)
	f.clock.Add(3 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, beacons, f.rec.beacons())
	assert.Equal(t, 1, f.rec.count("typing:false"))

	assert.True(t, errors.Is(f.modal.Send(context.Background()), ErrClosed))
	assert.True(t, errors.Is(f.modal.Input("x"), ErrClosed))
}

func TestClose_RunsInOrder(t *testing.T) {
	f := newFixture(buyerPage, nil)
	require.NoError(t, f.modal.Open(context.Background()))
	require.NoError(t, f.modal.Input("hello"))
	require.Eventually(t, func() bool { return f.rec.has("typing:true") }, waitFor, time.Millisecond)

	f.rec.mu.Lock()
	before := len(f.rec.events)
	f.rec.mu.Unlock()

	f.modal.Close()

	key := identity.ConversationKey("u1", "u2", "cap")
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	assert.Equal(t, []string{
		"unsub:" + store.TypingPath(key, "u1"),
		"typing:false",
		"unsub:" + store.PresencePath("u1"),
		"unsub:" + store.ConversationPath(key),
		"composer:clear",
		"hide",
	}, f.rec.events[before:])
}

func TestComposerHidden_Sold(t *testing.T) {
	f := newFixture(buyerPage, nil)
	f.rec.status = api.ItemStatus{Status: "sold", BuyerID: "u2", Seller: "u1"}
	require.NoError(t, f.modal.Open(context.Background()))
	defer f.modal.Close()

	require.False(t, f.modal.Session().Transaction().ComposerVisible)
	assert.ErrorIs(t, f.modal.Input("still for sale?"), ErrComposerHidden)
	assert.ErrorIs(t, f.modal.Attach(api.Image{Filename: "a.png"}), ErrComposerHidden)
	assert.ErrorIs(t, f.modal.Send(context.Background()), ErrComposerHidden)
	assert.False(t, f.rec.has("send:text"))
	assert.False(t, f.rec.has("send:image"))
	assert.False(t, f.rec.has("typing:true"))
}

func TestComposerHidden_ReservedForAnotherBuyer(t *testing.T) {
	page := identity.Page{CurrentUserID: "u3", SellerID: "u1", ItemID: "cap"}
	f := newFixture(page, nil)
	f.rec.status = api.ItemStatus{Status: "reserved", BuyerID: "u2", Seller: "u1"}
	require.NoError(t, f.modal.Open(context.Background()))
	defer f.modal.Close()

	assert.ErrorIs(t, f.modal.Input("can I still buy it?"), ErrComposerHidden)
	assert.ErrorIs(t, f.modal.Send(context.Background()), ErrComposerHidden)
	assert.False(t, f.rec.has("send:text"))

	// The reserved buyer keeps talking.
	g := newFixture(buyerPage, nil)
	g.rec.status = api.ItemStatus{Status: "reserved", BuyerID: "u2", Seller: "u1"}
	require.NoError(t, g.modal.Open(context.Background()))
	defer g.modal.Close()
	require.NoError(t, g.modal.Input("see you tomorrow"))
	require.NoError(t, g.modal.Send(context.Background()))
	assert.True(t, g.rec.has("send:text"))
}

func TestReopen_LeavesOneSubscriptionPerConcern(t *testing.T) {
	f := newFixture(buyerPage, nil)
	key := identity.ConversationKey("u1", "u2", "cap")

	require.NoError(t, f.modal.Open(context.Background()))
	f.modal.Close()
	require.NoError(t, f.modal.Open(context.Background()))
	require.NoError(t, f.modal.Open(context.Background()))
	defer f.modal.Close()

	assert.Equal(t, 1, f.store.Subscribers(store.ConversationPath(key)))
	assert.Equal(t, 1, f.store.Subscribers(store.TypingPath(key, "u1")))
	assert.Equal(t, 1, f.store.Subscribers(store.PresencePath("u1")))
	assert.Equal(t, 3, f.store.Total())

	_, err := f.store.Push(store.ConversationPath(key), map[string]string{"sender": "u1", "text": "hi"})
	require.NoError(t, err)
	f.rec.mu.Lock()
	assert.Len(t, f.rec.rows, 1)
	f.rec.mu.Unlock()
}

func TestAutoOpen(t *testing.T) {
	f := newFixture(buyerPage, url.Values{"chat": {"true"}})
	opened, err := f.modal.AutoOpen(context.Background())
	require.NoError(t, err)
	assert.True(t, opened)
	assert.True(t, f.modal.IsOpen())
	f.modal.Close()

	g := newFixture(buyerPage, nil)
	opened, err = g.modal.AutoOpen(context.Background())
	require.NoError(t, err)
	assert.False(t, opened)
	assert.False(t, g.modal.IsOpen())
}

func TestSend_ThroughModal(t *testing.T) {
	f := newFixture(buyerPage, nil)
	require.NoError(t, f.modal.Open(context.Background()))
	defer f.modal.Close()

	require.NoError(t, f.modal.Send(context.Background()))
	assert.False(t, f.rec.has("send:text"), "empty composer must not send")

	require.NoError(t, f.modal.Input("is this still available?"))
	require.NoError(t, f.modal.Send(context.Background()))
	assert.True(t, f.rec.has("send:text"))

	require.NoError(t, f.modal.Attach(api.Image{Filename: "a.png", Data: []byte("x")}))
	require.NoError(t, f.modal.Send(context.Background()))
	assert.True(t, f.rec.has("send:image"))
}

func TestSellerOpensWithCounterpart(t *testing.T) {
	page := identity.Page{CurrentUserID: "u1", SellerID: "u1", ItemID: "cap"}
	f := newFixture(page, url.Values{"with": {"u2"}})
	require.NoError(t, f.modal.Open(context.Background()))
	defer f.modal.Close()

	assert.True(t, f.rec.has("header:u2"))
	assert.Equal(t, transaction.ControlRequestDeal, f.modal.Session().Transaction().Control)
	require.NoError(t, f.modal.RequestDeal(context.Background()))
}
