// Package feed renders a conversation's live message feed and owns the
// composer that sends into it. Rows come only from the store subscription;
// sent messages appear once the backend has written them.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/ewhamarket/chatclient/internal/api"
	"github.com/ewhamarket/chatclient/internal/identity"
	"github.com/ewhamarket/chatclient/internal/metrics"
	"github.com/ewhamarket/chatclient/internal/presence"
	"github.com/ewhamarket/chatclient/internal/store"
)

// LoadErrorText is shown in the feed when the subscription fails.
const LoadErrorText = "Could not load messages."

// Side is which side of the feed a row is drawn on.
type Side int

const (
	Incoming Side = iota
	Outgoing
)

// Row is one rendered message.
type Row struct {
	Key     string
	Side    Side
	Sender  string
	Initial string // avatar letter for incoming rows
	Text    string
	Image   string
	SentAt  time.Time // zero when the record has no usable timestamp
}

// Display draws the feed and the composer.
type Display interface {
	ClearFeed()
	ShowPlaceholder()
	AppendRow(Row)
	ShowFeedError(message string)
	ScrollToBottom()
	SetComposerText(text string)
	SetAttachment(name string) // empty name clears the preview
	Alert(message string)
}

// Sender posts messages to the backend.
type Sender interface {
	SendMessage(ctx context.Context, itemID, text, otherUserID string) error
	SendMessageWithImage(ctx context.Context, itemID, text, otherUserID string, img api.Image) error
}

// Controller binds one conversation's feed to the display.
type Controller struct {
	store   store.Store
	sender  Sender
	display Display
	id      identity.Identity

	mu    sync.Mutex
	gen   uint64
	sub   store.Subscription
	text  string
	image *api.Image
}

// NewController creates a Controller for the opened conversation.
func NewController(s store.Store, snd Sender, d Display, id identity.Identity) *Controller {
	return &Controller{store: s, sender: snd, display: d, id: id}
}

// Subscribe replaces any previous feed subscription with one on
// conversationKey and clears the feed.
func (c *Controller) Subscribe(ctx context.Context, conversationKey string) error {
	c.Unsubscribe()

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.display.ClearFeed()

	sub, err := c.store.Subscribe(ctx, store.ConversationPath(conversationKey),
		func(snap store.Snapshot) { c.render(gen, snap) },
		func(err error) { c.onError(gen, conversationKey, err) },
	)
	if err != nil {
		c.display.ShowFeedError(LoadErrorText)
		return fmt.Errorf("feed: subscribe %s: %w", conversationKey, err)
	}
	metrics.ActiveSubscriptions.Inc()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		sub.Unsubscribe()
		metrics.ActiveSubscriptions.Dec()
		return nil
	}
	c.sub = sub
	c.mu.Unlock()
	return nil
}

// Unsubscribe detaches the feed subscription. Late snapshots are dropped.
func (c *Controller) Unsubscribe() {
	c.mu.Lock()
	c.gen++
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
		metrics.ActiveSubscriptions.Dec()
	}
}

func (c *Controller) render(gen uint64, snap store.Snapshot) {
	metrics.StoreUpdates.WithLabelValues("messages").Inc()

	rows := make([]Row, 0, len(snap.Children))
	for _, child := range snap.Children {
		var m api.Message
		if err := json.Unmarshal(child.Value, &m); err != nil {
			log.Debug().Err(err).Str("key", child.Key).Msg("[feed] skipping malformed message")
			continue
		}
		if !m.Renderable() {
			continue
		}
		rows = append(rows, c.row(child.Key, m))
	}

	// Draw under the lock so a concurrent Subscribe cannot interleave its
	// ClearFeed with a stale render.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	c.display.ClearFeed()
	if len(rows) == 0 {
		c.display.ShowPlaceholder()
		return
	}
	for _, r := range rows {
		c.display.AppendRow(r)
	}
	c.display.ScrollToBottom()
}

func (c *Controller) row(key string, m api.Message) Row {
	r := Row{
		Key:    key,
		Side:   Incoming,
		Sender: m.Sender,
		Text:   strings.TrimSpace(m.Text),
		Image:  strings.TrimSpace(m.Image),
	}
	if m.Sender == c.id.CurrentUserID {
		r.Side = Outgoing
	} else {
		r.Initial = initial(m.Sender)
	}
	if len(m.Timestamp) > 0 {
		if t, ok := presence.NormalizeJSON(m.Timestamp); ok {
			r.SentAt = t
		}
	}
	return r
}

func (c *Controller) onError(gen uint64, conversationKey string, err error) {
	log.Error().Err(err).Str("conversation", conversationKey).Msg("[feed] subscription failed")

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	c.display.ShowFeedError(LoadErrorText)
}

func initial(sender string) string {
	r, _ := utf8.DecodeRuneInString(sender)
	if r == utf8.RuneError {
		return "?"
	}
	return string(unicode.ToUpper(r))
}
