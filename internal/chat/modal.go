// Package chat implements the chat modal: it resolves who is talking to whom,
// starts every live concern of a conversation when the modal opens and tears
// all of them down when it closes.
package chat

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/ewhamarket/chatclient/internal/api"
	"github.com/ewhamarket/chatclient/internal/feed"
	"github.com/ewhamarket/chatclient/internal/identity"
	"github.com/ewhamarket/chatclient/internal/metrics"
	"github.com/ewhamarket/chatclient/internal/presence"
	"github.com/ewhamarket/chatclient/internal/store"
	"github.com/ewhamarket/chatclient/internal/transaction"
	"github.com/ewhamarket/chatclient/internal/typing"
)

// ErrClosed is returned by composer and deal actions while the modal is
// closed.
var ErrClosed = errors.New("chat: modal is closed")

// ErrComposerHidden is returned by composer actions while the deal state
// closes messaging for the viewer: the item is sold or reserved for someone
// else.
var ErrComposerHidden = errors.New("chat: messaging is closed for this item")

// closeTimeout bounds the final typing signal sent on close.
const closeTimeout = 2 * time.Second

// View is the page the modal draws on.
type View interface {
	feed.Display
	presence.Display
	typing.Display
	transaction.Display

	Show()
	Hide()
	SetHeader(counterpartID string)
	PromptLogin()
	NoticeInsufficientData()
	FocusComposer()
}

// Backend is the chat HTTP API.
type Backend interface {
	presence.Beaconer
	typing.Signaler
	transaction.Backend
	feed.Sender
}

// Config wires a Modal to its collaborators.
type Config struct {
	Store   store.Store
	Backend Backend
	View    View
	Clock   clock.Clock // nil uses the wall clock

	Page  identity.Page
	Query url.Values
}

// Modal is the chat window of one item page. The presence pinger and status
// observer are shared by every session the modal opens, so at most one of
// each runs at a time.
type Modal struct {
	cfg      Config
	pinger   *presence.Pinger
	observer *presence.Observer

	opMu    sync.Mutex // serializes Open and Close
	mu      sync.Mutex
	session *Session
}

// NewModal creates a closed Modal.
func NewModal(cfg Config) *Modal {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Modal{
		cfg:      cfg,
		pinger:   presence.NewPinger(cfg.Backend, cfg.Clock),
		observer: presence.NewObserver(cfg.Store, cfg.View, cfg.Clock),
	}
}

// AutoOpen opens the modal when the page query asks for it. It reports
// whether an open was attempted.
func (m *Modal) AutoOpen(ctx context.Context) (bool, error) {
	if !identity.WantsAutoOpen(m.cfg.Query) {
		return false, nil
	}
	return true, m.Open(ctx)
}

// Open resolves the conversation and starts its live concerns. An already
// open session is closed first. Identity failures are shown on the view and
// returned; the modal then stays closed.
func (m *Modal) Open(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.closeLocked()

	id, err := identity.Resolve(m.cfg.Page, m.cfg.Query)
	if err != nil {
		if errors.Is(err, identity.ErrLoginRequired) {
			m.cfg.View.PromptLogin()
		} else {
			m.cfg.View.NoticeInsufficientData()
		}
		log.Info().Err(err).Str("item", m.cfg.Page.ItemID).Msg("[chat] open refused")
		return err
	}

	v := m.cfg.View
	v.Show()
	v.SetHeader(id.ReceiverID)

	s := &Session{
		id:          id,
		pinger:      m.pinger,
		observer:    m.observer,
		indicator:   typing.NewIndicator(m.cfg.Store, v),
		coordinator: typing.NewCoordinator(m.cfg.Backend, m.cfg.Clock, id.ItemID, id.ReceiverID),
		feed:        feed.NewController(m.cfg.Store, m.cfg.Backend, v, id),
		panel:       transaction.NewPanel(m.cfg.Backend, v, id, m.cfg.Page.LegacySold),
	}
	s.start(ctx)

	m.mu.Lock()
	m.session = s
	m.mu.Unlock()
	metrics.OpenSessions.Inc()

	v.FocusComposer()
	log.Info().
		Str("user", id.CurrentUserID).
		Str("counterpart", id.ReceiverID).
		Str("conversation", id.ConversationKey).
		Msg("[chat] opened")
	return nil
}

// Close tears down the open session, if any, and hides the modal.
func (m *Modal) Close() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.closeLocked()
}

func (m *Modal) closeLocked() {
	m.mu.Lock()
	s := m.session
	m.session = nil
	m.mu.Unlock()
	if s == nil {
		return
	}

	s.stop()
	metrics.OpenSessions.Dec()
	m.cfg.View.Hide()
	log.Info().Str("conversation", s.id.ConversationKey).Msg("[chat] closed")
}

// Session returns the open session, or nil.
func (m *Modal) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// IsOpen reports whether a session is open.
func (m *Modal) IsOpen() bool {
	return m.Session() != nil
}

// composer returns the open session if its composer is shown.
func (m *Modal) composer() (*Session, error) {
	s := m.Session()
	if s == nil {
		return nil, ErrClosed
	}
	if !s.panel.MessagingOpen() {
		return nil, ErrComposerHidden
	}
	return s, nil
}

// Input replaces the composer text and records typing activity.
func (m *Modal) Input(text string) error {
	s, err := m.composer()
	if err != nil {
		return err
	}
	s.feed.SetText(text)
	s.coordinator.Input()
	return nil
}

// Attach sets the image sent with the next message.
func (m *Modal) Attach(img api.Image) error {
	s, err := m.composer()
	if err != nil {
		return err
	}
	s.feed.Attach(img)
	return nil
}

// Detach drops the pending image.
func (m *Modal) Detach() error {
	s := m.Session()
	if s == nil {
		return ErrClosed
	}
	s.feed.Detach()
	return nil
}

// Send posts the composer contents. Nothing is posted while the composer is
// hidden.
func (m *Modal) Send(ctx context.Context) error {
	s, err := m.composer()
	if err != nil {
		return err
	}
	return s.feed.Send(ctx)
}

// RequestDeal reserves the item for the counterpart after the seller
// confirms.
func (m *Modal) RequestDeal(ctx context.Context) error {
	s := m.Session()
	if s == nil {
		return ErrClosed
	}
	return s.panel.RequestDeal(ctx)
}

// ConfirmDeal marks the item sold.
func (m *Modal) ConfirmDeal(ctx context.Context) error {
	s := m.Session()
	if s == nil {
		return ErrClosed
	}
	return s.panel.ConfirmDeal(ctx)
}

// RefreshTransaction re-fetches the deal state.
func (m *Modal) RefreshTransaction(ctx context.Context) error {
	s := m.Session()
	if s == nil {
		return ErrClosed
	}
	return s.panel.Refresh(ctx)
}
