package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ewhamarket/chatclient/internal/api"
	"github.com/ewhamarket/chatclient/internal/identity"
	"github.com/ewhamarket/chatclient/internal/metrics"
)

// ErrNotAllowed means the viewer cannot take the requested action in the
// current state.
var ErrNotAllowed = errors.New("transaction: action not available")

// Backend is the part of the chat API the panel uses.
type Backend interface {
	ItemStatus(ctx context.Context, itemID string) (api.ItemStatus, error)
	StartTransaction(ctx context.Context, itemID, buyerID string) error
	ConfirmTransaction(ctx context.Context, itemID string) error
}

// Display renders the panel and asks the user to confirm.
type Display interface {
	SetTransaction(View)
	Confirm(prompt string) bool
	Alert(message string)
}

// Panel keeps the deal controls in step with the backend. It never changes
// the view optimistically: every action is followed by a re-fetch.
type Panel struct {
	backend    Backend
	display    Display
	id         identity.Identity
	legacySold bool

	mu   sync.Mutex
	view View
}

// NewPanel creates a Panel for one opened conversation.
func NewPanel(b Backend, d Display, id identity.Identity, legacySold bool) *Panel {
	return &Panel{backend: b, display: d, id: id, legacySold: legacySold}
}

// View returns the last rendered view.
func (p *Panel) View() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.view
}

// MessagingOpen reports whether the composer is shown. It stays open until a
// status has been rendered.
func (p *Panel) MessagingOpen() bool {
	v := p.View()
	return v.Status == "" || v.ComposerVisible
}

// Refresh fetches the item status and renders it. On failure the last view
// stays in place.
func (p *Panel) Refresh(ctx context.Context) error {
	st, err := p.backend.ItemStatus(ctx, p.id.ItemID)
	if err != nil {
		log.Warn().Err(err).Str("item", p.id.ItemID).Msg("[transaction] status fetch failed")
		return fmt.Errorf("transaction: refresh %s: %w", p.id.ItemID, err)
	}

	state := State{Status: st.Status, BuyerID: st.BuyerID, SellerID: st.Seller}
	if state.SellerID == "" {
		state.SellerID = p.id.SellerID
	}
	view := Derive(state, p.id.CurrentUserID, p.id.ReceiverID, p.legacySold)

	p.mu.Lock()
	p.view = view
	p.mu.Unlock()

	p.display.SetTransaction(view)
	return nil
}

// RequestDeal asks the seller to confirm, then reserves the item for the
// counterpart. Declining the prompt is not an error.
func (p *Panel) RequestDeal(ctx context.Context) error {
	if p.View().Control != ControlRequestDeal {
		return ErrNotAllowed
	}
	if !p.display.Confirm("Start a deal with this buyer? Other buyers will no longer be able to chat about this item.") {
		return nil
	}

	err := p.backend.StartTransaction(ctx, p.id.ItemID, p.id.ReceiverID)
	metrics.TransactionActions.WithLabelValues("request", metrics.Result(err)).Inc()
	if err != nil {
		log.Error().Err(err).Str("item", p.id.ItemID).Str("buyer", p.id.ReceiverID).Msg("[transaction] start failed")
		p.display.Alert("Could not start the deal: " + message(err))
	}
	if rerr := p.Refresh(ctx); rerr != nil && err == nil {
		return rerr
	}
	if err != nil {
		return fmt.Errorf("transaction: start %s: %w", p.id.ItemID, err)
	}
	return nil
}

// ConfirmDeal marks the item sold. Only the reserved buyer sees the control.
func (p *Panel) ConfirmDeal(ctx context.Context) error {
	if p.View().Control != ControlConfirmDeal {
		return ErrNotAllowed
	}

	err := p.backend.ConfirmTransaction(ctx, p.id.ItemID)
	metrics.TransactionActions.WithLabelValues("confirm", metrics.Result(err)).Inc()
	if err != nil {
		log.Error().Err(err).Str("item", p.id.ItemID).Msg("[transaction] confirm failed")
		p.display.Alert("Could not confirm the deal: " + message(err))
	}
	if rerr := p.Refresh(ctx); rerr != nil && err == nil {
		return rerr
	}
	if err != nil {
		return fmt.Errorf("transaction: confirm %s: %w", p.id.ItemID, err)
	}
	return nil
}

// message extracts the backend's error text for alerts.
func message(err error) string {
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return err.Error()
}
