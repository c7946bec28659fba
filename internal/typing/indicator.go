package typing

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ewhamarket/chatclient/internal/metrics"
	"github.com/ewhamarket/chatclient/internal/store"
)

// Display shows the counterpart's typing indicator.
type Display interface {
	SetTyping(visible bool)
	ScrollToBottom()
}

// Indicator follows the counterpart's typing record.
type Indicator struct {
	store   store.Store
	display Display

	mu      sync.Mutex
	gen     uint64
	visible bool
	sub     store.Subscription
}

// NewIndicator creates an Indicator.
func NewIndicator(s store.Store, d Display) *Indicator {
	return &Indicator{store: s, display: d}
}

// Start replaces any previous subscription with one on counterpartID's typing
// record in the conversation.
func (in *Indicator) Start(ctx context.Context, conversationKey, counterpartID string) error {
	in.Stop()

	in.mu.Lock()
	in.gen++
	gen := in.gen
	in.mu.Unlock()

	sub, err := in.store.Subscribe(ctx, store.TypingPath(conversationKey, counterpartID),
		func(snap store.Snapshot) { in.onSnapshot(gen, snap) },
		func(err error) {
			log.Warn().Err(err).Str("conversation", conversationKey).Msg("[typing] indicator read failed")
		},
	)
	if err != nil {
		return fmt.Errorf("typing: subscribe %s: %w", conversationKey, err)
	}
	metrics.ActiveSubscriptions.Inc()

	in.mu.Lock()
	if in.gen != gen {
		in.mu.Unlock()
		sub.Unsubscribe()
		metrics.ActiveSubscriptions.Dec()
		return nil
	}
	in.sub = sub
	in.mu.Unlock()
	return nil
}

// Stop detaches the subscription and hides the indicator.
func (in *Indicator) Stop() {
	in.mu.Lock()
	in.gen++
	sub := in.sub
	in.sub = nil
	wasVisible := in.visible
	in.visible = false
	in.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
		metrics.ActiveSubscriptions.Dec()
	}
	if wasVisible {
		in.display.SetTyping(false)
	}
}

func (in *Indicator) onSnapshot(gen uint64, snap store.Snapshot) {
	metrics.StoreUpdates.WithLabelValues("typing").Inc()

	var typing bool
	if err := snap.Decode(&typing); err != nil {
		log.Debug().Err(err).Msg("[typing] non-boolean typing record")
		typing = false
	}

	in.mu.Lock()
	if in.gen != gen || in.visible == typing {
		in.mu.Unlock()
		return
	}
	in.visible = typing
	in.mu.Unlock()

	in.display.SetTyping(typing)
	in.display.ScrollToBottom()
}
