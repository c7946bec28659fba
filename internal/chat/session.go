package chat

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/ewhamarket/chatclient/internal/feed"
	"github.com/ewhamarket/chatclient/internal/identity"
	"github.com/ewhamarket/chatclient/internal/presence"
	"github.com/ewhamarket/chatclient/internal/transaction"
	"github.com/ewhamarket/chatclient/internal/typing"
)

// Session holds the live concerns of one opened conversation. It is built on
// open and torn down on close.
type Session struct {
	id identity.Identity

	pinger      *presence.Pinger
	observer    *presence.Observer
	indicator   *typing.Indicator
	coordinator *typing.Coordinator
	feed        *feed.Controller
	panel       *transaction.Panel
}

// Identity returns the resolved conversation identity.
func (s *Session) Identity() identity.Identity {
	return s.id
}

// Transaction returns the last rendered deal view.
func (s *Session) Transaction() transaction.View {
	return s.panel.View()
}

// start brings up every concern. Failures of one concern are logged and
// rendered by that concern; the others still start.
func (s *Session) start(ctx context.Context) {
	s.pinger.Start(s.id.CurrentUserID)

	if err := s.observer.Start(ctx, s.id.ReceiverID); err != nil {
		log.Warn().Err(err).Msg("[chat] presence observer not started")
	}
	if err := s.indicator.Start(ctx, s.id.ConversationKey, s.id.ReceiverID); err != nil {
		log.Warn().Err(err).Msg("[chat] typing indicator not started")
	}
	if err := s.feed.Subscribe(ctx, s.id.ConversationKey); err != nil {
		log.Error().Err(err).Msg("[chat] message feed not started")
	}
	if err := s.panel.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("[chat] transaction status unavailable")
	}
}

// stop runs the close sequence: typing indicator, final typing signal,
// presence observer, message feed, composer. The pinger stops last.
func (s *Session) stop() {
	s.indicator.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	s.coordinator.Stop(ctx)
	cancel()

	s.observer.Stop()
	s.feed.Unsubscribe()
	s.feed.Reset()
	s.pinger.Stop()
}
