// Package wsstore subscribes to the realtime store through a push gateway
// over one WebSocket connection. Each subscription gets a uuid; the gateway
// answers with "value" frames carrying the full node for that id.
package wsstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ewhamarket/chatclient/internal/protocol"
	"github.com/ewhamarket/chatclient/internal/store"
)

// PingInterval is the keepalive cadence.
const PingInterval = 25 * time.Second

// ErrClosed is reported to subscriptions when the connection goes away.
var ErrClosed = errors.New("wsstore: connection closed")

// GatewayError is an error frame from the gateway.
type GatewayError struct {
	Code    string
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("wsstore: gateway error %s: %s", e.Code, e.Message)
}

type subscription struct {
	s       *Store
	id      string
	path    string
	onValue func(store.Snapshot)
	onError func(error)

	mu     sync.Mutex // held while a callback runs
	active bool
}

// Store is a gateway connection.
type Store struct {
	conn    net.Conn
	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*subscription

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the gateway at url (ws:// or wss://).
func Dial(ctx context.Context, url string) (*Store, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("wsstore: dial %s: %w", url, err)
	}

	s := &Store{
		conn: conn,
		subs: make(map[string]*subscription),
		done: make(chan struct{}),
	}
	go s.readLoop()
	go s.pingLoop()
	return s, nil
}

// Subscribe implements store.Store.
func (s *Store) Subscribe(_ context.Context, path string, onValue func(store.Snapshot), onError func(error)) (store.Subscription, error) {
	select {
	case <-s.done:
		return nil, ErrClosed
	default:
	}

	sub := &subscription{
		s:       s,
		id:      uuid.NewString(),
		path:    path,
		onValue: onValue,
		onError: onError,
		active:  true,
	}
	s.mu.Lock()
	s.subs[sub.id] = sub
	s.mu.Unlock()

	if err := s.send(protocol.TypeSubscribe, protocol.SubscribeMsg{ID: sub.id, Path: path}); err != nil {
		s.mu.Lock()
		delete(s.subs, sub.id)
		s.mu.Unlock()
		return nil, fmt.Errorf("wsstore: subscribe %s: %w", path, err)
	}
	return sub, nil
}

func (sub *subscription) Unsubscribe() {
	sub.mu.Lock()
	wasActive := sub.active
	sub.active = false
	sub.mu.Unlock()
	if !wasActive {
		return
	}

	sub.s.mu.Lock()
	delete(sub.s.subs, sub.id)
	sub.s.mu.Unlock()

	if err := sub.s.send(protocol.TypeUnsubscribe, protocol.UnsubscribeMsg{ID: sub.id}); err != nil {
		log.Debug().Err(err).Str("path", sub.path).Msg("[wsstore] unsubscribe not delivered")
	}
}

func (sub *subscription) deliverValue(snap store.Snapshot) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.active {
		sub.onValue(snap)
	}
}

func (sub *subscription) deliverError(err error) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.active && sub.onError != nil {
		sub.onError(err)
	}
}

// Close drops the connection. Live subscriptions receive ErrClosed.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *Store) send(msgType string, payload interface{}) error {
	data, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wsutil.WriteClientMessage(s.conn, ws.OpText, data)
}

func (s *Store) lookup(id string) *subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[id]
}

func (s *Store) readLoop() {
	defer s.failAll()
	for {
		data, err := wsutil.ReadServerText(s.conn)
		if err != nil {
			select {
			case <-s.done:
			default:
				log.Warn().Err(err).Msg("[wsstore] gateway connection lost")
			}
			return
		}

		msgType, msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			log.Debug().Err(err).Msg("[wsstore] dropping frame")
			continue
		}

		switch msgType {
		case protocol.TypeValue:
			vm := msg.(protocol.ValueMsg)
			sub := s.lookup(vm.ID)
			if sub == nil {
				continue
			}
			snap, err := store.FromJSON(sub.path, vm.Value)
			if err != nil {
				sub.deliverError(err)
				continue
			}
			sub.deliverValue(snap)
		case protocol.TypeError:
			em := msg.(protocol.ErrorMsg)
			gerr := &GatewayError{Code: em.Code, Message: em.Message}
			if sub := s.lookup(em.ID); sub != nil {
				sub.deliverError(gerr)
				continue
			}
			log.Warn().Err(gerr).Msg("[wsstore] gateway error")
		case protocol.TypePong:
		}
	}
}

func (s *Store) pingLoop() {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.send(protocol.TypePing, protocol.PingMsg{}); err != nil {
				log.Debug().Err(err).Msg("[wsstore] ping failed")
			}
		}
	}
}

func (s *Store) failAll() {
	s.Close()

	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliverError(ErrClosed)
	}
}
