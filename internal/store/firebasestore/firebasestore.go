// Package firebasestore serves store subscriptions from the Firebase
// Realtime Database through the Admin SDK. The SDK has no streaming
// listener, so each subscription polls its reference with ETag
// revalidation and only delivers when the node actually changed.
package firebasestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"

	"github.com/ewhamarket/chatclient/internal/store"
)

// DefaultPollInterval is used when Options leaves PollInterval unset.
const DefaultPollInterval = time.Second

const requestTimeout = 10 * time.Second

// Options configures the database connection.
type Options struct {
	DatabaseURL     string
	CredentialsFile string
	CredentialsJSON []byte
	PollInterval    time.Duration
	Clock           clock.Clock
}

// ref is the slice of *db.Ref the store polls through.
type ref interface {
	GetWithETag(ctx context.Context, v interface{}) (string, error)
	GetIfChanged(ctx context.Context, etag string, v interface{}) (bool, string, error)
}

// Store polls Realtime Database references.
type Store struct {
	client   *db.Client
	refFor   func(path string) ref
	clock    clock.Clock
	interval time.Duration
}

// New initialises the Firebase app and its database client. Without
// explicit credentials the SDK falls back to application default
// credentials.
func New(ctx context.Context, opts Options) (*Store, error) {
	var clientOpts []option.ClientOption
	switch {
	case len(opts.CredentialsJSON) > 0:
		clientOpts = append(clientOpts, option.WithCredentialsJSON(opts.CredentialsJSON))
	case opts.CredentialsFile != "":
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{DatabaseURL: opts.DatabaseURL}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("firebasestore: init app: %w", err)
	}
	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebasestore: database client: %w", err)
	}

	s := newStore(func(path string) ref { return client.NewRef(path) }, opts.Clock, opts.PollInterval)
	s.client = client
	return s, nil
}

func newStore(refFor func(string) ref, clk clock.Clock, interval time.Duration) *Store {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Store{refFor: refFor, clock: clk, interval: interval}
}

// The chat client only reads. Set, Push and Delete seed fixtures and local
// demos; in production the marketplace backend writes the database.

// Set writes v at path.
func (s *Store) Set(ctx context.Context, path string, v interface{}) error {
	if err := s.client.NewRef(path).Set(ctx, v); err != nil {
		return fmt.Errorf("firebasestore: set %s: %w", path, err)
	}
	return nil
}

// Push adds v under a new push id of path and returns the id.
func (s *Store) Push(ctx context.Context, path string, v interface{}) (string, error) {
	r, err := s.client.NewRef(path).Push(ctx, v)
	if err != nil {
		return "", fmt.Errorf("firebasestore: push %s: %w", path, err)
	}
	return r.Key, nil
}

// Delete removes the node at path.
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := s.client.NewRef(path).Delete(ctx); err != nil {
		return fmt.Errorf("firebasestore: delete %s: %w", path, err)
	}
	return nil
}

type subscription struct {
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func (sub *subscription) Unsubscribe() {
	sub.once.Do(func() {
		close(sub.quit)
		<-sub.done
	})
}

// Subscribe implements store.Store.
func (s *Store) Subscribe(_ context.Context, path string, onValue func(store.Snapshot), onError func(error)) (store.Subscription, error) {
	sub := &subscription{quit: make(chan struct{}), done: make(chan struct{})}
	p := &poller{
		ref:     s.refFor(path),
		path:    path,
		onValue: onValue,
		onError: onError,
		quit:    sub.quit,
	}
	ticker := s.clock.Ticker(s.interval)
	go func() {
		defer close(sub.done)
		defer ticker.Stop()
		p.poll()
		for {
			select {
			case <-sub.quit:
				return
			case <-ticker.C:
				p.poll()
			}
		}
	}()
	return sub, nil
}

type poller struct {
	ref     ref
	path    string
	etag    string
	onValue func(store.Snapshot)
	onError func(error)
	quit    chan struct{}
}

func (p *poller) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var raw json.RawMessage
	var err error
	changed := true
	etag := p.etag
	if p.etag == "" {
		etag, err = p.ref.GetWithETag(ctx, &raw)
	} else {
		changed, etag, err = p.ref.GetIfChanged(ctx, p.etag, &raw)
	}

	select {
	case <-p.quit:
		return
	default:
	}

	if err != nil {
		log.Debug().Err(err).Str("path", p.path).Msg("[firebasestore] poll failed")
		if p.onError != nil {
			p.onError(fmt.Errorf("firebasestore: read %s: %w", p.path, err))
		}
		return
	}
	if !changed {
		return
	}
	p.etag = etag

	snap := store.Snapshot{Path: p.path}
	if len(raw) > 0 {
		snap, err = store.FromJSON(p.path, raw)
		if err != nil {
			if p.onError != nil {
				p.onError(err)
			}
			return
		}
	}
	// Push ids sort chronologically; the REST payload carries no order.
	snap.SortByKey()
	p.onValue(snap)
}
