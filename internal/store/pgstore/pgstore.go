// Package pgstore serves store subscriptions from PostgreSQL. Every node is
// a row in store_nodes keyed by its full path; a trigger publishes the path
// of each changed row on the store_nodes channel and subscribers whose
// subtree contains it re-read their node.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/ewhamarket/chatclient/internal/store"
)

// Channel is the LISTEN/NOTIFY channel the schema trigger publishes on.
const Channel = "store_nodes"

const readTimeout = 5 * time.Second

//go:embed migrations/*.sql
var migrations embed.FS

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("pgstore: store closed")

// Store reads nodes from store_nodes and fans out change notifications.
type Store struct {
	db       *sql.DB
	listener *pq.Listener

	mu   sync.Mutex
	subs map[*subscription]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// Open connects to dsn, applies pending migrations and starts listening for
// changes.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: postgres connection failed: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Int("event", int(ev)).Msg("[pgstore] listener event")
		}
	})
	if err := listener.Listen(Channel); err != nil {
		listener.Close()
		db.Close()
		return nil, fmt.Errorf("pgstore: listen %s: %w", Channel, err)
	}

	s := &Store{
		db:       db,
		listener: listener,
		subs:     make(map[*subscription]struct{}),
		done:     make(chan struct{}),
	}
	go s.dispatch()
	return s, nil
}

// Migrate applies the embedded schema migrations. An up-to-date schema is
// not an error.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("pgstore: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("pgstore: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("pgstore: migrate up: %w", err)
	}
	return nil
}

// Close stops the listener and closes the database handle. Live
// subscriptions stop receiving updates.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		subs := make([]*subscription, 0, len(s.subs))
		for sub := range s.subs {
			subs = append(subs, sub)
		}
		s.mu.Unlock()
		for _, sub := range subs {
			sub.Unsubscribe()
		}
		if lerr := s.listener.Close(); lerr != nil {
			err = lerr
		}
		if derr := s.db.Close(); derr != nil && err == nil {
			err = derr
		}
	})
	return err
}

// likePrefix matches every path strictly below path.
func likePrefix(path string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(path) + "/%"
}

// Read returns the current snapshot of path.
func (s *Store) Read(ctx context.Context, path string) (store.Snapshot, error) {
	const query = `
		SELECT path, value, seq FROM store_nodes
		WHERE path = $1 OR path LIKE $2
		ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, path, likePrefix(path))
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("pgstore: read %s: %w", path, err)
	}
	defer rows.Close()

	var entries []store.Entry
	for rows.Next() {
		var (
			p     string
			value []byte
			seq   int64
		)
		if err := rows.Scan(&p, &value, &seq); err != nil {
			return store.Snapshot{}, fmt.Errorf("pgstore: scan %s: %w", path, err)
		}
		entries = append(entries, store.Entry{
			Rel:   strings.TrimPrefix(strings.TrimPrefix(p, path), "/"),
			Value: json.RawMessage(value),
			Order: uint64(seq),
		})
	}
	if err := rows.Err(); err != nil {
		return store.Snapshot{}, fmt.Errorf("pgstore: read %s: %w", path, err)
	}
	return store.Assemble(path, entries)
}

// The chat client only reads. Set, Push and Delete seed fixtures and local
// demos; in production the marketplace backend writes these rows.

// Set stores v as the value at path. An existing row keeps its arrival
// position.
func (s *Store) Set(ctx context.Context, path string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("pgstore: marshal %s: %w", path, err)
	}
	const query = `
		INSERT INTO store_nodes (path, value) VALUES ($1, $2)
		ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	if _, err := s.db.ExecContext(ctx, query, path, raw); err != nil {
		return fmt.Errorf("pgstore: set %s: %w", path, err)
	}
	return nil
}

// Push adds v as a new child of path and returns the child key.
func (s *Store) Push(ctx context.Context, path string, v interface{}) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("pgstore: push key: %w", err)
	}
	key := "-" + id.String()
	return key, s.Set(ctx, store.Join(path, key), v)
}

// Delete removes path and everything below it.
func (s *Store) Delete(ctx context.Context, path string) error {
	const query = `DELETE FROM store_nodes WHERE path = $1 OR path LIKE $2`
	if _, err := s.db.ExecContext(ctx, query, path, likePrefix(path)); err != nil {
		return fmt.Errorf("pgstore: delete %s: %w", path, err)
	}
	return nil
}

type subscription struct {
	s       *Store
	path    string
	onValue func(store.Snapshot)
	onError func(error)

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func (sub *subscription) notify() {
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscription) Unsubscribe() {
	sub.once.Do(func() {
		sub.s.mu.Lock()
		delete(sub.s.subs, sub)
		sub.s.mu.Unlock()
		close(sub.quit)
		<-sub.done
	})
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
		path:    path,
		onValue: onValue,
		onError: onError,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	// Registered before the first read so a change racing it still wakes us.
	sub.notify()
	go sub.run()
	return sub, nil
}

func (sub *subscription) run() {
	defer close(sub.done)
	for {
		select {
		case <-sub.quit:
			return
		case <-sub.wake:
		}

		ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
		snap, err := sub.s.Read(ctx, sub.path)
		cancel()

		select {
		case <-sub.quit:
			return
		default:
		}
		if err != nil {
			if sub.onError != nil {
				sub.onError(err)
			}
			continue
		}
		sub.onValue(snap)
	}
}

// dispatch wakes the subscriptions affected by each notification. A nil
// notification follows a reconnect, after which every subscriber re-reads.
func (s *Store) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			s.wake(n)
		case <-time.After(90 * time.Second):
			go func() {
				if err := s.listener.Ping(); err != nil {
					log.Debug().Err(err).Msg("[pgstore] listener ping failed")
				}
			}()
		}
	}
}

func (s *Store) wake(n *pq.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		if n == nil || store.IsUnder(n.Extra, sub.path) || store.IsUnder(sub.path, n.Extra) {
			sub.notify()
		}
	}
}
