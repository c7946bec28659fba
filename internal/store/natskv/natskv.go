// Package natskv serves store subscriptions from a NATS JetStream key-value
// bucket. A store path becomes a dotted key (conversations/k -> conversations.k)
// and a node's children live under the node's key, so watching "key" and
// "key.>" observes the whole subtree.
package natskv

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/ewhamarket/chatclient/internal/store"
)

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Bucket        string        // key-value bucket name
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns the local development settings.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Bucket:        "marketchat",
		Name:          "chatclient",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Store watches keys in a JetStream key-value bucket.
type Store struct {
	conn *nats.Conn
	kv   nats.KeyValue
}

// Connect dials NATS and opens the bucket, creating it when it does not exist.
func Connect(cfg Config) (*Store, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("[natskv] disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("[natskv] reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Debug().Msg("[natskv] connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("natskv: connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natskv: jetstream: %w", err)
	}

	kv, err := js.KeyValue(cfg.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: cfg.Bucket})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natskv: open bucket %s: %w", cfg.Bucket, err)
	}

	log.Info().Str("url", nc.ConnectedUrl()).Str("bucket", cfg.Bucket).Msg("[natskv] connected")
	return &Store{conn: nc, kv: kv}, nil
}

// Close drains the connection.
func (s *Store) Close() error {
	return s.conn.Drain()
}

// The chat client only reads. Put and Delete seed fixtures and local demos;
// in production the marketplace backend writes the bucket.

// Put stores v as the JSON value at path.
func (s *Store) Put(path string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("natskv: marshal %s: %w", path, err)
	}
	if _, err := s.kv.Put(Key(path), raw); err != nil {
		return fmt.Errorf("natskv: put %s: %w", path, err)
	}
	return nil
}

// Delete removes the value at path. Children are left in place.
func (s *Store) Delete(path string) error {
	if err := s.kv.Delete(Key(path)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("natskv: delete %s: %w", path, err)
	}
	return nil
}

// Key maps a store path to a bucket key.
func Key(path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segs {
		segs[i] = encodeSegment(seg)
	}
	return strings.Join(segs, ".")
}

// encodeSegment passes through segments made of key-safe characters and
// base64-encodes the rest behind an "=" marker.
func encodeSegment(seg string) string {
	if seg != "" && !strings.HasPrefix(seg, "=") && keySafe(seg) {
		return seg
	}
	return "=" + base64.RawURLEncoding.EncodeToString([]byte(seg))
}

func decodeSegment(seg string) string {
	if !strings.HasPrefix(seg, "=") {
		return seg
	}
	raw, err := base64.RawURLEncoding.DecodeString(seg[1:])
	if err != nil {
		return seg
	}
	return string(raw)
}

func keySafe(seg string) bool {
	for _, r := range seg {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// relPath turns a bucket key below key into a store path relative to the
// subscribed node.
func relPath(key, full string) string {
	rel := strings.TrimPrefix(strings.TrimPrefix(full, key), ".")
	if rel == "" {
		return ""
	}
	segs := strings.Split(rel, ".")
	for i, seg := range segs {
		segs[i] = decodeSegment(seg)
	}
	return strings.Join(segs, "/")
}

func snapshot(path string, entries map[string]store.Entry) (store.Snapshot, error) {
	flat := make([]store.Entry, 0, len(entries))
	for _, e := range entries {
		flat = append(flat, e)
	}
	return store.Assemble(path, flat)
}

type subscription struct {
	watchers []nats.KeyWatcher
	quit     chan struct{}
	done     chan struct{}
	once     sync.Once
}

func (sub *subscription) Unsubscribe() {
	sub.once.Do(func() {
		close(sub.quit)
		for _, w := range sub.watchers {
			if err := w.Stop(); err != nil {
				log.Debug().Err(err).Msg("[natskv] stop watcher")
			}
		}
		<-sub.done
	})
}

// Subscribe implements store.Store. The first delivery happens once both
// watchers have replayed their initial values.
func (s *Store) Subscribe(_ context.Context, path string, onValue func(store.Snapshot), onError func(error)) (store.Subscription, error) {
	key := Key(path)
	self, err := s.kv.Watch(key)
	if err != nil {
		return nil, fmt.Errorf("natskv: watch %s: %w", key, err)
	}
	subtree, err := s.kv.Watch(key + ".>")
	if err != nil {
		_ = self.Stop()
		return nil, fmt.Errorf("natskv: watch %s.>: %w", key, err)
	}

	sub := &subscription{
		watchers: []nats.KeyWatcher{self, subtree},
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go sub.run(path, key, self.Updates(), subtree.Updates(), onValue, onError)
	return sub, nil
}

func (sub *subscription) run(path, key string, self, subtree <-chan nats.KeyValueEntry, onValue func(store.Snapshot), onError func(error)) {
	defer close(sub.done)

	entries := make(map[string]store.Entry)
	pending := 2 // watchers still replaying initial values

	apply := func(e nats.KeyValueEntry) {
		rel := relPath(key, e.Key())
		switch e.Operation() {
		case nats.KeyValueDelete, nats.KeyValuePurge:
			delete(entries, rel)
		default:
			entries[rel] = store.Entry{Rel: rel, Value: e.Value(), Order: e.Revision()}
		}
	}

	for self != nil || subtree != nil {
		var e nats.KeyValueEntry
		var ok bool
		select {
		case <-sub.quit:
			return
		case e, ok = <-self:
			if !ok {
				self = nil
				continue
			}
		case e, ok = <-subtree:
			if !ok {
				subtree = nil
				continue
			}
		}

		if e == nil {
			pending--
		} else {
			apply(e)
		}
		if pending > 0 {
			continue
		}

		snap, err := snapshot(path, entries)
		select {
		case <-sub.quit:
			return
		default:
		}
		if err != nil {
			if onError != nil {
				onError(err)
			}
			continue
		}
		onValue(snap)
	}
}
