// Package redisstore serves store subscriptions from Redis. A path maps to
// one key; changes are observed through keyspace notifications and every
// notification triggers a full re-read of the key.
//
// Key types map onto nodes as follows:
//
//	string  leaf value (JSON); a JSON object becomes children in document order
//	hash    children keyed by field, ordered by field name
//	stream  children keyed by entry id, in arrival order
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/ewhamarket/chatclient/internal/store"
)

// DataField is the stream entry field holding a child's JSON value.
const DataField = "data"

// ErrUnsupportedType is reported for keys of a type the store cannot map.
var ErrUnsupportedType = errors.New("redisstore: unsupported key type")

// Options configures the Redis connection.
type Options struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string

	// EnableKeyspaceEvents turns on keyspace notifications for every key
	// event (CONFIG SET notify-keyspace-events KA). Managed Redis offerings
	// usually require this to be configured out of band instead.
	EnableKeyspaceEvents bool
}

// Store reads and watches paths in Redis.
type Store struct {
	client *redis.Client
	prefix string
	db     int
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redisstore: redis connection failed: %w", err)
	}
	if opts.EnableKeyspaceEvents {
		if err := client.ConfigSet(pingCtx, "notify-keyspace-events", "KA").Err(); err != nil {
			return nil, fmt.Errorf("redisstore: enable keyspace events: %w", err)
		}
	}
	return NewWithClient(client, opts.DB, opts.KeyPrefix), nil
}

// NewWithClient wraps an existing client. db must match the client's
// database so notifications are read from the right channel.
func NewWithClient(client *redis.Client, db int, prefix string) *Store {
	return &Store{client: client, prefix: prefix, db: db}
}

// Client returns the underlying Redis client.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(path string) string {
	return s.prefix + path
}

func (s *Store) channel(path string) string {
	return fmt.Sprintf("__keyspace@%d__:%s", s.db, s.key(path))
}

// Read returns the current snapshot of path.
func (s *Store) Read(ctx context.Context, path string) (store.Snapshot, error) {
	key := s.key(path)
	typ, err := s.client.Type(ctx, key).Result()
	if err != nil {
		return store.Snapshot{}, fmt.Errorf("redisstore: type %s: %w", key, err)
	}

	switch typ {
	case "none":
		return store.Snapshot{Path: path}, nil
	case "string":
		raw, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return store.Snapshot{Path: path}, nil
		}
		if err != nil {
			return store.Snapshot{}, fmt.Errorf("redisstore: get %s: %w", key, err)
		}
		return store.FromJSON(path, raw)
	case "hash":
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return store.Snapshot{}, fmt.Errorf("redisstore: hgetall %s: %w", key, err)
		}
		snap := store.Snapshot{Path: path}
		for field, value := range fields {
			snap.Children = append(snap.Children, store.Child{Key: field, Value: json.RawMessage(value)})
		}
		snap.SortByKey()
		return snap, nil
	case "stream":
		entries, err := s.client.XRange(ctx, key, "-", "+").Result()
		if err != nil {
			return store.Snapshot{}, fmt.Errorf("redisstore: xrange %s: %w", key, err)
		}
		snap := store.Snapshot{Path: path}
		for _, e := range entries {
			value, err := entryValue(e.Values)
			if err != nil {
				log.Debug().Err(err).Str("key", key).Str("entry", e.ID).Msg("[redisstore] skipping entry")
				continue
			}
			snap.Children = append(snap.Children, store.Child{Key: e.ID, Value: value})
		}
		return snap, nil
	default:
		return store.Snapshot{}, fmt.Errorf("%w: %s is a %s", ErrUnsupportedType, key, typ)
	}
}

// entryValue turns stream entry fields into a child value: the data field
// verbatim when present, otherwise the fields as a JSON object.
func entryValue(values map[string]interface{}) (json.RawMessage, error) {
	if data, ok := values[DataField]; ok {
		if s, ok := data.(string); ok {
			return json.RawMessage(s), nil
		}
	}
	return json.Marshal(values)
}

// The chat client only reads. Set, Push and Delete seed fixtures and local
// demos; in production the marketplace backend writes these keys.

// Set stores v as the JSON leaf at path.
func (s *Store) Set(ctx context.Context, path string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redisstore: marshal %s: %w", path, err)
	}
	return s.client.Set(ctx, s.key(path), raw, 0).Err()
}

// Push appends v to the stream at path and returns the entry id.
func (s *Store) Push(ctx context.Context, path string, v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("redisstore: marshal %s: %w", path, err)
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key(path),
		Values: map[string]interface{}{DataField: string(raw)},
	}).Result()
}

// Delete removes the key at path.
func (s *Store) Delete(ctx context.Context, path string) error {
	return s.client.Del(ctx, s.key(path)).Err()
}

type subscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (sub *subscription) Unsubscribe() {
	sub.once.Do(func() {
		sub.cancel()
		_ = sub.pubsub.Close()
		<-sub.done
	})
}

// Subscribe implements store.Store. The keyspace subscription is confirmed
// before the first read so no change between read and subscribe is missed.
func (s *Store) Subscribe(ctx context.Context, path string, onValue func(store.Snapshot), onError func(error)) (store.Subscription, error) {
	pubsub := s.client.Subscribe(ctx, s.channel(path))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redisstore: subscribe %s: %w", path, err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{pubsub: pubsub, cancel: cancel, done: make(chan struct{})}
	go s.watch(watchCtx, path, pubsub.Channel(), sub.done, onValue, onError)
	return sub, nil
}

func (s *Store) watch(ctx context.Context, path string, events <-chan *redis.Message, done chan struct{}, onValue func(store.Snapshot), onError func(error)) {
	defer close(done)

	emit := func() {
		snap, err := s.Read(ctx, path)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onValue(snap)
	}

	emit()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			// Coalesce a burst of events into one read.
			drain(events)
			emit()
		}
	}
}

func drain(events <-chan *redis.Message) {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
