// Package memstore is an in-process Store. Writes notify every subscription
// whose path covers the written path, synchronously and outside the lock.
// It backs the terminal client's offline mode and the package tests.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ewhamarket/chatclient/internal/store"
)

type node struct {
	value    json.RawMessage
	children map[string]*node
	order    []string // child keys in insertion order
}

type subscription struct {
	s       *Store
	id      uint64
	path    string
	onValue func(store.Snapshot)
	onError func(error)
	active  bool
}

// Store is a tree of JSON values held in memory.
type Store struct {
	mu     sync.Mutex
	root   *node
	subs   map[uint64]*subscription
	nextID uint64
	seq    uint64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		root: &node{},
		subs: make(map[uint64]*subscription),
	}
}

// Subscribe implements store.Store. The initial snapshot is delivered before
// Subscribe returns.
func (s *Store) Subscribe(_ context.Context, path string, onValue func(store.Snapshot), onError func(error)) (store.Subscription, error) {
	path = clean(path)
	if path == "" {
		return nil, fmt.Errorf("memstore: subscribe: empty path")
	}

	s.mu.Lock()
	s.nextID++
	sub := &subscription{s: s, id: s.nextID, path: path, onValue: onValue, onError: onError, active: true}
	s.subs[sub.id] = sub
	snap := s.snapshotLocked(path)
	s.mu.Unlock()

	onValue(snap)
	return sub, nil
}

func (sub *subscription) Unsubscribe() {
	sub.s.mu.Lock()
	sub.active = false
	delete(sub.s.subs, sub.id)
	sub.s.mu.Unlock()
}

// Set writes a JSON-encodable value at path, replacing whatever was there.
// A nil value deletes the node.
func (s *Store) Set(path string, v interface{}) error {
	path = clean(path)
	if v == nil {
		s.Delete(path)
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("memstore: set %s: %w", path, err)
	}

	s.mu.Lock()
	n := s.ensureLocked(path)
	n.children = nil
	n.order = nil
	n.value = raw
	pending := s.collectLocked(path)
	s.mu.Unlock()

	deliver(pending)
	return nil
}

// Push appends v as a new child of path under a generated, monotonically
// increasing key and returns that key.
func (s *Store) Push(path string, v interface{}) (string, error) {
	s.mu.Lock()
	s.seq++
	key := fmt.Sprintf("m%012d", s.seq)
	s.mu.Unlock()

	if err := s.Set(store.Join(clean(path), key), v); err != nil {
		return "", err
	}
	return key, nil
}

// Delete removes the node at path and everything below it.
func (s *Store) Delete(path string) {
	path = clean(path)
	segs := strings.Split(path, "/")

	s.mu.Lock()
	parent := s.root
	for _, seg := range segs[:len(segs)-1] {
		if parent = parent.children[seg]; parent == nil {
			s.mu.Unlock()
			return
		}
	}
	last := segs[len(segs)-1]
	if _, ok := parent.children[last]; !ok {
		s.mu.Unlock()
		return
	}
	delete(parent.children, last)
	for i, k := range parent.order {
		if k == last {
			parent.order = append(parent.order[:i], parent.order[i+1:]...)
			break
		}
	}
	pending := s.collectLocked(path)
	s.mu.Unlock()

	deliver(pending)
}

// Fail reports err to every subscription on exactly path.
func (s *Store) Fail(path string, err error) {
	path = clean(path)
	s.mu.Lock()
	var targets []*subscription
	for _, sub := range s.subs {
		if sub.path == path {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		if sub.onError != nil {
			sub.onError(err)
		}
	}
}

// Subscribers returns how many live subscriptions watch path.
func (s *Store) Subscribers(path string) int {
	path = clean(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.subs {
		if sub.path == path {
			n++
		}
	}
	return n
}

// Total returns the number of live subscriptions.
func (s *Store) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

type delivery struct {
	sub  *subscription
	snap store.Snapshot
}

func deliver(pending []delivery) {
	for _, d := range pending {
		d.sub.s.mu.Lock()
		active := d.sub.active
		d.sub.s.mu.Unlock()
		if active {
			d.sub.onValue(d.snap)
		}
	}
}

// collectLocked snapshots every subscription affected by a write at path:
// ancestors of the write, the path itself and anything below it.
func (s *Store) collectLocked(path string) []delivery {
	ids := make([]uint64, 0, len(s.subs))
	for id, sub := range s.subs {
		if store.IsUnder(path, sub.path) || store.IsUnder(sub.path, path) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	pending := make([]delivery, 0, len(ids))
	for _, id := range ids {
		sub := s.subs[id]
		pending = append(pending, delivery{sub: sub, snap: s.snapshotLocked(sub.path)})
	}
	return pending
}

func (s *Store) snapshotLocked(path string) store.Snapshot {
	snap := store.Snapshot{Path: path}
	n := s.lookupLocked(path)
	if n == nil {
		return snap
	}
	if n.value != nil {
		snap.Value = append(json.RawMessage(nil), n.value...)
		return snap
	}
	for _, k := range n.order {
		raw, err := json.Marshal(export(n.children[k]))
		if err != nil {
			continue
		}
		snap.Children = append(snap.Children, store.Child{Key: k, Value: raw})
	}
	return snap
}

func (s *Store) lookupLocked(path string) *node {
	n := s.root
	for _, seg := range strings.Split(path, "/") {
		if n = n.children[seg]; n == nil {
			return nil
		}
	}
	return n
}

func (s *Store) ensureLocked(path string) *node {
	n := s.root
	for _, seg := range strings.Split(path, "/") {
		if n.value != nil {
			n.value = nil
		}
		if n.children == nil {
			n.children = make(map[string]*node)
		}
		child, ok := n.children[seg]
		if !ok {
			child = &node{}
			n.children[seg] = child
			n.order = append(n.order, seg)
		}
		n = child
	}
	return n
}

// export converts a subtree into a JSON-encodable value.
func export(n *node) interface{} {
	if n.value != nil {
		return n.value
	}
	out := make(map[string]interface{}, len(n.children))
	for k, c := range n.children {
		out[k] = export(c)
	}
	return out
}

func clean(path string) string {
	return strings.Trim(path, "/")
}
