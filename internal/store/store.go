// Package store defines the realtime key-value store the chat client
// subscribes to. Backends live in sub-packages; all of them deliver full
// snapshots of a path: the current value first, then a new snapshot after
// every change under that path.
//
// A node is either a leaf holding a JSON value or an object whose children
// are ordered by the arrival key the backend assigned to them:
//
//	conversations/<conversationKey>/<arrivalKey>   message records
//	typing_status/<conversationKey>/<userId>       bool
//	user_status/<userId>/last_active               timestamp
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Root nodes read by the chat client.
const (
	ConversationsRoot = "conversations"
	TypingRoot        = "typing_status"
	UserStatusRoot    = "user_status"
)

// Store is a realtime key-value store that supports live subscriptions.
type Store interface {
	// Subscribe registers onValue for snapshots of path. The current snapshot
	// is delivered as soon as it has been read, then again after each change.
	// onError receives read failures; the subscription stays registered until
	// Unsubscribe is called.
	Subscribe(ctx context.Context, path string, onValue func(Snapshot), onError func(error)) (Subscription, error)
}

// Subscription is a live listener handle.
type Subscription interface {
	// Unsubscribe detaches the listener. After it returns no more callbacks
	// are made. It is safe to call more than once.
	Unsubscribe()
}

// Child is one direct child of an object node.
type Child struct {
	Key   string
	Value json.RawMessage
}

// Snapshot is the state of a node at one point in time.
type Snapshot struct {
	Path     string
	Value    json.RawMessage // leaf value, nil for objects and absent nodes
	Children []Child         // object children in arrival order
}

// Exists reports whether the node holds any data.
func (s Snapshot) Exists() bool {
	return len(s.Children) > 0 || (len(s.Value) > 0 && !isNull(s.Value))
}

// Decode unmarshals a leaf value into v. Absent nodes leave v untouched.
func (s Snapshot) Decode(v interface{}) error {
	if len(s.Value) == 0 || isNull(s.Value) {
		return nil
	}
	if err := json.Unmarshal(s.Value, v); err != nil {
		return fmt.Errorf("store: decode %s: %w", s.Path, err)
	}
	return nil
}

// SortByKey orders children by key. Backends whose native container is
// unordered use it: arrival keys (push ids, stream ids) sort chronologically.
func (s *Snapshot) SortByKey() {
	sort.SliceStable(s.Children, func(i, j int) bool {
		return s.Children[i].Key < s.Children[j].Key
	})
}

// FromJSON builds a snapshot from the JSON document stored at path. Object
// members become children in document order; any other value is a leaf.
func FromJSON(path string, raw []byte) (Snapshot, error) {
	snap := Snapshot{Path: path}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || isNull(trimmed) {
		return snap, nil
	}
	if trimmed[0] != '{' {
		snap.Value = append(json.RawMessage(nil), trimmed...)
		return snap, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if _, err := dec.Token(); err != nil {
		return snap, fmt.Errorf("store: parse %s: %w", path, err)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return snap, fmt.Errorf("store: parse %s: %w", path, err)
		}
		key, _ := tok.(string)
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return snap, fmt.Errorf("store: parse %s/%s: %w", path, key, err)
		}
		if isNull(value) {
			continue
		}
		snap.Children = append(snap.Children, Child{Key: key, Value: value})
	}
	return snap, nil
}

// Join builds a store path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// ConversationPath is the message feed of a conversation.
func ConversationPath(conversationKey string) string {
	return Join(ConversationsRoot, conversationKey)
}

// TypingPath is the typing flag userID publishes in a conversation.
func TypingPath(conversationKey, userID string) string {
	return Join(TypingRoot, conversationKey, userID)
}

// PresencePath is the last-active timestamp of userID.
func PresencePath(userID string) string {
	return Join(UserStatusRoot, userID, "last_active")
}

// IsUnder reports whether changed is path itself or lies beneath it.
func IsUnder(changed, path string) bool {
	return changed == path || strings.HasPrefix(changed, path+"/")
}

// ChildKey returns the direct child segment of path that changed lies in,
// or "" when changed is not strictly below path.
func ChildKey(changed, path string) string {
	if !strings.HasPrefix(changed, path+"/") {
		return ""
	}
	rest := changed[len(path)+1:]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

func isNull(raw []byte) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
