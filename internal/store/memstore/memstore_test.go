package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/ewhamarket/chatclient/internal/store"
)

type recorder struct {
	snaps []store.Snapshot
	errs  []error
}

func (r *recorder) onValue(s store.Snapshot) { r.snaps = append(r.snaps, s) }
func (r *recorder) onError(err error)        { r.errs = append(r.errs, err) }

func (r *recorder) last(t *testing.T) store.Snapshot {
	t.Helper()
	if len(r.snaps) == 0 {
		t.Fatal("no snapshot delivered")
	}
	return r.snaps[len(r.snaps)-1]
}

func TestSubscribe_DeliversInitialSnapshot(t *testing.T) {
	s := New()
	if err := s.Set("typing_status/k/u1", true); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var rec recorder
	sub, err := s.Subscribe(context.Background(), "typing_status/k/u1", rec.onValue, rec.onError)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	var typing bool
	if err := rec.last(t).Decode(&typing); err != nil || !typing {
		t.Fatalf("expected initial true, got %v (err=%v)", typing, err)
	}
}

func TestPush_KeepsArrivalOrder(t *testing.T) {
	s := New()
	var rec recorder
	sub, _ := s.Subscribe(context.Background(), "conversations/k", rec.onValue, rec.onError)
	defer sub.Unsubscribe()

	for _, text := range []string{"one", "two", "three"} {
		if _, err := s.Push("conversations/k", map[string]string{"text": text}); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	if len(rec.snaps) != 4 {
		t.Fatalf("expected 4 snapshots (initial + 3 writes), got %d", len(rec.snaps))
	}
	snap := rec.last(t)
	if len(snap.Children) != 3 {
		t.Fatalf("expected 3 children, got %d", len(snap.Children))
	}
	if snap.Children[0].Key >= snap.Children[2].Key {
		t.Errorf("push keys not increasing: %q then %q", snap.Children[0].Key, snap.Children[2].Key)
	}
}

func TestWriteNotifiesOnlyCoveringPaths(t *testing.T) {
	s := New()
	var conv, other recorder
	a, _ := s.Subscribe(context.Background(), "conversations/a", conv.onValue, nil)
	b, _ := s.Subscribe(context.Background(), "conversations/b", other.onValue, nil)
	defer a.Unsubscribe()
	defer b.Unsubscribe()

	if _, err := s.Push("conversations/a", map[string]string{"text": "hi"}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(conv.snaps) != 2 {
		t.Errorf("expected 2 snapshots on a, got %d", len(conv.snaps))
	}
	if len(other.snaps) != 1 {
		t.Errorf("expected only the initial snapshot on b, got %d", len(other.snaps))
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	s := New()
	var rec recorder
	sub, _ := s.Subscribe(context.Background(), "user_status/u/last_active", rec.onValue, rec.onError)
	sub.Unsubscribe()
	sub.Unsubscribe()

	_ = s.Set("user_status/u/last_active", 1700000000000)
	if len(rec.snaps) != 1 {
		t.Fatalf("expected no delivery after unsubscribe, got %d snapshots", len(rec.snaps))
	}
	if n := s.Subscribers("user_status/u/last_active"); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}
}

func TestDeleteAndFail(t *testing.T) {
	s := New()
	_, _ = s.Push("conversations/k", map[string]string{"text": "bye"})

	var rec recorder
	sub, _ := s.Subscribe(context.Background(), "conversations/k", rec.onValue, rec.onError)
	defer sub.Unsubscribe()

	s.Delete("conversations/k")
	if rec.last(t).Exists() {
		t.Error("expected absent node after delete")
	}

	boom := errors.New("permission denied")
	s.Fail("conversations/k", boom)
	if len(rec.errs) != 1 || !errors.Is(rec.errs[0], boom) {
		t.Fatalf("expected the injected error, got %v", rec.errs)
	}
}
