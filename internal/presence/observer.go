package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/ewhamarket/chatclient/internal/metrics"
	"github.com/ewhamarket/chatclient/internal/store"
)

// RefreshInterval re-evaluates the status between store updates so a silent
// counterpart drops to Offline once the window lapses.
const RefreshInterval = 10 * time.Second

// Display renders the counterpart's status.
type Display interface {
	SetPresence(Status)
}

// Observer follows a counterpart's last-active record.
type Observer struct {
	store   store.Store
	display Display
	clock   clock.Clock

	mu         sync.Mutex
	gen        uint64
	lastActive time.Time
	sub        store.Subscription
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewObserver creates an Observer. A nil clk uses the wall clock.
func NewObserver(s store.Store, d Display, clk clock.Clock) *Observer {
	if clk == nil {
		clk = clock.New()
	}
	return &Observer{store: s, display: d, clock: clk}
}

// Start replaces any previous subscription with one on counterpartID's
// presence record and starts the refresh ticker.
func (o *Observer) Start(ctx context.Context, counterpartID string) error {
	o.Stop()

	o.mu.Lock()
	o.gen++
	gen := o.gen
	o.lastActive = time.Time{}
	o.mu.Unlock()

	sub, err := o.store.Subscribe(ctx, store.PresencePath(counterpartID),
		func(snap store.Snapshot) { o.onSnapshot(gen, snap) },
		func(err error) { o.onError(gen, counterpartID, err) },
	)
	if err != nil {
		o.display.SetPresence(Offline)
		return fmt.Errorf("presence: subscribe %s: %w", counterpartID, err)
	}
	metrics.ActiveSubscriptions.Inc()

	ticker := o.clock.Ticker(RefreshInterval)
	tickCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	o.mu.Lock()
	if o.gen != gen {
		// Stopped while subscribing.
		o.mu.Unlock()
		cancel()
		ticker.Stop()
		sub.Unsubscribe()
		metrics.ActiveSubscriptions.Dec()
		return nil
	}
	o.sub = sub
	o.cancel = cancel
	o.done = done
	o.mu.Unlock()

	go o.refresh(tickCtx, gen, ticker, done)
	return nil
}

// Stop detaches the subscription and stops the refresh ticker. Callbacks
// still in flight for the old subscription are ignored.
func (o *Observer) Stop() {
	o.mu.Lock()
	o.gen++
	sub, cancel, done := o.sub, o.cancel, o.done
	o.sub, o.cancel, o.done = nil, nil, nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if sub != nil {
		sub.Unsubscribe()
		metrics.ActiveSubscriptions.Dec()
	}
}

func (o *Observer) refresh(ctx context.Context, gen uint64, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.render(gen)
		}
	}
}

func (o *Observer) onSnapshot(gen uint64, snap store.Snapshot) {
	metrics.StoreUpdates.WithLabelValues("presence").Inc()

	var last time.Time
	if snap.Exists() {
		t, ok := NormalizeJSON(snap.Value)
		if !ok {
			log.Debug().Str("path", snap.Path).RawJSON("value", snap.Value).Msg("[presence] unparseable last_active")
		}
		last = t
	}

	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	o.lastActive = last
	o.mu.Unlock()

	o.render(gen)
}

func (o *Observer) onError(gen uint64, counterpartID string, err error) {
	log.Warn().Err(err).Str("user", counterpartID).Msg("[presence] status read failed")

	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	o.lastActive = time.Time{}
	o.mu.Unlock()

	o.render(gen)
}

func (o *Observer) render(gen uint64) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	status := Evaluate(o.lastActive, o.clock.Now())
	o.mu.Unlock()

	o.display.SetPresence(status)
}
