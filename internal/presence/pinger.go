package presence

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/ewhamarket/chatclient/internal/metrics"
)

// PingInterval is the cadence of activity beacons.
const PingInterval = 30 * time.Second

const beaconTimeout = 10 * time.Second

// Beaconer records that a user is active.
type Beaconer interface {
	MarkActive(ctx context.Context, userID string) error
}

// Pinger posts an activity beacon immediately and then every PingInterval.
// At most one beacon loop runs per Pinger.
type Pinger struct {
	beaconer Beaconer
	clock    clock.Clock

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPinger creates a Pinger. A nil clk uses the wall clock.
func NewPinger(b Beaconer, clk clock.Clock) *Pinger {
	if clk == nil {
		clk = clock.New()
	}
	return &Pinger{beaconer: b, clock: clk}
}

// Start stops any running loop and begins beaconing for userID.
func (p *Pinger) Start(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	ticker := p.clock.Ticker(PingInterval)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done

	go p.run(ctx, userID, ticker, done)
}

// Stop ends the beacon loop and waits for it to exit.
func (p *Pinger) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// Running reports whether a beacon loop is active.
func (p *Pinger) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Pinger) stopLocked() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
	p.done = nil
}

func (p *Pinger) run(ctx context.Context, userID string, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	p.beacon(ctx, userID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.beacon(ctx, userID)
		}
	}
}

func (p *Pinger) beacon(ctx context.Context, userID string) {
	reqCtx, cancel := context.WithTimeout(ctx, beaconTimeout)
	defer cancel()

	err := p.beaconer.MarkActive(reqCtx, userID)
	metrics.PresenceBeacons.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Str("user", userID).Msg("[presence] beacon failed")
	}
}
