// Package typing publishes the local user's typing flag and shows the
// counterpart's.
package typing

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/ewhamarket/chatclient/internal/metrics"
)

// IdleTimeout is the input silence after which typing is cleared.
const IdleTimeout = 3 * time.Second

const signalTimeout = 5 * time.Second

// Signaler publishes the typing flag for the conversation about itemID.
type Signaler interface {
	SetTyping(ctx context.Context, itemID string, isTyping bool, otherUserID string) error
}

// Coordinator debounces composer input into typing signals. Signals are
// published in order by a single sender goroutine.
type Coordinator struct {
	signaler    Signaler
	clock       clock.Clock
	itemID      string
	otherUserID string

	mu       sync.Mutex
	typing   bool
	timer    *clock.Timer
	timerGen uint64
	queue    []bool
	closed   bool

	wake   chan struct{}
	quit   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCoordinator starts a Coordinator for one conversation. otherUserID is
// passed through to the backend and may be empty for buyers. A nil clk uses
// the wall clock.
func NewCoordinator(s Signaler, clk clock.Clock, itemID, otherUserID string) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		signaler:    s,
		clock:       clk,
		itemID:      itemID,
		otherUserID: otherUserID,
		wake:        make(chan struct{}, 1),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	go c.sendLoop()
	return c
}

// Input records one composer change. The first input after a quiet period
// publishes true; every input re-arms the idle timer.
func (c *Coordinator) Input() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if !c.typing {
		c.typing = true
		c.enqueueLocked(true)
	}

	if c.timer != nil {
		c.timer.Stop()
	}
	c.timerGen++
	gen := c.timerGen
	c.timer = c.clock.AfterFunc(IdleTimeout, func() { c.expire(gen) })
}

// Typing reports the last state queued for publishing.
func (c *Coordinator) Typing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing
}

func (c *Coordinator) expire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.timerGen {
		return
	}
	c.timer = nil
	if c.typing {
		c.typing = false
		c.enqueueLocked(false)
	}
}

// Stop cancels the idle timer, publishes a final false and waits for queued
// signals to drain or ctx to expire. Later calls are no-ops.
func (c *Coordinator) Stop(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
	c.typing = false
	c.enqueueLocked(false)
	c.mu.Unlock()

	close(c.quit)
	select {
	case <-c.done:
	case <-ctx.Done():
		c.cancel()
		<-c.done
	}
	c.cancel()
}

func (c *Coordinator) enqueueLocked(state bool) {
	c.queue = append(c.queue, state)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) sendLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.wake:
			c.flush()
		case <-c.quit:
			c.flush()
			return
		}
	}
}

func (c *Coordinator) flush() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		state := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		c.publish(state)
	}
}

func (c *Coordinator) publish(state bool) {
	if c.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, signalTimeout)
	defer cancel()

	err := c.signaler.SetTyping(ctx, c.itemID, state, c.otherUserID)
	metrics.TypingSignals.WithLabelValues(strconv.FormatBool(state)).Inc()
	if err != nil {
		log.Warn().Err(err).Str("item", c.itemID).Bool("typing", state).Msg("[typing] signal failed")
	}
}
