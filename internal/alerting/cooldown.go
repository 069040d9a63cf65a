package alerting

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"daowatch/internal/scheduler"
)

// ErrCoolingDown is returned when a notification for the same key was sent
// within the cooldown window.
var ErrCoolingDown = errors.New("alerting: notification suppressed by cooldown")

// Cooldown suppresses repeats of the same notification key within a window.
type Cooldown struct {
	next   Notifier
	window time.Duration
	clock  scheduler.Clock
	logger zerolog.Logger

	mu   sync.Mutex
	last map[string]time.Time
}

// NewCooldown wraps next. A non-positive window disables suppression.
func NewCooldown(next Notifier, window time.Duration, clock scheduler.Clock, logger zerolog.Logger) *Cooldown {
	if next == nil {
		panic("cooldown requires a notifier")
	}
	if clock == nil {
		clock = scheduler.RealClock{}
	}
	return &Cooldown{
		next:   next,
		window: window,
		clock:  clock,
		logger: logger.With().Str("component", "alert_cooldown").Logger(),
		last:   make(map[string]time.Time),
	}
}

// Notify forwards note unless its key is still cooling down. The key is
// reserved before sending so concurrent callers cannot both deliver; a failed
// delivery releases the reservation.
func (c *Cooldown) Notify(ctx context.Context, note Notification) error {
	key := note.Key()
	now := c.clock.Now()

	c.mu.Lock()
	prev, had := c.last[key]
	if had && c.window > 0 && now.Sub(prev) < c.window {
		c.mu.Unlock()
		c.logger.Debug().Str("key", key).Time("last_sent", prev).Msg("notification suppressed")
		return ErrCoolingDown
	}
	c.last[key] = now
	c.mu.Unlock()

	if err := c.next.Notify(ctx, note); err != nil {
		c.mu.Lock()
		if reserved, ok := c.last[key]; ok && reserved.Equal(now) {
			if had {
				c.last[key] = prev
			} else {
				delete(c.last, key)
			}
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

// Notify calls each notifier in order.
func (f Fanout) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*Cooldown)(nil)
	_ Notifier = Fanout(nil)
)
