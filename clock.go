package obsbridge

import (
	"context"
	"time"
)

// Clock is the virtual clock of a publish or subscribe loop.
//
// It counts whole ticks of dt, so a run lasts exactly ceil(tMax/dt) ticks
// no matter how dt is represented in floating point.
type Clock struct {
	dt    time.Duration
	tMax  time.Duration
	ticks int64
}

func NewClock(tMax, dt time.Duration) *Clock {
	return &Clock{dt: dt, tMax: tMax}
}

// Now is the elapsed virtual time
func (c *Clock) Now() time.Duration {
	return time.Duration(c.ticks) * c.dt
}

// Seconds is Now in seconds, the unit value functions expect
func (c *Clock) Seconds() float64 {
	return c.Now().Seconds()
}

// Ticks advanced so far
func (c *Clock) Ticks() int64 {
	return c.ticks
}

// Advance by one tick
func (c *Clock) Advance() {
	c.ticks++
}

// Done once the virtual time reached tMax
func (c *Clock) Done() bool {
	if c.dt <= 0 {
		return true
	}
	return c.Now() >= c.tMax
}

// Pacer spaces loop iterations in wall-clock time
type Pacer interface {
	// Wait blocks until the next tick is due
	Wait(ctx context.Context) error
	Stop()
}

// PacerFactory creates a pacer ticking every interval
type PacerFactory func(interval time.Duration) Pacer

type tickerPacer struct {
	ticker *time.Ticker
}

// NewTickerPacer paces with a time.Ticker. Ticks missed because a
// step ran long are dropped, so the loop does not try to catch up.
func NewTickerPacer(interval time.Duration) Pacer {
	return &tickerPacer{ticker: time.NewTicker(interval)}
}

func (p *tickerPacer) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ticker.C:
		return nil
	}
}

func (p *tickerPacer) Stop() {
	p.ticker.Stop()
}

type noPacer struct{}

// Unpaced runs ticks back to back
func Unpaced(time.Duration) Pacer {
	return noPacer{}
}

func (noPacer) Wait(ctx context.Context) error {
	return ctx.Err()
}

func (noPacer) Stop() {}
