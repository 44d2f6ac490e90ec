package bootstrap

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultTickInterval is the driver's default tick spacing.
const DefaultTickInterval = 50 * time.Millisecond

// Machine is anything the driver advances.
type Machine interface {
	Tick()
	Done() bool
}

// Driver ticks a set of machines at a fixed rate from a single goroutine.
type Driver struct {
	Interval time.Duration // default DefaultTickInterval
	Clock    clock.Clock
}

// Run ticks every machine once per interval, in the order given, until all
// of them are done or ctx ends. It returns ctx.Err() if ctx ended first.
func (d *Driver) Run(ctx context.Context, machines ...Machine) error {
	interval := d.Interval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	clk := d.Clock
	if clk == nil {
		clk = clock.New()
	}
	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	for {
		done := true
		for _, m := range machines {
			if !m.Done() {
				m.Tick()
			}
			if !m.Done() {
				done = false
			}
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
