package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/srg/bmsd/internal/groutine"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// Countdown redraws "<prefix> (<n>s)" on one terminal line until stopped.
//
// Usage:
//
//	c := NewCountdown(os.Stderr, "Scanning", 10*time.Second)
//	c.Start(ctx)
//	defer c.Stop()
//
// A Countdown is single-use.
type Countdown struct {
	out      io.Writer
	prefix   string
	duration time.Duration

	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func NewCountdown(out io.Writer, prefix string, duration time.Duration) *Countdown {
	return &Countdown{out: out, prefix: prefix, duration: duration, done: make(chan struct{})}
}

// Start draws the first line and keeps it updated in the background.
func (c *Countdown) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	start := time.Now()
	c.draw(c.duration)

	groutine.Go(ctx, "progress", func(ctx context.Context) {
		defer close(c.done)

		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.draw(c.duration - time.Since(start))
			}
		}
	})
}

func (c *Countdown) draw(remaining time.Duration) {
	// round to the nearest second, never below zero
	seconds := 0
	if remaining > 0 {
		seconds = int(remaining.Seconds() + 0.5)
	}
	fmt.Fprintf(c.out, "\r%s (%ds)   ", c.prefix, seconds)
}

// Stop ends the updates and clears the line. Safe to call more than once.
func (c *Countdown) Stop() {
	c.once.Do(func() {
		if c.cancel == nil {
			return
		}
		c.cancel()
		<-c.done
		fmt.Fprint(c.out, clearLineSequence)
	})
}
