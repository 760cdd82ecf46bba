// Package loop schedules the continuous mode: drain the prompt queue every
// poll, and run maintenance whenever the interval has elapsed since the last
// maintenance started. The first iteration always runs maintenance.
//
// Cycles never overlap: each iteration runs the queue and then maintenance
// on the calling goroutine. A failing cycle is logged and the loop continues.
package loop

import (
	"context"
	"errors"
	"time"

	"github.com/entrhq/steward/pkg/logging"
)

// Task is one scheduled unit of work.
type Task func(ctx context.Context) error

// Loop holds the schedule.
type Loop struct {
	Maintenance Task
	Drain       Task

	Interval time.Duration
	Poll     time.Duration

	// Wake, when set, ends the current poll wait early.
	Wake <-chan struct{}

	Log *logging.Logger
	Now func() time.Time
}

// Run blocks until ctx is done and returns nil on a clean stop.
func (l *Loop) Run(ctx context.Context) error {
	if l.Interval <= 0 || l.Poll <= 0 {
		return errors.New("loop: interval and poll must be positive")
	}
	log := l.Log
	if log == nil {
		log = logging.Discard()
	}
	now := l.Now
	if now == nil {
		now = time.Now
	}

	var last time.Time
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-l.Wake:
			timer.Stop()
		}

		if l.Drain != nil {
			if err := l.Drain(ctx); err != nil && ctx.Err() == nil {
				log.Errorf("queue processing failed: %v", err)
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		if l.Maintenance != nil && (last.IsZero() || now().Sub(last) >= l.Interval) {
			last = now()
			if err := l.Maintenance(ctx); err != nil && ctx.Err() == nil {
				log.Errorf("maintenance cycle failed: %v", err)
			}
		}

		timer.Reset(l.Poll)
	}
}
