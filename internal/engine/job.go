package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// job is one recurring background task. Each job loops on its own timer:
// run, log any failure, then wait for whatever remains of the interval.
// The maxRun guard is advisory: a slow run is logged while still in
// flight but never killed, since aborting a half-submitted order batch
// is worse than a late one.
type job struct {
	name     string
	interval time.Duration
	maxRun   time.Duration
	run      func(ctx context.Context) error
}

func (j job) loop(ctx context.Context) {
	logger := log.WithField("job", j.name)
	for {
		if ctx.Err() != nil {
			return
		}
		started := time.Now()
		var guard *time.Timer
		if j.maxRun > 0 {
			guard = time.AfterFunc(j.maxRun, func() {
				logger.WithField("budget", j.maxRun).Warn("job run exceeded its time budget")
			})
		}
		err := runSafely(ctx, j.run)
		if guard != nil {
			guard.Stop()
		}
		elapsed := time.Since(started)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).WithField("elapsed", elapsed).Error("job run failed")
		}

		wait := j.interval - elapsed
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// runSafely converts a panic in a job run into an error so one bad
// iteration cannot take the whole engine down.
func runSafely(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx)
}
