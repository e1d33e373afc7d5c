// Package service supervises the long-running tasks of spec.md §5:
// Monitor, Sweeper, and the notification dispatcher's lifecycle, all
// under one cancellation boundary with the Store as their only
// synchronization point.
package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/evmhot/custody/internal/monitor"
	"github.com/evmhot/custody/internal/notify"
	"github.com/evmhot/custody/internal/sweeper"
)

const notifyDrainTimeout = 10 * time.Second

// Supervisor runs Monitor and Sweeper concurrently and tears down the
// notification dispatcher on exit.
type Supervisor struct {
	monitor  *monitor.Monitor
	sweeper  *sweeper.Sweeper
	notifier *notify.Dispatcher
	log      *zap.SugaredLogger
}

func New(m *monitor.Monitor, s *sweeper.Sweeper, notifier *notify.Dispatcher, log *zap.SugaredLogger) *Supervisor {
	return &Supervisor{monitor: m, sweeper: s, notifier: notifier, log: log}
}

// Run blocks until ctx is cancelled or one of the supervised tasks
// returns an error, per spec.md §5: "parallelism across tasks is
// expected; the Store is the synchronization point." An error from
// either task cancels the group. Neither Monitor.Run nor Sweeper.Run
// returns an error: both log a failed pass, store errors included, and
// retry it on their next tick, so store errors do not stop the process
// and Run returns nil once ctx is cancelled. The notification worker
// then drains with a bounded timeout regardless of how the group exited.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.monitor.Run(gctx)
	})
	g.Go(func() error {
		return s.sweeper.Run(gctx)
	})

	runErr := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), notifyDrainTimeout)
	defer cancel()
	if err := s.notifier.Stop(drainCtx); err != nil {
		s.log.Warnw("service: notification dispatcher did not drain cleanly", "error", err)
	}

	if runErr != nil {
		return fmt.Errorf("service: supervised task failed: %w", runErr)
	}
	return nil
}
