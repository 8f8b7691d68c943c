package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	internalerrors "github.com/Schera-ole/logmetrics/internal/errors"
)

// minWait keeps the loop from spinning when a flush is already overdue.
const minWait = 10 * time.Millisecond

// State is the lifecycle state of a Scheduler.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// flushTarget is what the scheduler drives.
type flushTarget interface {
	pending() int
	sinceLastFlush() time.Duration
	backgroundFlush(ctx context.Context) (int, error)
	finalFlush(ctx context.Context) (int, error)
}

type SchedulerConfig struct {
	BatchSize       int
	FlushInterval   time.Duration
	ShutdownTimeout time.Duration
	ErrorBackoff    time.Duration
}

// Scheduler runs the background flush loop. The loop wakes on a size
// notification, on the flush interval or on stop, whichever comes first.
type Scheduler struct {
	target flushTarget
	config SchedulerConfig
	logger *zap.SugaredLogger

	// wake outlives loop restarts so a Notify is never lost between them
	wake chan struct{}

	mu     sync.Mutex
	state  State
	stop   chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
}

func newScheduler(target flushTarget, config SchedulerConfig, logger *zap.SugaredLogger) *Scheduler {
	return &Scheduler{
		target: target,
		config: config,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// Start launches the loop. It reports false when the scheduler is not stopped.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopped {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.cancel = cancel
	s.state = StateRunning

	go s.loop(ctx, s.stop, s.done)

	s.logger.Infow("background flush started",
		"batch_size", s.config.BatchSize,
		"flush_interval", s.config.FlushInterval,
	)
	return true
}

// Notify wakes the loop without blocking.
func (s *Scheduler) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) Running() bool {
	return s.State() == StateRunning
}

func (s *Scheduler) due() bool {
	return s.target.pending() >= s.config.BatchSize ||
		s.target.sinceLastFlush() >= s.config.FlushInterval
}

func (s *Scheduler) nextWait() time.Duration {
	wait := s.config.FlushInterval - s.target.sinceLastFlush()
	if wait < minWait {
		return minWait
	}
	return wait
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(s.nextWait())
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-s.wake:
		case <-timer.C:
		}

		if s.due() {
			if _, err := s.target.backgroundFlush(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Errorw("background flush failed",
					"backoff", s.config.ErrorBackoff,
					"retryable", internalerrors.IsRetryable(err),
					"error", err,
				)
				timer.Reset(s.config.ErrorBackoff)
				select {
				case <-stop:
					return
				case <-timer.C:
				}
			}
		}

		timer.Reset(s.nextWait())
	}
}

// Stop ends the loop and runs one final forced flush on the calling
// goroutine. The wait for the loop and the final flush are each bounded by
// the shutdown timeout. Stopping a scheduler that is not running is a no-op.
func (s *Scheduler) Stop(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return 0, nil
	}
	s.state = StateStopping
	stop, done, cancel := s.stop, s.done, s.cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
	}()

	close(stop)

	var result *multierror.Error
	timer := time.NewTimer(s.config.ShutdownTimeout)
	select {
	case <-done:
	case <-timer.C:
		result = multierror.Append(result, fmt.Errorf("%w: background flush still running after %s",
			internalerrors.ErrShutdownTimeout, s.config.ShutdownTimeout))
		s.logger.Warnf("background flush did not stop within %s, cancelling it", s.config.ShutdownTimeout)
	case <-ctx.Done():
		result = multierror.Append(result, ctx.Err())
	}
	timer.Stop()
	cancel()

	flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer flushCancel()

	n, err := s.target.finalFlush(flushCtx)
	if err != nil {
		s.logger.Errorw("final flush failed", "error", err)
		result = multierror.Append(result, err)
	}

	s.logger.Infow("background flush stopped", "final_flush", n)
	return n, result.ErrorOrNil()
}
