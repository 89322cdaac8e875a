package api

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// supervisor runs fire-and-forget work on tracked goroutines so that
// shutdown can drain them. Callback forwards and recording disk deletions
// must survive the request that triggered them but not the process.
type supervisor struct {
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

func newSupervisor(log zerolog.Logger) *supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &supervisor{log: log, ctx: ctx, cancel: cancel}
}

// spawn runs fn on a tracked goroutine. Work submitted after stop is
// dropped; the caller already answered the triggering request, so there is
// nobody left to report to.
func (s *supervisor) spawn(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.log.Warn().Str("task", name).Msg("dropping background task, shutting down")
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := fn(s.ctx); err != nil {
			s.log.Warn().Err(err).Str("task", name).Msg("background task failed")
		}
	}()
}

// stop refuses new work and waits for running tasks. When ctx expires first
// the remaining tasks are canceled and still waited for.
func (s *supervisor) stop(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		<-done
	}
	s.cancel()
	return nil
}
