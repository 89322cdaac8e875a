// Package registry coordinates startup and shutdown of the long-running
// services behind the serve command.
//
// Services are started in registration order and stopped in reverse, so a
// service may rely on everything registered before it being up for its
// whole lifetime. Shutdown is bounded by a drain timeout that is detached
// from the run context, letting in-flight work finish after the signal
// that triggered the shutdown already cancelled that context.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bbblb/bbblb/internal/logging"
)

// DefaultDrainTimeout bounds how long Stop waits for services to wind down.
const DefaultDrainTimeout = 30 * time.Second

// Service is a long-running component managed by a Registry. Start must
// return once the service is running; long-lived work happens on goroutines
// owned by the service and wound down by Stop.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Funcs adapts plain functions to the Service interface. A nil function is
// a no-op, so Funcs{StopFunc: ...} wraps bare cleanup work such as closing
// a store.
type Funcs struct {
	StartFunc func(ctx context.Context) error
	StopFunc  func(ctx context.Context) error
}

func (f Funcs) Start(ctx context.Context) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx)
}

func (f Funcs) Stop(ctx context.Context) error {
	if f.StopFunc == nil {
		return nil
	}
	return f.StopFunc(ctx)
}

type namedService struct {
	name string
	svc  Service
}

// Registry starts named services in registration order and stops them in
// reverse. The zero value is not usable; call New.
type Registry struct {
	mu       sync.Mutex
	services []namedService
	started  int
	stopped  bool
	drain    time.Duration
	log      zerolog.Logger
}

// New returns an empty registry with the default drain timeout.
func New() *Registry {
	return &Registry{
		drain: DefaultDrainTimeout,
		log:   logging.WithComponent("registry"),
	}
}

// SetDrainTimeout adjusts how long Stop waits for services to wind down.
// Zero or negative values reset to DefaultDrainTimeout.
func (r *Registry) SetDrainTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d <= 0 {
		d = DefaultDrainTimeout
	}
	r.drain = d
}

// Add registers a named service. Services must be added before Start.
func (r *Registry) Add(name string, svc Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started > 0 {
		panic("registry: Add after Start")
	}
	r.services = append(r.services, namedService{name: name, svc: svc})
}

// Start brings up all services in registration order. When one fails, the
// services already running are stopped in reverse order and the start
// error is returned, joined with any stop errors.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.services {
		if err := s.svc.Start(ctx); err != nil {
			err = fmt.Errorf("start %s: %w", s.name, err)
			r.log.Error().Err(err).Str("service", s.name).Msg("service failed to start")
			r.started = i
			if stopErr := r.stopLocked(ctx); stopErr != nil {
				return errors.Join(err, stopErr)
			}
			return err
		}
		r.log.Info().Str("service", s.name).Msg("service started")
	}
	r.started = len(r.services)
	return nil
}

// Stop winds down all started services in reverse order. Every service gets
// the same bounded drain deadline, detached from ctx cancellation so that
// shutdown can complete after the run context is gone. Stop errors are
// collected rather than aborting the sequence; calling Stop twice is a
// no-op.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked(ctx)
}

func (r *Registry) stopLocked(ctx context.Context) error {
	if r.stopped {
		return nil
	}
	r.stopped = true

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.drain)
	defer cancel()

	var errs []error
	for i := r.started - 1; i >= 0; i-- {
		s := r.services[i]
		begin := time.Now()
		if err := s.svc.Stop(drainCtx); err != nil {
			r.log.Error().Err(err).Str("service", s.name).Msg("service stop failed")
			errs = append(errs, fmt.Errorf("stop %s: %w", s.name, err))
			continue
		}
		r.log.Info().Str("service", s.name).Dur("took", time.Since(begin)).Msg("service stopped")
	}
	r.started = 0
	if len(errs) > 0 {
		return fmt.Errorf("shutdown: %w", errors.Join(errs...))
	}
	return nil
}

// Run starts all services, blocks until ctx is cancelled, and stops them.
// A bring-up failure is returned immediately; otherwise Run returns the
// result of the shutdown.
func (r *Registry) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return r.Stop(ctx)
}
