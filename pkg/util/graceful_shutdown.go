package util

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// GracefulShutdown runs registered shutdown hooks in priority order when the
// process terminates. Lower priorities shut down first, so call sessions can
// drain before the transports they depend on are closed.
type GracefulShutdown struct {
	resources []ShutdownResource
	mu        sync.Mutex
	logger    *logrus.Logger
	timeout   time.Duration
}

// ShutdownResource is one resource with a bounded shutdown function.
type ShutdownResource struct {
	Name     string
	Shutdown func(context.Context) error
	Priority int // Lower numbers shut down first
}

// NewGracefulShutdown creates a shutdown manager with a total timeout.
func NewGracefulShutdown(logger *logrus.Logger, timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &GracefulShutdown{
		logger:  logger,
		timeout: timeout,
	}
}

// Register adds a resource to be shut down.
func (gs *GracefulShutdown) Register(resource ShutdownResource) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.resources = append(gs.resources, resource)
	sort.SliceStable(gs.resources, func(i, j int) bool {
		return gs.resources[i].Priority < gs.resources[j].Priority
	})

	gs.logger.WithFields(logrus.Fields{
		"resource": resource.Name,
		"priority": resource.Priority,
	}).Debug("Registered resource for graceful shutdown")
}

// RegisterCloser registers an io.Closer for shutdown.
func (gs *GracefulShutdown) RegisterCloser(name string, closer io.Closer, priority int) {
	gs.Register(ShutdownResource{
		Name:     name,
		Priority: priority,
		Shutdown: func(context.Context) error {
			return closer.Close()
		},
	})
}

// Shutdown runs all registered hooks in priority order. Each hook gets the
// remaining share of the total timeout; a hook that overruns is abandoned
// and reported, not waited for.
func (gs *GracefulShutdown) Shutdown(ctx context.Context) error {
	gs.mu.Lock()
	resources := make([]ShutdownResource, len(gs.resources))
	copy(resources, gs.resources)
	gs.mu.Unlock()

	gs.logger.WithField("resource_count", len(resources)).Info("Starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, gs.timeout)
	defer cancel()

	var errs []error
	for _, resource := range resources {
		if err := gs.shutdownOne(shutdownCtx, resource); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("graceful shutdown finished with %d error(s): %v", len(errs), errs)
	}

	gs.logger.Info("Graceful shutdown completed")
	return nil
}

func (gs *GracefulShutdown) shutdownOne(ctx context.Context, resource ShutdownResource) error {
	gs.logger.WithField("resource", resource.Name).Debug("Shutting down resource")

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				gs.logger.WithFields(logrus.Fields{
					"panic":    r,
					"resource": resource.Name,
				}).Error("Panic during resource shutdown")
				done <- fmt.Errorf("panic during shutdown of %s: %v", resource.Name, r)
			}
		}()
		done <- resource.Shutdown(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			gs.logger.WithError(err).WithField("resource", resource.Name).Error("Error shutting down resource")
			return fmt.Errorf("shutdown of %s: %w", resource.Name, err)
		}
		gs.logger.WithField("resource", resource.Name).Debug("Resource shut down")
		return nil
	case <-ctx.Done():
		gs.logger.WithField("resource", resource.Name).Warn("Shutdown timeout for resource")
		return fmt.Errorf("shutdown of %s timed out", resource.Name)
	}
}
