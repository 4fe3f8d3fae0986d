// Package optimistic applies a locally-predicted value immediately and
// reconciles it with the authoritative remote result afterwards. On failure
// a caller-supplied hook decides how to roll back; the default hook does
// nothing, since rollback strategy is domain-specific.
package optimistic

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/sahayak/go-core/orchestrator"
)

// Apply receives first the optimistic value (optimistic=true), then the
// authoritative one (optimistic=false) once the operation succeeds.
type Apply[T any] func(val T, optimistic bool)

// Controller runs optimistic updates through a Coordinator, so duplicate
// suppression and caching apply to the reconciling call.
type Controller struct {
	log       zerolog.Logger
	coord     *orchestrator.Coordinator
	onFailure func(error)
}

// Option configures a Controller.
type Option func(*Controller)

// WithFailureHook replaces the default no-op failure hook. Consumers use it
// to roll back the optimistic value when the remote operation fails.
func WithFailureHook(hook func(error)) Option {
	return func(c *Controller) { c.onFailure = hook }
}

// New returns a Controller on top of the given coordinator.
func New(log zerolog.Logger, coord *orchestrator.Coordinator, opts ...Option) *Controller {
	c := &Controller{
		log:       log.With().Str("component", "optimistic").Logger(),
		coord:     coord,
		onFailure: func(error) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Update applies optimisticVal synchronously, runs op through the
// coordinator under key, and applies the authoritative result on success.
// On failure the controller's failure hook runs and the error is returned;
// no retry is attempted — retry, if any, is the caller's responsibility.
func Update[T any](ctx context.Context, c *Controller, key string, optimisticVal T, op func(ctx context.Context) (T, error), apply Apply[T], opts ...orchestrator.CallOption) error {
	apply(optimisticVal, true)

	actual, _, err := orchestrator.Do(ctx, c.coord, key, op, opts...)
	if err != nil {
		c.log.Debug().Err(err).Str("operation", key).Msg("optimistic update failed to reconcile")
		c.onFailure(err)
		return err
	}

	apply(actual, false)
	return nil
}
