// Package fallback attempts an ordered chain of backends, strictly one after
// the other, until one of them returns a valid result.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"

	"damageinspect/internal/backend"
	"damageinspect/internal/damage"
	"damageinspect/internal/observability"
)

// Extractor runs one attempt against one backend.
type Extractor interface {
	Extract(ctx context.Context, image []byte, cfg backend.Config) (damage.Result, error)
}

// Outcome is the authoritative result of a chain. Failures lists the attempts
// that failed before Backend succeeded, in order.
type Outcome struct {
	Result   damage.Result
	Backend  backend.Config
	Failures []damage.Failure
}

type Coordinator struct {
	extractor      Extractor
	attemptTimeout time.Duration
	now            func() time.Time
}

// New builds a Coordinator. attemptTimeout <= 0 leaves attempts bounded only
// by the caller's context.
func New(extractor Extractor, attemptTimeout time.Duration) *Coordinator {
	return &Coordinator{extractor: extractor, attemptTimeout: attemptTimeout, now: time.Now}
}

// Extract tries each configuration in order and advances on any failure.
// Cancellation of ctx stops the chain at once; the returned error then wraps
// the context error and Outcome.Failures holds the attempts made so far.
func (c *Coordinator) Extract(ctx context.Context, image []byte, chain []backend.Config) (Outcome, error) {
	if len(chain) == 0 {
		return Outcome{}, errors.New("fallback: empty backend chain")
	}

	var failures []damage.Failure
	for i, cfg := range chain {
		if err := ctx.Err(); err != nil {
			return Outcome{Failures: failures}, fmt.Errorf("extraction aborted after %d attempts: %w", len(failures), err)
		}

		entry := log.WithFields(log.Fields{
			"backend": cfg.ID,
			"model":   cfg.Model,
			"mode":    cfg.Mode,
			"attempt": i + 1,
			"of":      len(chain),
		})

		start := c.now()
		result, err := c.attempt(ctx, image, cfg)
		elapsed := c.now().Sub(start)

		if err == nil {
			observability.ObserveAttempt(cfg.ID, string(cfg.Provider), "success", elapsed)
			entry.WithField("detections", result.Len()).WithField("elapsed", elapsed.String()).Info("extraction succeeded")
			return Outcome{Result: result, Backend: cfg, Failures: failures}, nil
		}

		kind := damage.Kind(err)
		observability.ObserveAttempt(cfg.ID, string(cfg.Provider), kind, elapsed)
		failures = append(failures, damage.Failure{
			Backend:  cfg.ID,
			Provider: string(cfg.Provider),
			Model:    cfg.Model,
			Err:      err,
			Elapsed:  elapsed,
		})

		if ctx.Err() != nil {
			entry.WithError(err).Warn("extraction aborted by caller")
			return Outcome{Failures: failures}, fmt.Errorf("extraction aborted after %d attempts: %w", len(failures), ctx.Err())
		}
		entry.WithError(err).WithField("kind", kind).Warn("extraction attempt failed")
	}

	if len(chain) > 1 {
		observability.FallbackExhaustedTotal.Inc()
	}
	return Outcome{Failures: failures}, &damage.AllBackendsFailedError{Failures: failures}
}

func (c *Coordinator) attempt(ctx context.Context, image []byte, cfg backend.Config) (damage.Result, error) {
	if c.attemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.attemptTimeout)
		defer cancel()
	}
	return c.extractor.Extract(ctx, image, cfg)
}
