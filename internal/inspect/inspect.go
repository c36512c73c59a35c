// Package inspect is the entry point of the extraction core: it resolves the
// requested backend, bounds the request in time and runs the chain.
package inspect

import (
	"context"
	"errors"
	"time"

	"damageinspect/internal/backend"
	"damageinspect/internal/damage"
	"damageinspect/internal/fallback"
	"damageinspect/internal/observability"
)

var ErrEmptyImage = errors.New("empty image")

// Request is the inbound selection. Empty fields use the configured defaults.
type Request struct {
	Backend string
	Mode    backend.Mode
	Model   string
}

type Outcome = fallback.Outcome

// Inspector holds only immutable collaborators and is safe for concurrent use.
type Inspector struct {
	resolver       *backend.Resolver
	coordinator    *fallback.Coordinator
	requestTimeout time.Duration
}

func New(resolver *backend.Resolver, coordinator *fallback.Coordinator, requestTimeout time.Duration) *Inspector {
	return &Inspector{resolver: resolver, coordinator: coordinator, requestTimeout: requestTimeout}
}

// Inspect returns the canonical detections for image. A single-backend
// request that fails returns that backend's error as is; only a real chain
// reports *damage.AllBackendsFailedError.
func (i *Inspector) Inspect(ctx context.Context, image []byte, req Request) (Outcome, error) {
	if len(image) == 0 {
		return Outcome{}, ErrEmptyImage
	}
	chain, err := i.resolver.Chain(req.Backend, backend.Override{Model: req.Model, Mode: req.Mode})
	if err != nil {
		return Outcome{}, err
	}

	if i.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.requestTimeout)
		defer cancel()
	}

	out, err := i.coordinator.Extract(ctx, image, chain)
	if err != nil {
		var all *damage.AllBackendsFailedError
		if len(chain) == 1 && errors.As(err, &all) && len(all.Failures) == 1 {
			return out, all.Failures[0].Err
		}
		return out, err
	}
	for _, d := range out.Result.Detections {
		observability.DetectionsTotal.WithLabelValues(string(d.DamageType)).Inc()
	}
	return out, nil
}

// Resolver exposes the backend resolver, e.g. for reporting.
func (i *Inspector) Resolver() *backend.Resolver {
	return i.resolver
}
