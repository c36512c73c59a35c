package app

import (
	"context"
	"errors"
	"time"

	"github.com/apex/log"
	"github.com/redis/go-redis/v9"

	"damageinspect/internal/backend"
	"damageinspect/internal/damage"
	"damageinspect/internal/inspect"
	"damageinspect/internal/observability"
	"damageinspect/internal/store"
)

// RunWorker pops inspection jobs until ctx is done.
func (a *App) RunWorker(ctx context.Context) error {
	if a.Store == nil || a.Queue == nil {
		return errors.New("worker needs database.dsn and redis.url")
	}
	log.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		id, err := a.Queue.PopInspectionJob(ctx, a.Config.Worker.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !errors.Is(err, redis.Nil) {
				log.WithError(err).Warn("pop inspection job")
			}
			continue
		}
		if depth, err := a.Queue.Depth(ctx); err == nil {
			observability.QueueDepth.Set(float64(depth))
		}
		if err := a.ProcessInspection(ctx, id); err != nil {
			log.WithError(err).WithField("inspection", id).Error("process inspection")
		}
	}
}

// recordTimeout bounds the final status write, which must land even when
// the worker is shutting down.
const recordTimeout = 10 * time.Second

// ProcessInspection runs one stored inspection and records its outcome. A
// failed extraction is recorded on the inspection and is not an error here.
func (a *App) ProcessInspection(ctx context.Context, id string) error {
	if err := a.Store.MarkRunning(ctx, id); err != nil {
		return err
	}
	rec, err := a.Store.GetInspection(ctx, id)
	if err != nil {
		return err
	}
	image, _, err := a.Store.GetInspectionImage(ctx, id)
	if err != nil {
		return err
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	entry := log.WithFields(log.Fields{"inspection": id, "backend": rec.Backend})
	mode, err := backend.ParseMode(rec.Mode)
	if err != nil {
		return a.Store.FailInspection(rctx, id, damage.Kind(err), err.Error(), nil)
	}

	out, err := a.Inspector.Inspect(ctx, image, inspect.Request{Backend: rec.Backend, Mode: mode, Model: rec.Model})
	if err != nil {
		entry.WithError(err).Warn("inspection failed")
		return a.Store.FailInspection(rctx, id, damage.Kind(err), err.Error(), store.FailureRecords(failuresOf(out, err)))
	}
	entry.WithFields(log.Fields{"resolved": out.Backend.String(), "detections": out.Result.Len()}).Info("inspection complete")
	return a.Store.CompleteInspection(rctx, id, out.Backend.ID, out.Backend.Model, out.Result, store.FailureRecords(out.Failures))
}
