package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/apex/log"

	"damageinspect/internal/backend"
	"damageinspect/internal/config"
	"damageinspect/internal/extract"
	"damageinspect/internal/fallback"
	"damageinspect/internal/inspect"
	"damageinspect/internal/llm"
	"damageinspect/internal/observability"
	"damageinspect/internal/prompt"
	"damageinspect/internal/queue"
	"damageinspect/internal/ratelimit"
	"damageinspect/internal/store"
)

type App struct {
	Config    config.Config
	Prompts   *prompt.Library
	Resolver  *backend.Resolver
	Inspector *inspect.Inspector
	// Store and Queue are nil unless configured; only async inspections need them.
	Store *store.Store
	Queue *queue.Queue

	limiter *ratelimit.Limiter
}

// New builds the full application, connecting to Postgres and Redis when
// their URLs are configured.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	a, err := NewCore(cfg, SelectProviders(cfg))
	if err != nil {
		return nil, err
	}
	if cfg.Database.DSN != "" {
		st, err := store.Open(cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx, st.DB()); err != nil {
			_ = st.Close()
			return nil, err
		}
		a.Store = st
	}
	if cfg.Redis.URL != "" {
		q, err := queue.New(cfg.Redis.URL)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Queue = q
	}
	return a, nil
}

// NewCore wires the extraction path only, with the given providers.
func NewCore(cfg config.Config, providers map[backend.Provider]llm.Provider) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	prompts, err := prompt.Load()
	if err != nil {
		return nil, err
	}
	resolver, err := backend.NewResolver(cfg, prompts)
	if err != nil {
		return nil, err
	}
	observability.Register()

	extractor := extract.New(prompts, providers, cfg.Extraction.MaxImageSide)
	coordinator := fallback.New(extractor, cfg.Extraction.AttemptTimeout)
	return &App{
		Config:    cfg,
		Prompts:   prompts,
		Resolver:  resolver,
		Inspector: inspect.New(resolver, coordinator, cfg.Extraction.RequestTimeout),
		limiter:   ratelimit.New(cfg.Security.RateLimitRPM),
	}, nil
}

func (a *App) Close() error {
	var err error
	if a.Store != nil {
		err = a.Store.Close()
	}
	if a.Queue != nil {
		_ = a.Queue.Close()
	}
	return err
}

func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Config.HTTP.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if a.limiter != nil {
		go a.pruneLoop(ctx)
	}
	log.WithField("addr", a.Config.HTTP.Addr).Info("serving")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *App) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.limiter.Prune()
		}
	}
}

// SelectProviders maps every provider to its client, or to the stub when
// extraction.stub is set.
func SelectProviders(cfg config.Config) map[backend.Provider]llm.Provider {
	if cfg.Extraction.Stub {
		stub := llm.NewStub()
		return map[backend.Provider]llm.Provider{
			backend.ProviderGemini: stub,
			backend.ProviderClaude: stub,
			backend.ProviderOllama: stub,
		}
	}
	client := &http.Client{}
	return map[backend.Provider]llm.Provider{
		backend.ProviderGemini: llm.NewGemini(client),
		backend.ProviderClaude: llm.NewClaude(client),
		backend.ProviderOllama: llm.NewOllama(client),
	}
}
