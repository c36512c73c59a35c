package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/apex/log"

	"damageinspect/internal/app"
	"damageinspect/internal/config"
	"damageinspect/internal/logging"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	cmd := os.Args[1]
	cfg, err := config.Load(os.Getenv("DI_CONFIG"))
	if err != nil {
		log.WithError(err).Fatal("config error")
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.WithError(err).Fatal("logging setup")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "serve":
		runServe(ctx, cfg)
	case "worker":
		runWorker(ctx, cfg)
	default:
		usage()
	}
}

func runServe(ctx context.Context, cfg config.Config) {
	appInstance, err := app.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("app init error")
	}
	defer appInstance.Close()

	log.WithFields(log.Fields{
		"default_backend": cfg.Extraction.DefaultBackend,
		"async":           appInstance.Store != nil && appInstance.Queue != nil,
		"stub":            cfg.Extraction.Stub,
	}).Info("damaged starting")
	if err := appInstance.Serve(ctx); err != nil {
		log.WithError(err).Fatal("server error")
	}
}

func runWorker(ctx context.Context, cfg config.Config) {
	appInstance, err := app.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("app init error")
	}
	defer appInstance.Close()

	if err := appInstance.RunWorker(ctx); err != nil {
		log.WithError(err).Fatal("worker error")
	}
	log.Info("worker stopped")
}

func usage() {
	fmt.Println("Usage: damaged <serve|worker>")
}
