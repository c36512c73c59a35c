package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/apex/log"

	"damageinspect/internal/app"
	"damageinspect/internal/backend"
	"damageinspect/internal/config"
	"damageinspect/internal/imageprep"
	"damageinspect/internal/inspect"
	"damageinspect/internal/logging"
	"damageinspect/internal/queue"
	"damageinspect/internal/store"
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
	if err := logging.Setup(cfg.Log.Level, "cli"); err != nil {
		log.WithError(err).Fatal("logging setup")
	}

	switch cmd {
	case "inspect":
		inspectFile(cfg, os.Args[2:])
	case "doctor":
		doctor(cfg)
	case "migrate":
		migrate(cfg)
	default:
		usage()
	}
}

func inspectFile(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	in := fs.String("in", "", "image file to inspect")
	backendID := fs.String("backend", "", "backend id, or \"fallback\" (default: extraction.default_backend)")
	mode := fs.String("mode", "", "schema or json (default: the backend's configured mode)")
	model := fs.String("model", "", "model override for a concrete backend")
	overlay := fs.String("overlay", "", "write a PNG with the detected rectangles drawn to this path")
	_ = fs.Parse(args)
	if *in == "" {
		fs.Usage()
		os.Exit(2)
	}

	image, err := os.ReadFile(*in)
	if err != nil {
		log.WithError(err).Fatal("read image")
	}
	parsedMode, err := backend.ParseMode(*mode)
	if err != nil {
		log.WithError(err).Fatal("mode")
	}

	appInstance, err := app.NewCore(cfg, app.SelectProviders(cfg))
	if err != nil {
		log.WithError(err).Fatal("app init error")
	}
	out, err := appInstance.Inspector.Inspect(context.Background(), image, inspect.Request{Backend: *backendID, Mode: parsedMode, Model: *model})
	for _, f := range out.Failures {
		log.WithFields(log.Fields{"backend": f.Backend, "model": f.Model, "kind": f.Kind()}).Warn(f.Err.Error())
	}
	if err != nil {
		log.WithError(err).Fatal("inspection failed")
	}
	log.WithFields(log.Fields{"backend": out.Backend.ID, "model": out.Backend.Model, "detections": out.Result.Len()}).Info("inspection complete")

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out.Result); err != nil {
		log.WithError(err).Fatal("encode result")
	}

	if *overlay != "" {
		data, err := imageprep.Overlay(image, out.Result)
		if err != nil {
			log.WithError(err).Fatal("overlay")
		}
		if err := os.WriteFile(*overlay, data, 0o644); err != nil {
			log.WithError(err).Fatal("write overlay")
		}
	}
}

func doctor(cfg config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	appInstance, err := app.NewCore(cfg, app.SelectProviders(cfg))
	if err != nil {
		fmt.Printf("config: FAIL (%v)\n", err)
		return
	}
	fmt.Println("config: OK")
	fmt.Printf("prompts: %v\n", appInstance.Prompts.Versions())
	for _, entry := range appInstance.Resolver.Describe() {
		creds := "credentials OK"
		if !entry.Config.HasCredentials() {
			creds = "MISSING credentials"
		}
		fmt.Printf("%-12s %-10s %-24s mode=%-6s prompt=%s %s\n",
			entry.Name, entry.Config.Provider, entry.Config.Model, entry.Config.Mode, entry.Config.PromptVersion, creds)
	}

	checks := []struct {
		Name string
		Fn   func() error
	}{
		{"database", func() error { return pingDatabase(ctx, cfg.Database.DSN) }},
		{"redis", func() error { return pingRedis(ctx, cfg.Redis.URL) }},
	}
	for _, check := range checks {
		if err := check.Fn(); err != nil {
			fmt.Printf("%s: FAIL (%v)\n", check.Name, err)
			continue
		}
		fmt.Printf("%s: OK\n", check.Name)
	}
}

func migrate(cfg config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		log.WithError(err).Fatal("store error")
	}
	defer st.Close()
	if err := store.Migrate(ctx, st.DB()); err != nil {
		log.WithError(err).Fatal("migration error")
	}
	log.Info("migrations applied")
}

func pingDatabase(ctx context.Context, dsn string) error {
	if dsn == "" {
		return fmt.Errorf("not configured")
	}
	st, err := store.Open(dsn)
	if err != nil {
		return err
	}
	defer st.Close()
	return st.Ping(ctx)
}

func pingRedis(ctx context.Context, url string) error {
	if url == "" {
		return fmt.Errorf("not configured")
	}
	q, err := queue.New(url)
	if err != nil {
		return err
	}
	defer q.Close()
	return q.Ping(ctx)
}

func usage() {
	fmt.Println("Usage: damagectl <inspect|doctor|migrate>")
	fmt.Println("  inspect -in car.jpg [-backend gemini|claude|ollama|fallback] [-mode schema|json] [-model name] [-overlay out.png]")
}
