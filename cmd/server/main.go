// The server binary hosts the digest API and the weekly cron trigger.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/inbox-digest/internal/api"
	"github.com/ignite/inbox-digest/internal/app"
	"github.com/ignite/inbox-digest/internal/config"
	"github.com/ignite/inbox-digest/internal/scheduler"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to config.yaml")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("wiring digest system: %v", err)
	}
	defer application.Close()

	health := api.NewHealthReporter(application.DB, application.Redis, application.Breakers, application.Cost)
	handlers := api.NewHandlers(application.Orchestrator, health, cfg.Pipeline.HistoricalMaxDays)
	server := api.NewServer(config.ServerConfig{Host: cfg.Server.GetHost(), Port: cfg.Server.Port}, handlers)

	sched := scheduler.New(cfg.Scheduler, application.Orchestrator)
	if err := sched.Start(); err != nil {
		log.Fatalf("starting scheduler: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("digest server listening on %s", server.Addr())
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server failed: %v", err)
		}
	case <-ctx.Done():
		log.Printf("shutdown signal received")
	}

	// Let the scheduler hand off any in-flight trigger, then drain HTTP.
	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown incomplete: %v", err)
	}
	log.Printf("digest server stopped")
}

func defaultConfigPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config.yaml"
}
