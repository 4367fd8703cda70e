// The digest binary runs one pipeline execution and exits. Useful for
// cron-less deployments and local testing.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ignite/inbox-digest/internal/app"
	"github.com/ignite/inbox-digest/internal/config"
	"github.com/ignite/inbox-digest/internal/digest"
)

func main() {
	var (
		configPath = flag.String("config", defaultConfigPath(), "path to config.yaml")
		modeFlag   = flag.String("mode", "weekly", "run mode: weekly, cleanup, or historical")
		startFlag  = flag.String("start", "", "historical window start (YYYY-MM-DD)")
		endFlag    = flag.String("end", "", "historical window end (YYYY-MM-DD)")
	)
	flag.Parse()

	mode, err := digest.ParseMode(*modeFlag)
	if err != nil {
		log.Fatal(err)
	}

	var window digest.Window
	if mode == digest.ModeHistorical {
		window, err = digest.ParseWindow(*startFlag, *endFlag)
		if err != nil {
			log.Fatal(err)
		}
	}

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

	result, err := application.Orchestrator.RunDigest(ctx, mode, window)
	if err != nil {
		log.Fatalf("digest run failed: %v", err)
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	if !result.Success {
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config.yaml"
}
