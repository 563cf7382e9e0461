package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"pulse_scout/config"
	"pulse_scout/dashboard"
	"pulse_scout/db"
	"pulse_scout/pipeline"
	"pulse_scout/source"
	"pulse_scout/utils"
)

const usage = `usage: pulse_scout [command]

commands:
  ingest   fetch every configured source and store new ticks (default)
  serve    serve the dashboard API
`

func main() {
	command := "ingest"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger, err := utils.InitLogger(cfg.App.LogLevel, cfg.App.LogDir)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	store, err := db.Open(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infow("Starting pulse_scout",
		"command", command,
		"environment", cfg.App.Environment,
		"driver", store.Driver(),
		"sources", len(cfg.Sources))

	switch command {
	case "ingest":
		p := pipeline.New(cfg, store,
			source.NewCSVFetcher(cfg.Timeout()),
			source.NewMarketChartClient(cfg.CoinGecko.APIKey, cfg.Timeout()),
			logger,
		)
		stats, err := p.Run(ctx)
		if err != nil {
			utils.Error(err, "Ingest failed", "sources", len(cfg.Sources))
			logger.Sync()
			os.Exit(1)
		}
		pipeline.PrintSummary(os.Stdout, stats)

	case "serve":
		srv := dashboard.NewServer(store, dashboard.Options{
			Window:    cfg.Dashboard.AlertWindow,
			Threshold: cfg.Dashboard.AlertThreshold,
			Logger:    logger,
		})
		if err := srv.ListenAndServe(ctx, cfg.Dashboard.Addr); err != nil {
			utils.Error(err, "Dashboard stopped", "addr", cfg.Dashboard.Addr)
			logger.Sync()
			os.Exit(1)
		}
		logger.Info("Dashboard shut down")

	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}
