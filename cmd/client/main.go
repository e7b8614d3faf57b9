package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/defistate/pmamm-router-go/cmd/client/config"
	"github.com/defistate/pmamm-router-go/router"
	"github.com/defistate/pmamm-router-go/session"
	"github.com/defistate/pmamm-router-go/streams/jsonrpc/client"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultClientStateBufferSize = 100
)

func main() {
	close := func() {
		os.Exit(1)
	}

	cfg, err := loadConfig()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("Failed to load configuration", "error", err)
		close()
	}

	// level was validated with the config
	level, _ := cfg.SlogLevel()
	rootLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	prometheusRegistry := prometheus.DefaultRegisterer

	// Create a context that cancels when the OS sends an interrupt (Ctrl+C) or termination signal.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		r    *router.Router
		cash *big.Int
	)
	if cfg.Watch != nil {
		cash, _ = cfg.Watch.CashAmount()
		r, err = router.NewRouter(&router.Config{
			Logger:   rootLogger.With("component", "router"),
			Registry: prometheusRegistry,
		})
		if err != nil {
			rootLogger.Error("Failed to initialize Router", "error", err)
			close()
		}
	}

	bufferSize := cfg.BufferSize
	if bufferSize == 0 {
		bufferSize = DefaultClientStateBufferSize
	}

	client, err := client.NewClient(
		ctx,
		client.Config{
			URL:        cfg.StateStreamURL,
			Logger:     rootLogger.With("component", "jsonrpc-client"),
			BufferSize: bufferSize,
		},
	)
	if err != nil {
		rootLogger.Error("Failed to initialize Client", "url", cfg.StateStreamURL, "error", err)
		close()
	}

	for {
		select {
		case state := <-client.State():
			rootLogger.Info("State replicated", "sequence", state.Sequence, "pools", len(state.Pools))
			if r != nil {
				watch(rootLogger, r, state, cfg.Watch.Target, cash)
			}
		case err, ok := <-client.Err():
			if ok {
				rootLogger.Error("Fatal client error", "error", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// watch routes the configured buy against the replicated pools.
func watch(logger *slog.Logger, r *router.Router, state *session.State, target int, cash *big.Int) {
	if target >= len(state.Pools) {
		logger.Warn("Watch target not in state", "target", target, "pools", len(state.Pools))
		return
	}
	plan, err := r.RouteBuy(state.Pools, target, cash)
	if err != nil {
		logger.Error("Failed to route watched buy", "sequence", state.Sequence, "error", err)
		return
	}
	logger.Info("Routed watched buy",
		"sequence", state.Sequence,
		"target", plan.Target,
		"flashloan", plan.Flashloan.String(),
		"output", plan.Output.String(),
		"plainOutput", plan.PlainOutput.String(),
	)
}

func loadConfig() (*config.ClientConfig, error) {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file.")
	flag.Parse()
	log.Printf("Loading configuration from: %s", *configPath)
	return config.LoadConfig(*configPath)
}
