package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/defistate/pmamm-router-go/cmd/router/config"
	"github.com/defistate/pmamm-router-go/router"
	"github.com/defistate/pmamm-router-go/rpcapi"
	"github.com/defistate/pmamm-router-go/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DefaultShutdownTimeout   = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
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

	pools, err := cfg.BuildPools()
	if err != nil {
		rootLogger.Error("Failed to build pools", "error", err)
		close()
	}

	r, err := router.NewRouter(&router.Config{
		Logger:   rootLogger.With("component", "router"),
		Registry: prometheusRegistry,
		Workers:  cfg.Workers,
	})
	if err != nil {
		rootLogger.Error("Failed to initialize Router", "error", err)
		close()
	}

	s, err := session.NewSession(&session.Config{
		Pools:  pools,
		Router: r,
		Logger: rootLogger.With("component", "session"),
	})
	if err != nil {
		rootLogger.Error("Failed to initialize Session", "error", err)
		close()
	}
	rootLogger.Info("Session ready", "pools", len(pools), "workers", cfg.Workers)

	if cfg.Trade != nil {
		if err := runTrade(rootLogger, s, cfg.Trade); err != nil {
			rootLogger.Error("Trade failed", "error", err)
			close()
		}
	}

	if cfg.Listen == "" {
		return
	}

	// Create a context that cancels when the OS sends an interrupt (Ctrl+C) or termination signal.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, rootLogger.With("component", "rpc"), s, cfg); err != nil {
		rootLogger.Error("Fatal server error", "error", err)
		close()
	}
}

func runTrade(logger *slog.Logger, s *session.Session, trade *config.TradeConfig) error {
	cash, err := trade.CashAmount()
	if err != nil {
		return err
	}

	if !trade.Commit {
		plan, err := s.RouteBuy(trade.Target, cash)
		if err != nil {
			return err
		}
		logger.Info("Routed buy",
			"target", plan.Target,
			"cash", plan.Cash.String(),
			"flashloanLimit", plan.FlashloanLimit.String(),
			"flashloan", plan.Flashloan.String(),
			"output", plan.Output.String(),
			"plainOutput", plan.PlainOutput.String(),
		)
		return nil
	}

	exec, err := s.Execute(trade.Target, cash)
	if err != nil {
		return err
	}
	receipt := exec.Receipt
	logger.Info("Executed buy",
		"target", exec.Plan.Target,
		"flashloan", receipt.Flashloan.String(),
		"proceeds", receipt.Proceeds.String(),
		"spent", receipt.Spent.String(),
		"refund", receipt.Refund.String(),
		"output", receipt.Output.String(),
		"updatedPools", len(exec.Diff.Updates),
		"sequence", exec.Sequence,
	)
	return nil
}

func serve(ctx context.Context, logger *slog.Logger, s *session.Session, cfg *config.RouterConfig) error {
	addr := cfg.Listen
	rpcServer, err := rpcapi.NewServer(s)
	if err != nil {
		return err
	}
	defer rpcServer.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ws", rpcServer.WebsocketHandler(cfg.AllowedOrigins()))
	mux.Handle("/", rpcServer)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Serving JSON-RPC", "addr", addr, "namespace", rpcapi.Namespace)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func loadConfig() (*config.RouterConfig, error) {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file.")
	flag.Parse()
	log.Printf("Loading configuration from: %s", *configPath)
	return config.LoadConfig(*configPath)
}
