package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alxayo/go-rft/internal/logger"
	"github.com/alxayo/go-rft/internal/rft/receiver"
	"github.com/alxayo/go-rft/internal/rft/sender"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		// flag package already printed usage/error
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Println(version)
		return
	}

	// Initialize global logger and set level based on flag
	logger.Init()
	if err := logger.SetLevel(cfg.logLevel); err != nil {
		fmt.Printf("Warning: invalid log level %q, using default\n", cfg.logLevel)
	}
	log := logger.Logger().With("component", "cli")

	if cfg.metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.metricsAddr, mux); err != nil {
				log.Error("metrics endpoint failed", "error", err)
			}
		}()
		log.Info("metrics exposed", "addr", cfg.metricsAddr)
	}

	// Set up signal handling for graceful shutdown / user abort.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.senderMode {
		runSender(ctx, cfg, log)
		return
	}
	if err := runReceiver(ctx, cfg, log); err != nil {
		os.Exit(1)
	}
}

func runSender(ctx context.Context, cfg *cliConfig, log *slog.Logger) {
	srv, err := sender.New(sender.Config{
		ListenAddr: fmt.Sprintf("0.0.0.0:%d", cfg.port),
		Dir:        cfg.dir,
		Secret:     []byte(cfg.secret),
		LossP:      cfg.lossP,
		LossQ:      cfg.lossQ,
		LossSeed:   time.Now().UnixNano(),
	})
	if err != nil {
		log.Error("failed to start sender", "error", err)
		os.Exit(1)
	}
	srv.Start()
	log.Info("sender running", "addr", srv.Addr().String(), "version", version)

	<-ctx.Done()
	log.Info("shutdown signal received")

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()
	select {
	case <-done:
		log.Info("sender stopped cleanly")
	case <-time.After(5 * time.Second):
		log.Error("forced exit after timeout")
	}
}

func runReceiver(ctx context.Context, cfg *cliConfig, log *slog.Logger) error {
	cl, err := receiver.New(receiver.Config{
		Host:     cfg.host,
		Port:     cfg.port,
		Dest:     cfg.dest,
		Files:    cfg.files,
		LossP:    cfg.lossP,
		LossQ:    cfg.lossQ,
		LossSeed: time.Now().UnixNano(),
	})
	if err != nil {
		log.Error("failed to start receiver", "error", err)
		return err
	}
	log.Info("receiver running", "host", cfg.host, "files", len(cfg.files), "version", version)

	if err := cl.Run(ctx); err != nil {
		log.Error("transfer failed", "error", err)
		return err
	}
	log.Info("all transfers complete")
	return nil
}
