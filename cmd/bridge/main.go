// cmd/bridge/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/biglietteria/sigillo-bridge/internal/config"
	"github.com/biglietteria/sigillo-bridge/internal/logbuf"
	"github.com/biglietteria/sigillo-bridge/internal/reader"
	"github.com/biglietteria/sigillo-bridge/internal/reader/emulated"
	"github.com/biglietteria/sigillo-bridge/internal/reader/pcsc"
	"github.com/biglietteria/sigillo-bridge/internal/relay"
	"github.com/biglietteria/sigillo-bridge/internal/server"
	"github.com/biglietteria/sigillo-bridge/internal/session"
)

func main() {
	var (
		cfgPath   = pflag.String("config", "bridge.yaml", "path to the configuration file")
		useEmu    = pflag.Bool("emulated", false, "use the in-process card emulator instead of PC/SC hardware")
		demoCards = pflag.Bool("emulated-card", false, "insert a demo card into the emulator at startup")
	)
	pflag.Parse()

	// --------------------
	// Load + validate config
	// --------------------

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if err := config.Validate(cfg); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	config.Normalize(cfg)

	// --------------------
	// Logging: stderr + in-memory ring shared with the API
	// --------------------

	logs := logbuf.New()
	stderr := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(logbuf.NewHandler(logs, stderr))
	slog.SetDefault(logger)

	// --------------------
	// Persisted relay state overrides the file's relay section
	// --------------------

	store := config.NewStore(cfg.Bridge.StatePath)
	relayCfg := cfg.Relay
	if saved, ok, err := store.Load(); err != nil {
		logger.Warn("relay state load failed, using file config", "error", err)
	} else if ok {
		relayCfg = saved
	}
	if err := config.ValidateRelay(relayCfg); err != nil {
		logger.Error("relay config invalid", "error", err)
		os.Exit(1)
	}

	// --------------------
	// Card reader client
	// --------------------

	var client reader.Client
	if *useEmu {
		emu := emulated.New()
		if *demoCards {
			emu.InsertCard(emulated.NewCard(
				[8]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}, 0, 10000, 0x81,
			))
		}
		client = emu
		logger.Info("using emulated reader")
	} else {
		client, err = pcsc.New(pcsc.Config{Slot: cfg.Bridge.Slot})
		if err != nil {
			logger.Error("pcsc init failed", "error", err)
			os.Exit(1)
		}
	}
	defer client.Close()

	// --------------------
	// Session + relay + API
	// --------------------

	sess := session.New(client, session.Config{
		ProbeInterval: time.Duration(cfg.Bridge.ProbeIntervalMs) * time.Millisecond,
		OpTimeout:     time.Duration(cfg.Bridge.OpTimeoutMs) * time.Millisecond,
	}, logger)

	if err := sess.Start(); err != nil {
		logger.Error("session start failed", "error", err)
		os.Exit(1)
	}
	defer sess.Stop()

	rc := relay.New(sess, logs, relay.Options{}, logger)
	rc.Apply(relayCfg)
	defer rc.Disconnect()

	api := server.New(sess, rc, store, logs, relayCfg, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Bridge.Listen,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("bridge listening", "addr", cfg.Bridge.Listen)
		serveErr <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
}
