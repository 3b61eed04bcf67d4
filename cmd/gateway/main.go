package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kuretru/Wattrouter-MQTT-Gateway/entity"
	"github.com/kuretru/Wattrouter-MQTT-Gateway/internal/bridge"
	"github.com/kuretru/Wattrouter-MQTT-Gateway/internal/telemetry"
)

var version = "dev"

const levelFatal = slog.LevelError + 4

func main() {
	configFilePath := flag.String("config", "./configs/gateway.yaml", "Config file path")
	verbosity := flag.Int("v", 0, "Verbosity 1-fatal, 2-error, 3-warning, 4-info, 5-debug")
	logFilePath := flag.String("l", "", "Log file path, in addition to stderr")
	flag.Parse()

	config, err := loadConfig(*configFilePath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(3)
	}
	if *verbosity > 0 {
		config.Log.Level = *verbosity
	}
	if *logFilePath != "" {
		config.Log.File = *logFilePath
	}

	logger, closeLog, err := newLogger(config.Log)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Open log file failed, %v\n", err)
		os.Exit(2)
	}
	defer closeLog()
	slog.SetDefault(logger)

	app, err := bridge.New(config, bridge.Options{Logger: logger, Version: version})
	if err != nil {
		if errors.Is(err, entity.ErrMissingDeviceHost) {
			logger.Log(context.Background(), levelFatal, "Gateway: device host not specified, set device.host")
		} else {
			logger.Log(context.Background(), levelFatal, "Gateway: init failed", "err", err)
		}
		closeLog()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if err = telemetry.Init(ctx, config.Metrics, logger); err != nil {
		logger.Error("Gateway: metrics disabled", "err", err)
	}

	logger.Info("Gateway: starting", "version", version)
	if err = app.Run(ctx); err != nil {
		logger.Error("Gateway: run failed", "err", err)
	}
	logger.Info("Received shutdown signal, exiting gracefully...")
}

// levelOf maps the 1..5 verbosity scale onto slog levels.
func levelOf(verbosity int) slog.Level {
	switch {
	case verbosity <= 1:
		return levelFatal
	case verbosity == 2:
		return slog.LevelError
	case verbosity == 3:
		return slog.LevelWarn
	case verbosity == 4:
		return slog.LevelInfo
	}
	return slog.LevelDebug
}

func newLogger(config entity.LogConfig) (*slog.Logger, func(), error) {
	var w io.Writer = os.Stderr
	closeLog := func() {}
	if config.File != "" {
		file, err := os.OpenFile(config.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		w = io.MultiWriter(file, os.Stderr)
		closeLog = func() { _ = file.Close() }
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: levelOf(config.Level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if level, ok := a.Value.Any().(slog.Level); ok && level >= levelFatal {
					a.Value = slog.StringValue("FATAL")
				}
			}
			return a
		},
	})
	return slog.New(handler), closeLog, nil
}
