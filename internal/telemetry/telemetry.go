package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/kuretru/Wattrouter-MQTT-Gateway/entity"
	"github.com/kuretru/Wattrouter-MQTT-Gateway/internal/utils"
)

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func Poll(ok bool) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`wattrouter_polls_total{result="%s"}`, result(ok))).Inc()
}

// FieldValue exports numeric field values; text fields such as SRT are skipped.
func FieldValue(field entity.Field, value string) {
	number, ok := utils.ParseFloat64(value)
	if !ok {
		return
	}
	metrics.GetOrCreateGauge(fmt.Sprintf(`wattrouter_field_value{field="%s"}`, field.Path), nil).Set(number)
}

func Published(ok bool) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`wattrouter_mqtt_published_total{result="%s"}`, result(ok))).Inc()
}

func Dropped() {
	metrics.GetOrCreateCounter(`wattrouter_mqtt_dropped_total`).Inc()
}

func Connect(ok bool) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`wattrouter_mqtt_connects_total{result="%s"}`, result(ok))).Inc()
}

func Disconnect() {
	metrics.GetOrCreateCounter(`wattrouter_mqtt_disconnects_total`).Inc()
}

func ConnectionState(state int) {
	metrics.GetOrCreateGauge(`wattrouter_mqtt_state`, nil).Set(float64(state))
}

func Command(output int, ok bool) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`wattrouter_commands_total{output="%d",result="%s"}`, output, result(ok))).Inc()
}

// Init starts the optional /metrics listener and the optional push loop. Both stop with ctx.
func Init(ctx context.Context, config entity.MetricsConfig, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	if config.PushURL != "" {
		interval := time.Duration(config.PushInterval) * time.Second
		if err := metrics.InitPush(config.PushURL, interval, "", true); err != nil {
			return fmt.Errorf("Telemetry: init push failed, %w", err)
		}
		logger.Info("Telemetry: pushing metrics", "url", config.PushURL, "interval", interval)
	}

	if config.Listen == "" {
		return nil
	}
	listener, err := net.Listen("tcp", config.Listen)
	if err != nil {
		return fmt.Errorf("Telemetry: listen on %v failed, %w", config.Listen, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Telemetry: metrics server failed", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	logger.Info("Telemetry: serving metrics", "listen", listener.Addr().String())
	return nil
}
