// Package metrics exposes Prometheus collectors for rcon traffic, log tailing and event dispatch.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "warden"

var (
	RconCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rcon_commands_total",
		Help:      "RCon packets sent, by server address and result.",
	}, []string{"address", "result"})

	LogBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "log_bytes_total",
		Help:      "Game log bytes consumed per session.",
	}, []string{"session"})

	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatches_total",
		Help:      "Event bus dispatches by listener and outcome.",
	}, []string{"listener", "outcome"})

	HandlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handler_failures_total",
		Help:      "Handler or routine invocations that returned an error or panicked.",
	}, []string{"handler"})

	SessionLifecycle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "session_lifecycle",
		Help:      "Current lifecycle of each session (0 disconnected, 1 connecting, 2 enabled, 3 held, 4 disabled).",
	}, []string{"session"})

	RosterSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "roster_players",
		Help:      "Players currently tracked per session.",
	}, []string{"session"})
)

// Serve exposes /metrics on addr until ctx is cancelled
func Serve(ctx context.Context, addr string, log logrus.FieldLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", addr).Info("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
