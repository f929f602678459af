// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ContractCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ethchat_contract_calls_total",
			Help: "Contract calls by method and outcome.",
		},
		[]string{"method", "outcome"},
	)
	ContractFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ethchat_contract_failures_total",
			Help: "Classified contract call failures.",
		},
		[]string{"method", "kind"},
	)
	TxGasUsed = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ethchat_tx_gas_used",
			Buckets: []float64{21000, 50000, 100000, 200000, 400000, 800000},
		},
		[]string{"method"},
	)
	Polls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ethchat_reconciler_polls_total",
			Help: "Conversation pulls by result (replaced, unchanged, stale).",
		},
		[]string{"result"},
	)
	PushEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ethchat_reconciler_push_events_total",
			Help: "Pushed message events by result (appended, duplicate, other_conversation, foreign).",
		},
		[]string{"result"},
	)
	ActiveTimers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ethchat_reconciler_active_timers",
	})
	LiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ethchat_reconciler_live_subscriptions",
	})
	BusDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ethchat_bus_dropped_events_total",
		},
		[]string{"kind"},
	)
)

// Outcome labels a contract call result.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Server exposes /metrics on addr.
type Server struct {
	srv *http.Server
}

// NewServer builds a metrics server. Serve is a no-op when addr is empty.
func NewServer(addr string) *Server {
	if addr == "" {
		return &Server{}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
}

// Serve blocks until the server stops.
func (s *Server) Serve() error {
	if s.srv == nil {
		return nil
	}
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
