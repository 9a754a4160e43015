// Package svcgroup runs a fixed set of long-running services as one unit:
// start them together, wait for the first termination trigger (a signal, a
// service exit or an explicit stop), stop the rest within a grace period and
// report a single outcome.
package svcgroup

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/svcgroup/internal/app"
	cfg "github.com/loykin/svcgroup/internal/config"
	"github.com/loykin/svcgroup/internal/group"
	"github.com/loykin/svcgroup/internal/history"
	"github.com/loykin/svcgroup/internal/history/factory"
	"github.com/loykin/svcgroup/internal/metrics"
	iapi "github.com/loykin/svcgroup/internal/server"
	"github.com/loykin/svcgroup/internal/service"
	"github.com/loykin/svcgroup/internal/signals"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Service = service.Service

type ServiceState = service.State

type Exit = service.Exit

type RunFunc = service.RunFunc

type Group = group.Group

type GroupState = group.State

type Policy = group.Policy

type Option = group.Option

type Trigger = group.Trigger

type Outcome = group.Outcome

type Snapshot = group.Snapshot

type Event = group.Event

type Observer = group.Observer

type ObserverFunc = group.ObserverFunc

type SignalSource = signals.Source

type SignalKind = signals.Kind

type StartFailureError = group.StartFailureError

type RuntimeFailureError = group.RuntimeFailureError

type ShutdownTimeoutError = group.ShutdownTimeoutError

type InvalidStateError = group.InvalidStateError

type Config = cfg.Config

type HistorySink = history.Sink

type App = app.App

type AppOptions = app.Options

const (
	StateIdle       = group.StateIdle
	StateStarting   = group.StateStarting
	StateRunning    = group.StateRunning
	StateStopping   = group.StateStopping
	StateTerminated = group.StateTerminated
)

// New creates an idle group over services in registration order.
func New(name string, services []Service, opts ...Option) (*Group, error) {
	return group.New(name, services, opts...)
}

func DefaultPolicy() Policy { return group.DefaultPolicy() }

func WithPolicy(p Policy) Option               { return group.WithPolicy(p) }
func WithSignalSource(src SignalSource) Option { return group.WithSignalSource(src) }
func WithObserver(o Observer) Option           { return group.WithObserver(o) }

// NewFunc adapts a blocking function into a Service. The function must call
// ready once it is serving and return when ctx is cancelled.
func NewFunc(name string, run RunFunc) *service.Func { return service.NewFunc(name, run) }

// NewHTTP runs srv as a Service; the listener is bound during Start.
func NewHTTP(name string, srv *http.Server) *service.HTTP { return service.NewHTTP(name, srv) }

// NewOSSignals subscribes to sig, or to the platform termination signals when none are given.
func NewOSSignals(sig ...string) (SignalSource, error) {
	parsed, err := signals.ParseSignals(sig)
	if err != nil {
		return nil, err
	}
	return signals.NewOS(parsed...), nil
}

func NewManualSignals() *signals.Manual { return signals.NewManual() }

func LoadConfig(path string) (*Config, error) {
	return cfg.LoadConfig(path)
}

// Build assembles a runnable App from a loaded configuration.
func Build(c *Config, opts AppOptions) (*App, error) { return app.Build(c, opts) }

// NewControlServer exposes the control API of g as a group member listening on addr.
func NewControlServer(name, addr, basePath string, g *Group) *service.HTTP {
	return iapi.NewService(name, addr, iapi.NewRouter(g, basePath), nil)
}

// NewHistorySink opens a history sink from a DSN (sqlite, postgres, clickhouse or opensearch).
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// NewMetricsServer returns a Service serving the default registry at /metrics.
func NewMetricsServer(addr string) *service.HTTP {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return service.NewHTTP(cfg.MetricsServiceName, &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	})
}
