// Package app turns a loaded configuration into a runnable service group.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/svcgroup/internal/auth"
	"github.com/loykin/svcgroup/internal/config"
	"github.com/loykin/svcgroup/internal/group"
	"github.com/loykin/svcgroup/internal/history"
	"github.com/loykin/svcgroup/internal/history/factory"
	"github.com/loykin/svcgroup/internal/logger"
	"github.com/loykin/svcgroup/internal/metrics"
	"github.com/loykin/svcgroup/internal/server"
	"github.com/loykin/svcgroup/internal/service"
	"github.com/loykin/svcgroup/internal/services/cron"
	"github.com/loykin/svcgroup/internal/services/invoke"
	"github.com/loykin/svcgroup/internal/services/sqldb"
	"github.com/loykin/svcgroup/internal/signals"
	itls "github.com/loykin/svcgroup/internal/tls"
)

const recorderDrainTimeout = 10 * time.Second

// Options override parts of what Build derives from the configuration.
type Options struct {
	// Logger replaces the logger built from the [log] section.
	Logger *slog.Logger
	// Signals replaces the OS signal subscription.
	Signals signals.Source
	// Registry receives the metrics collectors instead of the default registry.
	Registry *prometheus.Registry
	// Sink replaces the history sink built from history.dsn.
	Sink history.Sink
}

// App is a configured group plus the resources that outlive a single Run.
type App struct {
	Group    *group.Group
	Logger   *slog.Logger
	Recorder *history.Recorder
	Control  *service.HTTP
	Metrics  *service.HTTP
	// Services are the members built from [[services]], in file order.
	Services []service.Service

	closers []io.Closer
}

// Build validates cfg and assembles the group: the metrics endpoint first when
// enabled, then the configured services in file order, then the control API.
func Build(cfg *config.Config, opts Options) (a *App, err error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a = &App{}
	defer func() {
		if err != nil {
			if a.Recorder != nil {
				_ = a.Recorder.Close(context.Background())
			}
			_ = a.closeResources()
		}
	}()

	log := opts.Logger
	if log == nil {
		l, closer, lerr := logger.New(cfg.Log.Logger())
		if lerr != nil {
			return nil, fmt.Errorf("logger: %w", lerr)
		}
		log = l
		a.closers = append(a.closers, closer)
	}
	a.Logger = log

	gopts := []group.Option{
		group.WithLogger(log),
		group.WithPolicy(group.Policy{
			GracePeriod:          cfg.Group.GracePeriod,
			CascadeStartFailure:  cfg.Group.CascadeStartFailure,
			ExitTriggersShutdown: cfg.Group.ExitTriggersShutdown,
			IgnoreSignals:        cfg.Group.IgnoreSignals,
		}),
	}
	src, err := signalSource(cfg, opts)
	if err != nil {
		return nil, err
	}
	if src != nil {
		gopts = append(gopts, group.WithSignalSource(src))
	}

	var services []service.Service
	if cfg.Metrics.Enabled {
		var reg prometheus.Registerer = prometheus.DefaultRegisterer
		h := metrics.Handler()
		if opts.Registry != nil {
			reg = opts.Registry
			h = metrics.HandlerFor(opts.Registry)
		}
		if err := metrics.Register(reg); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, h)
		a.Metrics = service.NewHTTP(config.MetricsServiceName, &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
		a.Metrics.ShutdownTimeout = 5 * time.Second
		services = append(services, a.Metrics)
	}

	for _, sc := range cfg.Services {
		svc, err := buildService(cfg, sc, log)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
		a.Services = append(a.Services, svc)
	}

	if cfg.History.Enabled || opts.Sink != nil {
		sink := opts.Sink
		if sink == nil {
			sink, err = factory.NewSinkFromDSN(cfg.History.DSN)
			if err != nil {
				return nil, fmt.Errorf("history sink: %w", err)
			}
			if c, ok := sink.(io.Closer); ok {
				a.closers = append(a.closers, c)
			}
		}
		a.Recorder = history.NewRecorder(sink, cfg.History.QueueSize, log)
		gopts = append(gopts, group.WithObserver(a.Recorder))
	}

	g, err := group.New(cfg.Group.Name, services, gopts...)
	if err != nil {
		return nil, err
	}
	a.Group = g

	if cfg.Server.Enabled {
		tlsCfg, err := itls.SetupTLS(cfg.Server)
		if err != nil {
			return nil, fmt.Errorf("server tls: %w", err)
		}
		var ropts []server.RouterOption
		if ac := cfg.Server.Auth; ac != nil && ac.Enabled {
			svc, err := auth.NewAuthService(*ac)
			if err != nil {
				return nil, fmt.Errorf("server auth: %w", err)
			}
			ropts = append(ropts, server.WithAuth(auth.NewMiddleware(svc)))
		}
		a.Control = server.NewService(config.ControlServiceName, cfg.Server.Listen,
			server.NewRouter(g, cfg.Server.BasePath, ropts...), tlsCfg)
		if err := g.Add(a.Control); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Service returns the configured member called name, or nil.
func (a *App) Service(name string) service.Service {
	for _, s := range a.Services {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// Run runs the group to completion and then releases every resource.
func (a *App) Run(ctx context.Context) (*group.Outcome, error) {
	out, err := a.Group.Run(ctx)
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recorderDrainTimeout)
	defer cancel()
	if cerr := a.Close(cctx); cerr != nil {
		a.Logger.Warn("Releasing resources failed", "error", cerr)
	}
	return out, err
}

// Close drains the history recorder and closes sinks and log files.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Recorder != nil {
		if err := a.Recorder.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("history: %w", err))
		}
		if n := a.Recorder.Dropped(); n > 0 {
			a.Logger.Warn("History events dropped", "count", n)
		}
	}
	errs = append(errs, a.closeResources())
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func signalSource(cfg *config.Config, opts Options) (signals.Source, error) {
	if opts.Signals != nil {
		return opts.Signals, nil
	}
	if cfg.Group.IgnoreSignals {
		return nil, nil
	}
	sigs, err := signals.ParseSignals(cfg.Group.Signals)
	if err != nil {
		return nil, err
	}
	return signals.NewOS(sigs...), nil
}

func buildService(cfg *config.Config, sc config.ServiceConfig, log *slog.Logger) (service.Service, error) {
	switch sc.Type {
	case config.TypeSQLDB:
		return sqldb.New(sqldb.Config{
			Name:             sc.Name,
			DSN:              sc.DSN,
			MaxOpenConns:     sc.MaxOpenConns,
			MaxIdleConns:     sc.MaxIdleConns,
			ConnMaxLifetime:  sc.ConnMaxLifetime,
			PingInterval:     sc.PingInterval,
			FailureThreshold: sc.FailureThreshold,
		}, log)
	case config.TypeInvoke:
		h, err := invokeHandler(sc)
		if err != nil {
			return nil, fmt.Errorf("service %s: %w", sc.Name, err)
		}
		return invoke.New(invoke.Config{
			Name:        sc.Name,
			Listen:      sc.Listen,
			Function:    sc.Function,
			Timeout:     sc.Timeout,
			Concurrency: sc.Concurrency,
		}, h, log)
	case config.TypeCron:
		env, err := cfg.Environ()
		if err != nil {
			return nil, err
		}
		if !cfg.UseOSEnv && len(env) == 0 {
			env = nil
		}
		jobs := make([]cron.Job, 0, len(sc.Jobs))
		for _, jc := range sc.Jobs {
			jobs = append(jobs, cron.Job{
				Name:     jc.Name,
				Schedule: jc.Schedule,
				Command:  jc.Command,
				WorkDir:  jc.WorkDir,
				Env:      jc.Env,
				Timeout:  jc.Timeout,
			})
		}
		return cron.New(cron.Config{Name: sc.Name, Env: env}, jobs, log)
	default:
		return nil, fmt.Errorf("service %s: unknown type %q", sc.Name, sc.Type)
	}
}

// invokeHandler resolves the handler explicitly named, else one registered
// under the function name, else the echo handler.
func invokeHandler(sc config.ServiceConfig) (invoke.Handler, error) {
	if sc.Handler != "" {
		return invoke.Lookup(sc.Handler)
	}
	if h, err := invoke.Lookup(sc.Function); err == nil {
		return h, nil
	}
	return invoke.Lookup("echo")
}
