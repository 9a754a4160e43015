// Package sqldb exposes a pooled database/sql client as a group member.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/loykin/svcgroup/internal/metrics"
	"github.com/loykin/svcgroup/internal/service"
)

const (
	DefaultPingInterval     = 30 * time.Second
	DefaultPingTimeout      = 5 * time.Second
	DefaultFailureThreshold = 3
)

// ErrUnhealthy is returned when consecutive health checks exceed the failure threshold.
var ErrUnhealthy = errors.New("database unhealthy")

type Config struct {
	Name            string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// PingInterval is the health check period; zero uses DefaultPingInterval.
	PingInterval time.Duration
	PingTimeout  time.Duration
	// FailureThreshold consecutive failed pings end the service with a failure.
	FailureThreshold int
}

// Service owns a *sql.DB for the lifetime of a group run.
type Service struct {
	*service.Func
	cfg    Config
	driver string
	source string
	log    *slog.Logger
	db     atomic.Pointer[sql.DB]
}

func New(cfg Config, log *slog.Logger) (*Service, error) {
	if cfg.Name == "" {
		return nil, errors.New("sqldb: name is required")
	}
	driver, source, err := ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqldb %s: %w", cfg.Name, err)
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Service{cfg: cfg, driver: driver, source: source, log: log.With("service", cfg.Name)}
	s.Func = service.NewFunc(cfg.Name, s.run)
	return s, nil
}

// ParseDSN picks the database/sql driver for dsn.
// postgres:// and postgresql:// use pgx; sqlite:// and bare paths use sqlite.
func ParseDSN(dsn string) (driver, source string, err error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return "", "", errors.New("empty DSN")
	}
	ld := strings.ToLower(d)
	switch {
	case strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://"):
		return "pgx", d, nil
	case strings.HasPrefix(ld, "sqlite://"):
		return "sqlite", d[len("sqlite://"):], nil
	case strings.Contains(d, "://"):
		return "", "", fmt.Errorf("unsupported DSN scheme: %s", d)
	default:
		return "sqlite", d, nil
	}
}

// DB returns the pool once the service is running, nil otherwise.
func (s *Service) DB() *sql.DB { return s.db.Load() }

// Driver reports the database/sql driver in use.
func (s *Service) Driver() string { return s.driver }

func (s *Service) run(ctx context.Context, ready func()) error {
	db, err := sql.Open(s.driver, s.source)
	if err != nil {
		return err
	}
	defer func() {
		s.db.Store(nil)
		if cerr := db.Close(); cerr != nil {
			s.log.Warn("Closing database pool failed", "error", cerr)
		}
	}()
	if s.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	} else if s.driver == "sqlite" && strings.Contains(s.source, ":memory:") {
		// each connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}
	if s.cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	}
	if s.cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)
	}
	if err := s.ping(ctx, db); err != nil {
		return fmt.Errorf("initial ping: %w", err)
	}
	s.db.Store(db)
	s.log.Info("Database pool ready", "driver", s.driver)
	ready()

	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.ping(ctx, db); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				failures++
				metrics.IncDBPingFailure(s.cfg.Name)
				s.log.Warn("Database health check failed", "failures", failures, "error", err)
				if failures >= s.cfg.FailureThreshold {
					return fmt.Errorf("%w: %d consecutive failed pings: %v", ErrUnhealthy, failures, err)
				}
				continue
			}
			failures = 0
		}
	}
}

func (s *Service) ping(ctx context.Context, db *sql.DB) error {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
	defer cancel()
	return db.PingContext(pctx)
}
