// Package cron runs scheduled jobs as a group member. Job failures are the
// scheduler's own business: they are logged and counted, never fatal.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/loykin/svcgroup/internal/metrics"
	"github.com/loykin/svcgroup/internal/service"
)

const (
	DefaultJobTimeout = 5 * time.Minute
	maxRunHistory     = 100
	maxOutputBytes    = 4096
)

// Job is one scheduled unit. Exactly one of Command or Func must be set.
type Job struct {
	Name     string
	Schedule string
	Command  string
	WorkDir  string
	Env      []string
	Timeout  time.Duration
	Func     func(ctx context.Context) error
}

// Run records a finished job execution.
type Run struct {
	Job      string
	Started  time.Time
	Finished time.Time
	Err      error
}

type Config struct {
	Name     string
	Location *time.Location
	// Env is the base environment for command jobs; nil inherits the process env.
	Env []string
}

type Service struct {
	*service.Func
	cfg  Config
	jobs []Job
	log  *slog.Logger

	mu   sync.Mutex
	runs []Run
}

var parser = robfig.NewParser(robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow | robfig.Descriptor)

func New(cfg Config, jobs []Job, log *slog.Logger) (*Service, error) {
	if cfg.Name == "" {
		return nil, errors.New("cron: name is required")
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("cron %s: no jobs", cfg.Name)
	}
	for i, j := range jobs {
		if j.Name == "" {
			return nil, fmt.Errorf("cron %s: job %d has no name", cfg.Name, i)
		}
		if (j.Command == "") == (j.Func == nil) {
			return nil, fmt.Errorf("cron %s: job %s needs exactly one of command or func", cfg.Name, j.Name)
		}
		if _, err := parser.Parse(j.Schedule); err != nil {
			return nil, fmt.Errorf("cron %s: job %s: %w", cfg.Name, j.Name, err)
		}
		if j.Timeout <= 0 {
			jobs[i].Timeout = DefaultJobTimeout
		}
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Service{cfg: cfg, jobs: jobs, log: log.With("service", cfg.Name)}
	s.Func = service.NewFunc(cfg.Name, s.run)
	return s, nil
}

// Runs returns the most recent job executions, oldest first.
func (s *Service) Runs() []Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Run(nil), s.runs...)
}

func (s *Service) run(ctx context.Context, ready func()) error {
	logger := cronLogger{s.log}
	c := robfig.New(
		robfig.WithLocation(s.cfg.Location),
		robfig.WithParser(parser),
		robfig.WithLogger(logger),
		robfig.WithChain(robfig.Recover(logger), robfig.SkipIfStillRunning(logger)),
	)
	for _, j := range s.jobs {
		job := j
		if _, err := c.AddFunc(job.Schedule, func() { s.execute(ctx, job) }); err != nil {
			return fmt.Errorf("schedule job %s: %w", job.Name, err)
		}
	}
	c.Start()
	s.log.Info("Scheduler started", "jobs", len(s.jobs))
	ready()

	<-ctx.Done()
	// running jobs see ctx cancelled; wait for them to return
	<-c.Stop().Done()
	s.log.Info("Scheduler stopped")
	return nil
}

func (s *Service) execute(parent context.Context, j Job) {
	if parent.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(parent, j.Timeout)
	defer cancel()

	r := Run{Job: j.Name, Started: time.Now()}
	if j.Func != nil {
		r.Err = j.Func(ctx)
	} else {
		r.Err = s.runCommand(ctx, j)
	}
	r.Finished = time.Now()

	result := "ok"
	if r.Err != nil {
		result = "error"
		s.log.Warn("Job failed", "job", j.Name, "took", r.Finished.Sub(r.Started), "error", r.Err)
	} else {
		s.log.Debug("Job finished", "job", j.Name, "took", r.Finished.Sub(r.Started))
	}
	metrics.IncCronRun(s.cfg.Name, j.Name, result)

	s.mu.Lock()
	s.runs = append(s.runs, r)
	if len(s.runs) > maxRunHistory {
		s.runs = s.runs[len(s.runs)-maxRunHistory:]
	}
	s.mu.Unlock()
}

func (s *Service) runCommand(ctx context.Context, j Job) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", j.Command)
	cmd.Dir = j.WorkDir
	if s.cfg.Env != nil || len(j.Env) > 0 {
		base := s.cfg.Env
		if base == nil {
			base = os.Environ()
		}
		cmd.Env = append(append([]string(nil), base...), j.Env...)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if len(msg) > maxOutputBytes {
			msg = msg[:maxOutputBytes]
		}
		if msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// cronLogger adapts slog to robfig.Logger.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
