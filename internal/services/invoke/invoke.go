// Package invoke runs a function-invocation runtime as a group member: one
// decoded input per HTTP call, handed to a Handler with its InitContext.
package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/loykin/svcgroup/internal/metrics"
	"github.com/loykin/svcgroup/internal/service"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultConcurrency = 1
	MaxInputBytes      = 6 << 20

	RequestIDHeader = "X-Request-Id"
)

type Config struct {
	Name     string
	Listen   string
	Function string
	// Timeout bounds a single invocation.
	Timeout time.Duration
	// Concurrency caps in-flight invocations; callers beyond it wait.
	Concurrency int
}

type Service struct {
	*service.HTTP
	cfg     Config
	handler Handler
	log     *slog.Logger
	sem     chan struct{}
	echo    *echo.Echo
}

type response struct {
	RequestID string `json:"request_id"`
	Output    any    `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}

func New(cfg Config, h Handler, log *slog.Logger) (*Service, error) {
	if cfg.Name == "" {
		return nil, errors.New("invoke: name is required")
	}
	if h == nil {
		return nil, fmt.Errorf("invoke %s: nil handler", cfg.Name)
	}
	if cfg.Function == "" {
		cfg.Function = cfg.Name
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		cfg:     cfg,
		handler: h,
		log:     log.With("service", cfg.Name, "function", cfg.Function),
		sem:     make(chan struct{}, cfg.Concurrency),
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.POST("/invoke", s.invoke)
	e.GET("/healthz", s.healthz)
	s.echo = e

	srv := &http.Server{Addr: cfg.Listen, Handler: e, ReadHeaderTimeout: 10 * time.Second}
	s.HTTP = service.NewHTTP(cfg.Name, srv)
	return s, nil
}

// Handler exposes the echo application, e.g. for httptest.
func (s *Service) Handler() http.Handler { return s.echo }

func (s *Service) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "function": s.cfg.Function})
}

func (s *Service) invoke(c echo.Context) error {
	req := c.Request()
	id := req.Header.Get(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	c.Response().Header().Set(RequestIDHeader, id)

	body, err := io.ReadAll(io.LimitReader(req.Body, MaxInputBytes+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, response{RequestID: id, Error: "read input: " + err.Error()})
	}
	if len(body) > MaxInputBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, response{RequestID: id, Error: "input too large"})
	}
	if !json.Valid(body) {
		return c.JSON(http.StatusBadRequest, response{RequestID: id, Error: "input is not valid JSON"})
	}

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-req.Context().Done():
		return c.JSON(http.StatusServiceUnavailable, response{RequestID: id, Error: "invocation cancelled while queued"})
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(req.Context(), s.cfg.Timeout)
	defer cancel()
	deadline, _ := ctx.Deadline()
	ic := InitContext{RequestID: id, FunctionName: s.cfg.Function, InvokedAt: start, Deadline: deadline}

	out, err := s.call(ctx, ic, body)
	took := time.Since(start)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		metrics.ObserveInvocation(s.cfg.Function, "timeout", took.Seconds())
		s.log.Warn("Invocation timed out", "request_id", id, "timeout", s.cfg.Timeout)
		return c.JSON(http.StatusGatewayTimeout, response{RequestID: id, Error: err.Error()})
	case err != nil:
		metrics.ObserveInvocation(s.cfg.Function, "error", took.Seconds())
		s.log.Warn("Invocation failed", "request_id", id, "error", err)
		return c.JSON(http.StatusBadGateway, response{RequestID: id, Error: err.Error()})
	}
	metrics.ObserveInvocation(s.cfg.Function, "ok", took.Seconds())
	s.log.Debug("Invocation completed", "request_id", id, "took", took)
	return c.JSON(http.StatusOK, response{RequestID: id, Output: out})
}

// call runs the handler and returns when it finishes or ctx ends. A handler
// that ignores ctx keeps running in the background; its result is discarded
// and the concurrency slot is released with the response.
func (s *Service) call(ctx context.Context, ic InitContext, input json.RawMessage) (any, error) {
	type result struct {
		out any
		err error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		defer func() {
			if p := recover(); p != nil {
				r = result{err: fmt.Errorf("handler panicked: %v", p)}
			}
			done <- r
		}()
		r.out, r.err = s.handler.Invoke(ctx, ic, input)
	}()
	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		s.log.Warn("Handler ignored cancellation", "request_id", ic.RequestID)
		return nil, ctx.Err()
	}
}
