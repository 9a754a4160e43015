package server

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/svcgroup/internal/auth"
	"github.com/loykin/svcgroup/internal/group"
	"github.com/loykin/svcgroup/internal/service"
)

// Controller is the part of *group.Group the control API needs.
type Controller interface {
	Snapshot() group.Snapshot
	Outcome() *group.Outcome
	Stop()
}

// Router provides embeddable HTTP handlers for observing and stopping a group.
// Endpoints:
//
//	GET  {basePath}/status           group and member states
//	GET  {basePath}/services/:name   one member
//	POST {basePath}/stop             explicit stop request
//	GET  {basePath}/outcome          terminal outcome, 409 until terminated
//	GET  {basePath}/healthz          liveness
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      Controller
	basePath string
	auth     *auth.Middleware
}

type RouterOption func(*Router)

// WithAuth requires authentication on every endpoint except healthz.
// Reads need group:read and stop needs group:stop.
func WithAuth(m *auth.Middleware) RouterOption { return func(r *Router) { r.auth = m } }

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/abc" results in /abc/status, /abc/stop, /abc/outcome.
func NewRouter(ctl Controller, basePath string, opts ...RouterOption) *Router {
	r := &Router{ctl: ctl, basePath: sanitizeBase(basePath)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET(r.basePath+"/healthz", r.handleHealthz)

	grp := g.Group(r.basePath, r.auth.GinAuth())
	read := r.auth.GinRequirePermission(auth.ResourceGroup, auth.ActionRead)
	grp.GET("/status", read, r.handleStatus)
	grp.GET("/services/:name", read, r.handleService)
	grp.GET("/outcome", read, r.handleOutcome)
	grp.POST("/stop", r.auth.GinRequirePermission(auth.ResourceGroup, auth.ActionStop), r.handleStop)
	return g
}

// NewService wraps the router in an HTTP server that runs as a group member.
// tlsCfg may be nil for plain HTTP.
func NewService(name, addr string, r *Router, tlsCfg *tls.Config) *service.HTTP {
	srv := &http.Server{
		Addr:              addr,
		TLSConfig:         tlsCfg,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	svc := service.NewHTTP(name, srv)
	svc.ShutdownTimeout = 5 * time.Second
	return svc
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type triggerResp struct {
	Kind         string    `json:"kind"`
	At           time.Time `json:"at"`
	Signal       string    `json:"signal,omitempty"`
	Service      string    `json:"service,omitempty"`
	Exit         string    `json:"exit,omitempty"`
	StartFailure bool      `json:"start_failure,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Failure      bool      `json:"failure"`
	Description  string    `json:"description"`
}

type serviceResp struct {
	Name  string `json:"name"`
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

type statusResp struct {
	Group    string        `json:"group"`
	RunID    string        `json:"run_id"`
	State    string        `json:"state"`
	Trigger  *triggerResp  `json:"trigger,omitempty"`
	Services []serviceResp `json:"services"`
}

type outcomeResp struct {
	Group      string        `json:"group"`
	RunID      string        `json:"run_id"`
	Success    bool          `json:"success"`
	Trigger    triggerResp   `json:"trigger"`
	Secondary  []triggerResp `json:"secondary,omitempty"`
	Abandoned  []string      `json:"abandoned,omitempty"`
	Failures   []string      `json:"failures,omitempty"`
	Services   []serviceResp `json:"services"`
	StartedAt  time.Time     `json:"started_at"`
	StoppedAt  time.Time     `json:"stopped_at"`
	DurationMS int64         `json:"duration_ms"`
	Error      string        `json:"error,omitempty"`
}

func toTrigger(t group.Trigger) triggerResp {
	tr := triggerResp{
		Kind:         string(t.Kind),
		At:           t.At,
		Signal:       string(t.Signal),
		Service:      t.Service,
		StartFailure: t.StartFailure,
		Reason:       t.Reason,
		Failure:      t.IsFailure(),
		Description:  t.String(),
	}
	if t.Kind == group.TriggerServiceExited {
		tr.Exit = string(t.Exit.Kind)
	}
	return tr
}

func toStatus(s group.Snapshot) statusResp {
	out := statusResp{Group: s.Group, RunID: s.RunID, State: string(s.State), Services: make([]serviceResp, len(s.Services))}
	if s.Trigger != nil {
		t := toTrigger(*s.Trigger)
		out.Trigger = &t
	}
	for i, svc := range s.Services {
		out.Services[i] = serviceResp{Name: svc.Name, State: string(svc.State)}
	}
	return out
}

func toOutcome(o *group.Outcome) outcomeResp {
	out := outcomeResp{
		Group:      o.Group,
		RunID:      o.RunID,
		Success:    o.Success(),
		Trigger:    toTrigger(o.Trigger),
		Abandoned:  o.Abandoned,
		Services:   make([]serviceResp, len(o.Services)),
		StartedAt:  o.StartedAt,
		StoppedAt:  o.StoppedAt,
		DurationMS: o.Duration().Milliseconds(),
	}
	for _, t := range o.Secondary {
		out.Secondary = append(out.Secondary, toTrigger(t))
	}
	for _, err := range o.Failures {
		out.Failures = append(out.Failures, err.Error())
	}
	for i, s := range o.Services {
		out.Services[i] = serviceResp{Name: s.Name, State: string(s.State)}
		if s.Err != nil {
			out.Services[i].Error = s.Err.Error()
		}
	}
	if err := o.Err(); err != nil {
		out.Error = err.Error()
	}
	return out
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, toStatus(r.ctl.Snapshot()))
}

func (r *Router) handleService(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name: allowed [A-Za-z0-9._-] and no '..'"})
		return
	}
	for _, s := range r.ctl.Snapshot().Services {
		if s.Name == name {
			writeJSON(c, http.StatusOK, serviceResp{Name: s.Name, State: string(s.State)})
			return
		}
	}
	writeJSON(c, http.StatusNotFound, errorResp{Error: "service not found: " + name})
}

func (r *Router) handleStop(c *gin.Context) {
	if r.ctl.Snapshot().State == group.StateTerminated {
		writeJSON(c, http.StatusConflict, errorResp{Error: "group already terminated"})
		return
	}
	r.ctl.Stop()
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleOutcome(c *gin.Context) {
	o := r.ctl.Outcome()
	if o == nil {
		writeJSON(c, http.StatusConflict, errorResp{Error: "group has not terminated (state " + string(r.ctl.Snapshot().State) + ")"})
		return
	}
	writeJSON(c, http.StatusOK, toOutcome(o))
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
