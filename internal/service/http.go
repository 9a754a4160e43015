package service

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultHTTPShutdownTimeout bounds graceful draining before the server is closed.
const DefaultHTTPShutdownTimeout = 30 * time.Second

// HTTP runs an *http.Server as a Service. The listener is bound inside Start
// so address errors surface as start failures. A non-nil srv.TLSConfig
// serves HTTPS; it must provide Certificates or GetCertificate.
type HTTP struct {
	name            string
	srv             *http.Server
	ShutdownTimeout time.Duration

	started      atomic.Bool
	stopping     atomic.Bool
	stopOnce     sync.Once
	shutdownDone chan struct{}
	done         chan struct{}
	exit         Exit
	addr         atomic.Value
}

func NewHTTP(name string, srv *http.Server) *HTTP {
	return &HTTP{
		name:            name,
		srv:             srv,
		ShutdownTimeout: DefaultHTTPShutdownTimeout,
		shutdownDone:    make(chan struct{}),
		done:            make(chan struct{}),
	}
}

func (h *HTTP) Name() string { return h.name }

// Addr returns the bound listener address, or the configured one before Start.
func (h *HTTP) Addr() string {
	if v, ok := h.addr.Load().(string); ok {
		return v
	}
	return h.srv.Addr
}

func (h *HTTP) Start(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	addr := h.srv.Addr
	if addr == "" {
		addr = ":http"
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		h.exit = Failed(err)
		close(h.done)
		return err
	}
	h.addr.Store(ln.Addr().String())
	if h.srv.TLSConfig != nil {
		ln = tls.NewListener(ln, h.srv.TLSConfig)
	}
	go func() {
		err := h.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			if h.stopping.Load() {
				<-h.shutdownDone
			}
			h.exit = Stopped()
		} else {
			h.exit = Failed(err)
		}
		close(h.done)
	}()
	return nil
}

func (h *HTTP) Wait() Exit {
	<-h.done
	return h.exit
}

func (h *HTTP) RequestStop() {
	h.stopOnce.Do(func() {
		h.stopping.Store(true)
		go func() {
			defer close(h.shutdownDone)
			timeout := h.ShutdownTimeout
			if timeout <= 0 {
				timeout = DefaultHTTPShutdownTimeout
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := h.srv.Shutdown(ctx); err != nil {
				_ = h.srv.Close()
			}
		}()
	})
}
