package signals

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
)

// Kind names an external shutdown request.
type Kind string

const (
	KindInterrupt Kind = "interrupt"
	KindTerminate Kind = "terminate"
	KindHangup    Kind = "hangup"
	KindQuit      Kind = "quit"
	KindManual    Kind = "manual"
)

// Source is anything the group can subscribe to for a shutdown request.
// Wait blocks until a signal arrives or ctx ends, in which case it returns ctx.Err().
type Source interface {
	Wait(ctx context.Context) (Kind, error)
}

// OS delivers process signals.
type OS struct {
	signals []os.Signal
}

// NewOS subscribes to the given signals, or to the platform termination
// signals when none are given.
func NewOS(sig ...os.Signal) *OS {
	if len(sig) == 0 {
		sig = terminationSignals
	}
	return &OS{signals: sig}
}

func (o *OS) Wait(ctx context.Context) (Kind, error) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, o.signals...)
	defer signal.Stop(ch)
	select {
	case s := <-ch:
		return KindOf(s), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// KindOf maps an os.Signal to a Kind.
func KindOf(s os.Signal) Kind {
	switch s {
	case os.Interrupt:
		return KindInterrupt
	case syscall.SIGTERM:
		return KindTerminate
	}
	if k, ok := platformKinds[s]; ok {
		return k
	}
	return Kind(strings.ToLower(s.String()))
}

// ParseSignals converts names such as "SIGTERM", "term" or "interrupt" into signals.
func ParseSignals(names []string) ([]os.Signal, error) {
	out := make([]os.Signal, 0, len(names))
	for _, n := range names {
		key := strings.ToUpper(strings.TrimSpace(n))
		key = strings.TrimPrefix(key, "SIG")
		s, ok := signalNames[key]
		if !ok {
			return nil, fmt.Errorf("unknown signal %q", n)
		}
		out = append(out, s)
	}
	return out, nil
}

// Manual is a Source fired programmatically, e.g. by the control API.
// The first Fire is latched: every current and later Wait observes it.
type Manual struct {
	once  sync.Once
	kind  Kind
	fired chan struct{}
}

func NewManual() *Manual {
	return &Manual{fired: make(chan struct{})}
}

// Fire delivers kind; later calls are ignored.
func (m *Manual) Fire(kind Kind) {
	m.once.Do(func() {
		m.kind = kind
		close(m.fired)
	})
}

func (m *Manual) Wait(ctx context.Context) (Kind, error) {
	select {
	case <-m.fired:
		return m.kind, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
