//go:build !windows

package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"
)

func TestOSWaitReceivesSignal(t *testing.T) {
	// keeps the default action (exit) away even if the source is not yet subscribed
	guard := make(chan os.Signal, 1)
	signal.Notify(guard, syscall.SIGUSR1)
	defer signal.Stop(guard)

	src := NewOS(syscall.SIGUSR1)
	got := make(chan Kind, 1)
	go func() {
		k, _ := src.Wait(context.Background())
		got <- k
	}()
	// give Notify a moment to be installed before raising
	time.Sleep(50 * time.Millisecond)
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case k := <-got:
		if k != Kind("usr1") {
			t.Fatalf("unexpected kind %q", k)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("signal not delivered")
	}
}
