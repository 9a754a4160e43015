package service

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPServiceServesAndStops(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "pong")
	})
	svc := NewHTTP("api", &http.Server{Addr: "127.0.0.1:0", Handler: mux, ReadHeaderTimeout: time.Second})
	require.NoError(t, svc.Start(context.Background()))

	resp, err := http.Get("http://" + svc.Addr() + "/ping")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "pong", string(body))

	svc.RequestStop()
	svc.RequestStop()
	ex := svc.Wait()
	assert.Equal(t, ExitStopped, ex.Kind)
	assert.NoError(t, ex.Err)
}

func TestHTTPServiceBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	svc := NewHTTP("api", &http.Server{Addr: ln.Addr().String(), ReadHeaderTimeout: time.Second})
	err = svc.Start(context.Background())
	require.Error(t, err)
	assert.True(t, svc.Wait().Failed())
}
