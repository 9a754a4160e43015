package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svcgroup/internal/service"
)

func waitRuns(t *testing.T, s *Service, n int) []Run {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.Runs()) >= n }, 4*time.Second, 20*time.Millisecond)
	return s.Runs()
}

func TestNewValidatesJobs(t *testing.T) {
	_, err := New(Config{Name: "jobs"}, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{Name: "jobs"}, []Job{{Name: "a", Schedule: "bogus", Command: "true"}}, nil)
	assert.Error(t, err)

	_, err = New(Config{Name: "jobs"}, []Job{{Name: "a", Schedule: "@hourly"}}, nil)
	assert.Error(t, err, "job without command or func")

	_, err = New(Config{Name: "jobs"}, []Job{{Name: "a", Schedule: "@hourly", Command: "true", Func: func(context.Context) error { return nil }}}, nil)
	assert.Error(t, err, "job with both command and func")

	s, err := New(Config{Name: "jobs"}, []Job{{Name: "a", Schedule: "*/5 * * * *", Command: "true"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultJobTimeout, s.jobs[0].Timeout)
}

func TestFuncJobRunsOnSchedule(t *testing.T) {
	var calls atomic.Int32
	s, err := New(Config{Name: "jobs"}, []Job{{
		Name:     "tick",
		Schedule: "@every 1s",
		Func: func(ctx context.Context) error {
			calls.Add(1)
			return nil
		},
	}}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	runs := waitRuns(t, s, 1)
	assert.Equal(t, "tick", runs[0].Job)
	assert.NoError(t, runs[0].Err)
	assert.Positive(t, calls.Load())

	s.RequestStop()
	assert.Equal(t, service.ExitStopped, s.Wait().Kind)
}

func TestCommandJobFailureIsRecorded(t *testing.T) {
	s, err := New(Config{Name: "jobs", Env: []string{"GREETING=hello"}}, []Job{{
		Name:     "broken",
		Schedule: "@every 1s",
		Command:  `echo "$GREETING $EXTRA" >&2; exit 3`,
		Env:      []string{"EXTRA=world"},
	}}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	runs := waitRuns(t, s, 1)
	require.Error(t, runs[0].Err)
	assert.Contains(t, runs[0].Err.Error(), "hello world")
	assert.Contains(t, runs[0].Err.Error(), "exit status 3")

	// a failing job does not end the service
	select {
	case <-s.Done():
		t.Fatal("service ended after a job failure")
	default:
	}
	s.RequestStop()
	assert.Equal(t, service.ExitStopped, s.Wait().Kind)
}

func TestStopCancelsRunningJob(t *testing.T) {
	started := make(chan struct{}, 1)
	s, err := New(Config{Name: "jobs"}, []Job{{
		Name:     "long",
		Schedule: "@every 1s",
		Func: func(ctx context.Context) error {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			return ctx.Err()
		},
	}}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-started:
	case <-time.After(4 * time.Second):
		t.Fatal("job never started")
	}
	s.RequestStop()

	done := make(chan service.Exit, 1)
	go func() { done <- s.Wait() }()
	select {
	case exit := <-done:
		assert.Equal(t, service.ExitStopped, exit.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	runs := s.Runs()
	require.NotEmpty(t, runs)
	assert.True(t, errors.Is(runs[len(runs)-1].Err, context.Canceled))
}
