package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewRegistersOnlyNonNilJobs(t *testing.T) {
	var calls int32
	s, err := New(Jobs{
		Accrual: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
		Reconciliation: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	}, nil)
	require.NoError(t, err)
	require.Len(t, s.cron.Entries(), 2, "only the two non-nil jobs should be registered")
}

func TestNewWithNoJobsRegistersNothing(t *testing.T) {
	s, err := New(Jobs{}, nil)
	require.NoError(t, err)
	require.Empty(t, s.cron.Entries())
}

func TestRunWrapperExecutesJobSuccessfully(t *testing.T) {
	s, err := New(Jobs{}, nil)
	require.NoError(t, err)

	var ran bool
	s.run("test-job", func(ctx context.Context) error {
		ran = true
		return nil
	})()
	require.True(t, ran)
}

func TestRunWrapperSwallowsJobError(t *testing.T) {
	s, err := New(Jobs{}, nil)
	require.NoError(t, err)

	require.NotPanics(t, func() {
		s.run("failing-job", func(ctx context.Context) error {
			return errors.New("boom")
		})()
	})
}

func TestStartReturnsPromptlyOnContextCancellation(t *testing.T) {
	s, err := New(Jobs{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}
