package delegation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRunnerDrainsQueue(t *testing.T) {
	e := New(WithMaxConcurrency(2))
	e.AddTasks(
		TaskSpec{ID: "research", RoleID: "analyst", Priority: PriorityHigh},
		TaskSpec{ID: "prd", RoleID: "pm", DependsOn: []string{"research"}},
		TaskSpec{ID: "arch", RoleID: "architect", DependsOn: []string{"prd"}},
		TaskSpec{ID: "threats", RoleID: "security", DependsOn: []string{"prd"}},
	)

	var mu sync.Mutex
	var order []string
	flaked := false
	r := &Runner{Engine: e, Workers: 3, Backoff: time.Millisecond}
	err := r.Run(context.Background(), func(ctx context.Context, task Task) error {
		mu.Lock()
		defer mu.Unlock()
		if task.ID == "arch" && !flaked {
			flaked = true
			return errors.New("transient")
		}
		order = append(order, task.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, Stats{Completed: 4}, e.Stats())
	require.Len(t, order, 4)
	assert.Equal(t, []string{"research", "prd"}, order[:2])

	arch, _ := e.Task("arch")
	assert.Equal(t, 2, arch.Attempts)
}

func TestRunnerReportsStall(t *testing.T) {
	e := New()
	e.AddTasks(
		TaskSpec{ID: "a", MaxRetries: intPtr(0)},
		TaskSpec{ID: "b", DependsOn: []string{"a"}},
	)
	r := &Runner{Engine: e, Workers: 2, Backoff: time.Millisecond}
	err := r.Run(context.Background(), func(ctx context.Context, task Task) error {
		return errors.New("always fails")
	})
	assert.ErrorIs(t, err, ErrStalled)
	a, _ := e.Task("a")
	assert.Equal(t, StatusFailed, a.Status)
}

func TestRunnerCascadeAvoidsStall(t *testing.T) {
	e := New(WithCascadeFailure(true))
	e.AddTasks(
		TaskSpec{ID: "a", MaxRetries: intPtr(0)},
		TaskSpec{ID: "b", DependsOn: []string{"a"}},
	)
	r := &Runner{Engine: e, Backoff: time.Millisecond}
	err := r.Run(context.Background(), func(ctx context.Context, task Task) error {
		return errors.New("always fails")
	})
	require.NoError(t, err)
	assert.Equal(t, Stats{Failed: 2}, e.Stats())
}

func TestRunnerPermanentErrorSkipsRetry(t *testing.T) {
	e := New()
	e.AddTasks(TaskSpec{ID: "t", MaxRetries: intPtr(3)})
	r := &Runner{Engine: e, Workers: 1, Backoff: time.Millisecond}
	require.NoError(t, r.Run(context.Background(), func(ctx context.Context, task Task) error {
		return Permanent(errors.New("bad input"))
	}))
	got, _ := e.Task("t")
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestRunnerRecoversPanics(t *testing.T) {
	e := New()
	e.AddTasks(TaskSpec{ID: "t"})
	r := &Runner{Engine: e, Workers: 1, Backoff: time.Millisecond}
	require.NoError(t, r.Run(context.Background(), func(ctx context.Context, task Task) error {
		panic("kaboom")
	}))
	got, _ := e.Task("t")
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "kaboom")
}

func TestRunnerStopsOnCancel(t *testing.T) {
	e := New(WithMaxConcurrency(1))
	e.AddTasks(TaskSpec{ID: "slow"}, TaskSpec{ID: "next"})
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	r := &Runner{Engine: e, Workers: 2, Backoff: time.Millisecond}

	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, func(ctx context.Context, task Task) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
	}()
	<-started
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
	slow, _ := e.Task("slow")
	assert.Equal(t, StatusPending, slow.Status)
}

func TestRunnerRequiresEngine(t *testing.T) {
	r := &Runner{}
	assert.Error(t, r.Run(context.Background(), func(context.Context, Task) error { return nil }))
}
