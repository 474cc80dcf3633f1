package delegation

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// tickingClock advances one millisecond per call so creation order is
// visible in CreatedAt.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		ts = ts.Add(time.Millisecond)
		return ts
	}
}

func intPtr(v int) *int { return &v }

func TestConcurrencyCapScenario(t *testing.T) {
	e := New(WithMaxConcurrency(1), WithClock(tickingClock()))
	e.AddTasks(
		TaskSpec{ID: "T1", RoleID: "dev", Priority: PriorityHigh},
		TaskSpec{ID: "T2", RoleID: "dev", Priority: PriorityMedium},
	)

	first, ok := e.NextTask()
	require.True(t, ok)
	assert.Equal(t, "T1", first.ID)
	assert.Equal(t, StatusInProgress, first.Status)
	assert.Equal(t, 1, first.Attempts)

	_, ok = e.NextTask()
	assert.False(t, ok)

	e.MarkCompleted("T1")
	second, ok := e.NextTask()
	require.True(t, ok)
	assert.Equal(t, "T2", second.ID)
}

func TestDependencyGating(t *testing.T) {
	e := New(WithMaxConcurrency(4))
	e.AddTasks(
		TaskSpec{ID: "T3", Priority: PriorityHigh, DependsOn: []string{"T4"}},
		TaskSpec{ID: "T4", Priority: PriorityLow},
	)

	got, ok := e.NextTask()
	require.True(t, ok)
	assert.Equal(t, "T4", got.ID)
	_, ok = e.NextTask()
	assert.False(t, ok, "T3 must wait for T4")

	e.MarkCompleted("T4")
	got, ok = e.NextTask()
	require.True(t, ok)
	assert.Equal(t, "T3", got.ID)
}

func TestMissingDependencyNeverSelectable(t *testing.T) {
	e := New()
	e.AddTasks(TaskSpec{ID: "orphan", DependsOn: []string{"ghost"}})
	_, ok := e.NextTask()
	assert.False(t, ok)
}

func TestPriorityThenFIFO(t *testing.T) {
	e := New(WithMaxConcurrency(10), WithClock(tickingClock()))
	e.AddTasks(
		TaskSpec{ID: "low", Priority: PriorityLow},
		TaskSpec{ID: "medium", Priority: PriorityMedium},
		TaskSpec{ID: "high", Priority: PriorityHigh},
		TaskSpec{ID: "weird", Priority: "urgent"},
	)
	var got []string
	for {
		task, ok := e.NextTask()
		if !ok {
			break
		}
		got = append(got, task.ID)
	}
	assert.Equal(t, []string{"high", "medium", "low", "weird"}, got)

	fifo := New(WithMaxConcurrency(10), WithClock(tickingClock()))
	fifo.AddTasks(TaskSpec{ID: "older"}, TaskSpec{ID: "newer"})
	task, _ := fifo.NextTask()
	assert.Equal(t, "older", task.ID)
}

func TestFIFOWithIdenticalTimestamps(t *testing.T) {
	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	e := New(WithMaxConcurrency(10), WithClock(func() time.Time { return ts }))
	e.AddTasks(TaskSpec{ID: "a"}, TaskSpec{ID: "b"}, TaskSpec{ID: "c"})
	for _, want := range []string{"a", "b", "c"} {
		task, ok := e.NextTask()
		require.True(t, ok)
		assert.Equal(t, want, task.ID)
	}
}

func TestRetryBudget(t *testing.T) {
	e := New()
	e.AddTasks(TaskSpec{ID: "flaky", MaxRetries: intPtr(1)})

	task, ok := e.NextTask()
	require.True(t, ok)
	require.Equal(t, 1, task.Attempts)
	e.MarkFailed("flaky", "boom", true)
	got, _ := e.Task("flaky")
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "boom", got.LastError)

	task, ok = e.NextTask()
	require.True(t, ok)
	require.Equal(t, 2, task.Attempts)
	e.MarkFailed("flaky", "boom again", true)
	got, _ = e.Task("flaky")
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "boom again", got.LastError)
	assert.False(t, e.HasRemainingWork())
}

func TestMaxRetriesDefaults(t *testing.T) {
	e := New()
	e.AddTasks(
		TaskSpec{ID: "default"},
		TaskSpec{ID: "zero", MaxRetries: intPtr(0)},
		TaskSpec{ID: "negative", MaxRetries: intPtr(-5)},
		TaskSpec{ID: "three", MaxRetries: intPtr(3)},
	)
	want := map[string]int{"default": 1, "zero": 0, "negative": 0, "three": 3}
	for id, retries := range want {
		task, ok := e.Task(id)
		require.True(t, ok)
		assert.Equal(t, retries, task.MaxRetries, id)
		assert.Equal(t, PriorityMedium, task.Priority, id)
		assert.Equal(t, StatusPending, task.Status, id)
		assert.Zero(t, task.Attempts, id)
	}
}

func TestFailWithoutRetryIsTerminal(t *testing.T) {
	e := New()
	e.AddTasks(TaskSpec{ID: "t", MaxRetries: intPtr(5)})
	e.NextTask()
	e.MarkFailed("t", "fatal", false)
	got, _ := e.Task("t")
	assert.Equal(t, StatusFailed, got.Status)
}

func TestZeroRetriesFailsOnFirstRetryableError(t *testing.T) {
	e := New()
	e.AddTasks(TaskSpec{ID: "t", MaxRetries: intPtr(0)})
	e.NextTask()
	e.MarkFailed("t", "nope", true)
	got, _ := e.Task("t")
	assert.Equal(t, StatusFailed, got.Status)
}

func TestAddTasksIsIdempotent(t *testing.T) {
	e := New()
	e.AddTasks(TaskSpec{ID: "t", Title: "first"})
	e.AddTasks(TaskSpec{ID: "t", Title: "second"}, TaskSpec{ID: ""})
	tasks := e.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "first", tasks[0].Title)
}

func TestRoleFilter(t *testing.T) {
	e := New(WithMaxConcurrency(5))
	e.AddTasks(
		TaskSpec{ID: "doc", RoleID: "writer", Priority: PriorityHigh},
		TaskSpec{ID: "code", RoleID: "engineer"},
	)
	task, ok := e.NextTask("engineer", "qa")
	require.True(t, ok)
	assert.Equal(t, "code", task.ID)
	_, ok = e.NextTask("engineer")
	assert.False(t, ok)
	task, ok = e.NextTask()
	require.True(t, ok)
	assert.Equal(t, "doc", task.ID)
}

func TestResetFreesSlot(t *testing.T) {
	e := New(WithMaxConcurrency(1))
	e.AddTasks(TaskSpec{ID: "a"}, TaskSpec{ID: "b"})
	first, _ := e.NextTask()
	e.Reset(first.ID)
	got, _ := e.Task(first.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)

	again, ok := e.NextTask()
	require.True(t, ok)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)

	e.MarkCompleted(again.ID)
	e.Reset(again.ID)
	got, _ = e.Task(again.ID)
	assert.Equal(t, StatusPending, got.Status)
}

func TestReturnedTasksAreCopies(t *testing.T) {
	e := New()
	e.AddTasks(TaskSpec{ID: "t", DependsOn: []string{}, Payload: map[string]any{"k": "v"}})
	task, _ := e.Task("t")
	task.Status = StatusCompleted
	task.Payload["k"] = "changed"
	task.DependsOn = append(task.DependsOn, "x")

	again, _ := e.Task("t")
	assert.Equal(t, StatusPending, again.Status)
	assert.Equal(t, "v", again.Payload["k"])
	assert.Empty(t, again.DependsOn)
}

func TestUnknownIDsAreIgnored(t *testing.T) {
	e := New()
	e.MarkCompleted("nope")
	e.MarkFailed("nope", "x", true)
	e.Reset("nope")
	_, ok := e.Task("nope")
	assert.False(t, ok)
	assert.Empty(t, e.Tasks())
}

func TestHasRemainingWorkAndStats(t *testing.T) {
	e := New(WithMaxConcurrency(3))
	assert.False(t, e.HasRemainingWork())
	e.AddTasks(TaskSpec{ID: "a"}, TaskSpec{ID: "b"}, TaskSpec{ID: "c", MaxRetries: intPtr(0)})
	assert.True(t, e.HasRemainingWork())

	e.NextTask()
	e.NextTask()
	e.MarkCompleted("a")
	assert.Equal(t, Stats{Pending: 1, InProgress: 1, Completed: 1}, e.Stats())

	e.NextTask()
	e.MarkFailed("c", "x", true)
	e.MarkCompleted("b")
	assert.Equal(t, Stats{Completed: 2, Failed: 1}, e.Stats())
	assert.False(t, e.HasRemainingWork())
}

func TestMaxConcurrencyFloor(t *testing.T) {
	assert.Equal(t, 1, New(WithMaxConcurrency(0)).MaxConcurrency())
	assert.Equal(t, 1, New(WithMaxConcurrency(-3)).MaxConcurrency())
	assert.Equal(t, DefaultMaxConcurrency, New().MaxConcurrency())
}

func TestPollStates(t *testing.T) {
	e := New(WithMaxConcurrency(1))
	_, state := e.Poll()
	assert.Equal(t, Drained, state)

	e.AddTasks(TaskSpec{ID: "a"}, TaskSpec{ID: "b", DependsOn: []string{"a"}})
	_, state = e.Poll()
	assert.Equal(t, Assigned, state)
	_, state = e.Poll()
	assert.Equal(t, Wait, state, "cap reached")

	e.MarkFailed("a", "x", false)
	_, state = e.Poll()
	assert.Equal(t, Stalled, state, "b can never run")

	_, state = e.Poll("someone-else")
	assert.Equal(t, Drained, state)
}

func TestPollWaitsOnDependencyHeldByOtherRole(t *testing.T) {
	e := New()
	e.AddTasks(
		TaskSpec{ID: "design", RoleID: "architect"},
		TaskSpec{ID: "build", RoleID: "dev", DependsOn: []string{"design"}},
	)
	_, state := e.Poll("dev")
	assert.Equal(t, Wait, state, "design is still runnable by the architect")

	task, state := e.Poll("architect")
	require.Equal(t, Assigned, state)
	require.Equal(t, "design", task.ID)
	e.MarkCompleted("design")

	task, state = e.Poll("dev")
	assert.Equal(t, Assigned, state)
	assert.Equal(t, "build", task.ID)
}

func TestCascadeFailure(t *testing.T) {
	build := func(cascade bool) *Engine {
		e := New(WithCascadeFailure(cascade))
		e.AddTasks(
			TaskSpec{ID: "root", MaxRetries: intPtr(0)},
			TaskSpec{ID: "child", DependsOn: []string{"root"}},
			TaskSpec{ID: "grandchild", DependsOn: []string{"child"}},
			TaskSpec{ID: "unrelated"},
		)
		task, _ := e.NextTask()
		require.Equal(t, "root", task.ID)
		e.MarkFailed("root", "broken", true)
		return e
	}

	off := build(false)
	child, _ := off.Task("child")
	assert.Equal(t, StatusPending, child.Status)

	on := build(true)
	child, _ = on.Task("child")
	grandchild, _ := on.Task("grandchild")
	unrelated, _ := on.Task("unrelated")
	assert.Equal(t, StatusFailed, child.Status)
	assert.Equal(t, "dependency root failed", child.LastError)
	assert.Equal(t, StatusFailed, grandchild.Status)
	assert.Equal(t, "dependency child failed", grandchild.LastError)
	assert.Equal(t, StatusPending, unrelated.Status)
}

func TestConcurrencyBoundUnderContention(t *testing.T) {
	const limit = 3
	e := New(WithMaxConcurrency(limit))
	for i := 0; i < 60; i++ {
		e.AddTasks(TaskSpec{ID: fmt.Sprintf("t%02d", i)})
	}

	var running, peak atomic.Int32
	var g errgroup.Group
	for w := 0; w < 12; w++ {
		g.Go(func() error {
			for e.HasRemainingWork() {
				task, ok := e.NextTask()
				if !ok {
					time.Sleep(time.Millisecond)
					continue
				}
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				if s := e.Stats(); s.InProgress > limit {
					return fmt.Errorf("observed %d in progress", s.InProgress)
				}
				time.Sleep(200 * time.Microsecond)
				running.Add(-1)
				e.MarkCompleted(task.ID)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.Equal(t, Stats{Completed: 60}, e.Stats())
}
