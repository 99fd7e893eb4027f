package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failureLog collects error handler invocations.
type failureLog struct {
	mu     sync.Mutex
	errors map[string]error
}

func newFailureLog() *failureLog {
	return &failureLog{errors: make(map[string]error)}
}

func (f *failureLog) handle(task Task, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors[task.ID()] = err
}

func (f *failureLog) get(id string) (error, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	err, ok := f.errors[id]
	return err, ok
}

func TestTaskRunner_Submit(t *testing.T) {
	t.Parallel()

	logger := discardLogger()

	t.Run("successful submission", func(t *testing.T) {
		t.Parallel()

		runner := NewTaskRunner(DefaultTaskRunnerConfig(), logger)
		err := runner.Submit(context.Background(), newStubTask())
		assert.NoError(t, err)
	})

	t.Run("queue full", func(t *testing.T) {
		t.Parallel()

		config := DefaultTaskRunnerConfig()
		config.QueueSize = 1
		runner := NewTaskRunner(config, logger)

		require.NoError(t, runner.Submit(context.Background(), newStubTask()))

		overflow := newStubTask()
		err := runner.Submit(context.Background(), overflow)
		assert.ErrorIs(t, err, ErrQueueFull)
		assert.False(t, runner.Cancel(overflow.ID()), "rejected tasks are not tracked")
	})

	t.Run("after stop", func(t *testing.T) {
		t.Parallel()

		runner := NewTaskRunner(DefaultTaskRunnerConfig(), logger)
		require.NoError(t, runner.Start())
		runner.Stop()

		err := runner.Submit(context.Background(), newStubTask())
		assert.ErrorIs(t, err, ErrQueueClosed)
	})
}

func TestTaskRunner_Start_and_Processing(t *testing.T) {
	t.Parallel()

	config := DefaultTaskRunnerConfig()
	config.WorkerCount = 2
	config.QueueSize = 10
	runner := NewTaskRunner(config, discardLogger())

	failures := newFailureLog()
	runner.SetErrorHandler(failures.handle)

	done := make(chan string, 4)
	ok1, ok2 := newStubTask(), newStubTask()
	for _, task := range []*stubTask{ok1, ok2} {
		id := task.id
		task.run = func(ctx context.Context) error {
			done <- id
			return nil
		}
	}
	failing := newStubTask()
	failing.run = func(ctx context.Context) error {
		done <- "failing"
		return errors.New("boom")
	}

	require.NoError(t, runner.Start())
	defer runner.Stop()

	for _, task := range []*stubTask{ok1, ok2, failing} {
		require.NoError(t, runner.Submit(context.Background(), task))
	}

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case id := <-done:
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for tasks")
		}
	}
	assert.True(t, seen[ok1.id])
	assert.True(t, seen[ok2.id])
	assert.True(t, seen["failing"])

	assert.Eventually(t, func() bool {
		_, ok := failures.get(failing.id)
		return ok
	}, time.Second, 5*time.Millisecond)
	_, okFailed := failures.get(ok1.id)
	assert.False(t, okFailed, "successful tasks do not reach the error handler")
}

func TestTaskRunner_RecoversPanics(t *testing.T) {
	t.Parallel()

	runner := NewTaskRunner(DefaultTaskRunnerConfig(), discardLogger())
	failures := newFailureLog()
	runner.SetErrorHandler(failures.handle)

	panicky := newStubTask()
	panicky.run = func(ctx context.Context) error {
		panic("kaboom")
	}
	after := newStubTask()
	ran := make(chan struct{})
	after.run = func(ctx context.Context) error {
		close(ran)
		return nil
	}

	require.NoError(t, runner.Start())
	defer runner.Stop()
	require.NoError(t, runner.Submit(context.Background(), panicky))
	require.NoError(t, runner.Submit(context.Background(), after))

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("runner stopped processing after a panic")
	}

	require.Eventually(t, func() bool {
		_, ok := failures.get(panicky.id)
		return ok
	}, time.Second, 5*time.Millisecond)
	err, _ := failures.get(panicky.id)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestTaskRunner_CancelRunning(t *testing.T) {
	t.Parallel()

	runner := NewTaskRunner(DefaultTaskRunnerConfig(), discardLogger())
	failures := newFailureLog()
	runner.SetErrorHandler(failures.handle)

	started := make(chan struct{})
	task := newStubTask()
	task.run = func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}

	require.NoError(t, runner.Start())
	defer runner.Stop()
	require.NoError(t, runner.Submit(context.Background(), task))

	<-started
	assert.True(t, runner.Cancel(task.id))

	require.Eventually(t, func() bool {
		_, ok := failures.get(task.id)
		return ok
	}, time.Second, 5*time.Millisecond)
	err, _ := failures.get(task.id)
	assert.ErrorIs(t, err, ErrTaskCancelled)

	assert.False(t, runner.Cancel(task.id), "finished tasks are forgotten")
	assert.False(t, runner.Cancel("unknown"))
}

func TestTaskRunner_CancelQueued(t *testing.T) {
	t.Parallel()

	config := DefaultTaskRunnerConfig()
	config.WorkerCount = 1
	runner := NewTaskRunner(config, discardLogger())
	failures := newFailureLog()
	runner.SetErrorHandler(failures.handle)

	release := make(chan struct{})
	blocker := newStubTask()
	blocker.run = func(ctx context.Context) error {
		<-release
		return nil
	}
	executed := false
	queued := newStubTask()
	queued.run = func(ctx context.Context) error {
		executed = true
		return nil
	}

	require.NoError(t, runner.Submit(context.Background(), blocker))
	require.NoError(t, runner.Submit(context.Background(), queued))
	assert.True(t, runner.Cancel(queued.id))

	require.NoError(t, runner.Start())
	close(release)

	require.Eventually(t, func() bool {
		_, ok := failures.get(queued.id)
		return ok
	}, time.Second, 5*time.Millisecond)
	runner.Stop()

	err, _ := failures.get(queued.id)
	assert.ErrorIs(t, err, ErrTaskCancelled)
	assert.False(t, executed)
}

func TestTaskRunner_Timeout(t *testing.T) {
	t.Parallel()

	config := DefaultTaskRunnerConfig()
	config.TaskTimeout = 20 * time.Millisecond
	runner := NewTaskRunner(config, discardLogger())
	failures := newFailureLog()
	runner.SetErrorHandler(failures.handle)

	task := newStubTask()
	task.run = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	require.NoError(t, runner.Start())
	defer runner.Stop()
	require.NoError(t, runner.Submit(context.Background(), task))

	require.Eventually(t, func() bool {
		_, ok := failures.get(task.id)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	err, _ := failures.get(task.id)
	assert.ErrorIs(t, err, ErrTaskTimedOut)
}

func TestTaskRunner_StopFailsQueuedTasks(t *testing.T) {
	t.Parallel()

	runner := NewTaskRunner(DefaultTaskRunnerConfig(), discardLogger())
	failures := newFailureLog()
	runner.SetErrorHandler(failures.handle)

	// Never started: everything stays queued.
	task := newStubTask()
	require.NoError(t, runner.Submit(context.Background(), task))
	runner.Stop()

	err, ok := failures.get(task.id)
	require.True(t, ok)
	assert.ErrorIs(t, err, ErrTaskCancelled)
}

func TestNewTaskRunner_InvalidWorkerCount(t *testing.T) {
	runner := NewTaskRunner(TaskRunnerConfig{WorkerCount: -3, QueueSize: 1}, discardLogger())
	assert.Equal(t, 1, runner.config.WorkerCount)
}

func TestCancellationError(t *testing.T) {
	assert.NoError(t, CancellationError(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, CancellationError(ctx), ErrTaskCancelled)

	ctx, stop := context.WithTimeout(context.Background(), time.Nanosecond)
	defer stop()
	<-ctx.Done()
	assert.ErrorIs(t, CancellationError(ctx), ErrTaskTimedOut)
}
