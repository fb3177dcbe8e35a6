package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/taskhaven/taskd/internal/coordinator"
	"github.com/taskhaven/taskd/internal/tasks"
	"github.com/taskhaven/taskd/pkg/task"
)

func newTestEngine(t *testing.T) (*Engine, coordinator.Coordinator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	coord := coordinator.NewFromClient(client)

	e := New(Config{
		Coordinator:        coord,
		TaskPrefix:         "task",
		TaskSet:            "tasks",
		NewQueue:           "new-task",
		EndQueue:           "end-task",
		UpdateTaskInterval: 20 * time.Millisecond,
	})
	return e, coord, mr
}

func runEngine(t *testing.T, e *Engine, classes map[string]task.Class) (cancel context.CancelFunc, done chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done = make(chan error, 1)
	go func() { done <- e.Run(ctx, classes) }()
	return cancel, done
}

func hashState(t *testing.T, coord coordinator.Coordinator, id string) string {
	t.Helper()
	h, err := coord.HGetAll(context.Background(), "task-"+id)
	require.NoError(t, err)
	return h["state"]
}

// popEndQueue pops with a bound so a missing push fails the test instead of
// hanging it.
func popEndQueue(t *testing.T, coord coordinator.Coordinator) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := coord.BRPop(ctx, "end-task")
	require.NoError(t, err)
	return v
}

// boom is a demo task used to exercise the EXCEPTION path: it returns a
// plain error, not a *task.Error.
type boom struct{ task.Base }

func (boom) Start(ctx context.Context) (any, error) {
	return nil, errors.New("ValueError: unexpected condition")
}

type boomClass struct{}

func (boomClass) Name() string                          { return "boom" }
func (boomClass) New(map[string]any) (task.Task, error) { return &boom{}, nil }

func TestHappyPath(t *testing.T) {
	e, coord, _ := newTestEngine(t)
	cancel, done := runEngine(t, e, map[string]task.Class{"echo": tasks.EchoClass{}})
	defer func() { cancel(); <-done }()

	ctx := context.Background()
	require.NoError(t, coord.HSet(ctx, "task-A", map[string]string{
		"task": "echo", "data": `{"msg":"hi"}`, "state": "WAIT",
	}))
	require.NoError(t, coord.LPush(ctx, "new-task", "A"))

	require.Eventually(t, func() bool {
		return hashState(t, coord, "A") == StateSuccess
	}, 2*time.Second, 10*time.Millisecond)

	h, err := coord.HGetAll(ctx, "task-A")
	require.NoError(t, err)
	require.Equal(t, "hi", h["output"])

	require.Eventually(t, func() bool {
		n, _ := coord.SCard(ctx, "tasks")
		return n == 0
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, "A", popEndQueue(t, coord))
}

func TestStopMidFlight(t *testing.T) {
	e, coord, _ := newTestEngine(t)
	cancel, done := runEngine(t, e, map[string]task.Class{"echo": tasks.EchoClass{}})
	defer func() { cancel(); <-done }()

	ctx := context.Background()
	require.NoError(t, coord.HSet(ctx, "task-B", map[string]string{
		"task": "echo", "data": `{"msg":"hi","delay":10}`, "state": "WAIT",
	}))
	require.NoError(t, coord.LPush(ctx, "new-task", "B"))

	require.Eventually(t, func() bool {
		return hashState(t, coord, "B") == StateRunning
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, coord.Publish(ctx, "task-B-control", "stop"))

	require.Eventually(t, func() bool {
		return hashState(t, coord, "B") == StateStopped
	}, 2*time.Second, 10*time.Millisecond)

	n, err := coord.SCard(ctx, "tasks")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestReloadPicksUpNewData(t *testing.T) {
	e, coord, _ := newTestEngine(t)
	cancel, done := runEngine(t, e, map[string]task.Class{"echo": tasks.EchoClass{}})
	defer func() { cancel(); <-done }()

	ctx := context.Background()
	require.NoError(t, coord.HSet(ctx, "task-C", map[string]string{
		"task": "echo", "data": `{"msg":"v1","delay":5}`, "state": "WAIT",
	}))
	require.NoError(t, coord.LPush(ctx, "new-task", "C"))

	require.Eventually(t, func() bool {
		return hashState(t, coord, "C") == StateRunning
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, coord.HSet(ctx, "task-C", map[string]string{
		"data": `{"msg":"v2","delay":0}`,
	}))
	require.NoError(t, coord.Publish(ctx, "task-C-control", "reload"))

	require.Eventually(t, func() bool {
		return hashState(t, coord, "C") == StateSuccess
	}, 2*time.Second, 10*time.Millisecond)

	h, err := coord.HGetAll(ctx, "task-C")
	require.NoError(t, err)
	require.Equal(t, "v2", h["output"])
}

func TestUserError(t *testing.T) {
	e, coord, _ := newTestEngine(t)
	cancel, done := runEngine(t, e, map[string]task.Class{"fail": tasks.FailClass{}})
	defer func() { cancel(); <-done }()

	ctx := context.Background()
	require.NoError(t, coord.HSet(ctx, "task-D", map[string]string{
		"task": "fail", "data": `{"reason":"bad input"}`, "state": "WAIT",
	}))
	require.NoError(t, coord.LPush(ctx, "new-task", "D"))

	require.Eventually(t, func() bool {
		return hashState(t, coord, "D") == StateError
	}, 2*time.Second, 10*time.Millisecond)

	h, err := coord.HGetAll(ctx, "task-D")
	require.NoError(t, err)
	require.Equal(t, "bad input", h["output"])

	require.Equal(t, "D", popEndQueue(t, coord))
}

func TestUnexpectedExceptionInvokesHandlers(t *testing.T) {
	e, coord, _ := newTestEngine(t)

	var handled []error
	handlerCh := make(chan error, 1)
	e.AddExceptionHandler(func(err error) { handlerCh <- err })

	cancel, done := runEngine(t, e, map[string]task.Class{"boom": boomClass{}})
	defer func() { cancel(); <-done }()

	ctx := context.Background()
	require.NoError(t, coord.HSet(ctx, "task-E", map[string]string{
		"task": "boom", "data": `{}`, "state": "WAIT",
	}))
	require.NoError(t, coord.LPush(ctx, "new-task", "E"))

	require.Eventually(t, func() bool {
		return hashState(t, coord, "E") == StateException
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case err := <-handlerCh:
		handled = append(handled, err)
	case <-time.After(time.Second):
		t.Fatal("exception handler was never invoked")
	}
	require.Len(t, handled, 1)
	require.Contains(t, handled[0].Error(), "ValueError")

	h, err := coord.HGetAll(ctx, "task-E")
	require.NoError(t, err)
	require.Contains(t, h["output"], "ValueError")

	require.Equal(t, "E", popEndQueue(t, coord))
}

func TestMissingClassGoesToException(t *testing.T) {
	e, coord, _ := newTestEngine(t)
	cancel, done := runEngine(t, e, map[string]task.Class{})
	defer func() { cancel(); <-done }()

	ctx := context.Background()
	require.NoError(t, coord.HSet(ctx, "task-F", map[string]string{
		"task": "nonexistent", "data": `{}`, "state": "WAIT",
	}))
	require.NoError(t, coord.LPush(ctx, "new-task", "F"))

	require.Eventually(t, func() bool {
		return hashState(t, coord, "F") == StateException
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, "F", popEndQueue(t, coord))
}

func TestCleanupFalseSuppressesEndQueuePush(t *testing.T) {
	e, coord, _ := newTestEngine(t)
	cancel, done := runEngine(t, e, map[string]task.Class{"echo": tasks.EchoClass{}})
	defer func() { cancel(); <-done }()

	ctx := context.Background()
	require.NoError(t, coord.HSet(ctx, "task-I", map[string]string{
		"task": "echo", "data": `{"msg":"hi"}`, "state": "WAIT", "cleanup": "false",
	}))
	require.NoError(t, coord.LPush(ctx, "new-task", "I"))

	require.Eventually(t, func() bool {
		return hashState(t, coord, "I") == StateSuccess
	}, 2*time.Second, 10*time.Millisecond)

	// Give cleanup time to run so a wrongly-issued push would have landed.
	time.Sleep(100 * time.Millisecond)

	n, err := coord.SCard(ctx, "tasks")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	members, err := coord.SMembers(ctx, "tasks")
	require.NoError(t, err)
	require.Contains(t, members, "I")

	emptyCtx, emptyCancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer emptyCancel()
	_, err = coord.BRPop(emptyCtx, "end-task")
	require.Error(t, err)
}

func TestLocalTaskLaunchesOnRun(t *testing.T) {
	e, coord, _ := newTestEngine(t)
	e.StartLocalTask("echo", map[string]any{"msg": "local-hi"})

	cancel, done := runEngine(t, e, map[string]task.Class{"echo": tasks.EchoClass{}})
	defer func() { cancel(); <-done }()

	var localID string
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		for id := range e.localTaskIDs {
			localID = id
			return true
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return hashState(t, coord, localID) == StateSuccess
	}, 2*time.Second, 10*time.Millisecond)

	n, err := coord.SCard(context.Background(), "tasks")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestControlMessageForUnknownTaskIsIgnored(t *testing.T) {
	e, coord, _ := newTestEngine(t)
	cancel, done := runEngine(t, e, map[string]task.Class{"echo": tasks.EchoClass{}})
	defer func() { cancel(); <-done }()

	// No subscriber exists for this channel; publishing must not panic or
	// otherwise disturb the engine.
	require.NoError(t, coord.Publish(context.Background(), "task-ghost-control", "stop"))
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, e.ActiveCount())
}

func TestUnknownControlPayloadIsIgnored(t *testing.T) {
	e, coord, _ := newTestEngine(t)
	cancel, done := runEngine(t, e, map[string]task.Class{"echo": tasks.EchoClass{}})
	defer func() { cancel(); <-done }()

	ctx := context.Background()
	require.NoError(t, coord.HSet(ctx, "task-G", map[string]string{
		"task": "echo", "data": `{"msg":"hi","delay":5}`, "state": "WAIT",
	}))
	require.NoError(t, coord.LPush(ctx, "new-task", "G"))

	require.Eventually(t, func() bool {
		return hashState(t, coord, "G") == StateRunning
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, coord.Publish(ctx, "task-G-control", "dance"))
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, StateRunning, hashState(t, coord, "G"))
}

func TestHandleCoordinatorDownStopsAndCleansUpWithoutCoordinatorIO(t *testing.T) {
	e, coord, mr := newTestEngine(t)

	e.AddTaskClass(tasks.EchoClass{})

	ctx := context.Background()
	require.NoError(t, coord.HSet(ctx, "task-H", map[string]string{
		"task": "echo", "data": `{"msg":"hi","delay":30}`, "state": "WAIT",
	}))
	require.NoError(t, e.AddTask(ctx, "H"))

	require.Equal(t, 1, e.ActiveCount())

	mr.Close()
	e.handleCoordinatorDown(context.Background())

	require.Equal(t, 0, e.ActiveCount())
}

func TestWaitForCoordinatorReturnsOnceReachable(t *testing.T) {
	e, _, _ := newTestEngine(t)

	doneCh := make(chan struct{})
	go func() {
		e.waitForCoordinator(context.Background())
		close(doneCh)
	}()

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("waitForCoordinator did not return against an already-reachable coordinator")
	}
}

func TestWaitForCoordinatorBlocksWhileUnreachable(t *testing.T) {
	e, _, mr := newTestEngine(t)
	mr.Close()

	doneCh := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		e.waitForCoordinator(ctx)
		close(doneCh)
	}()

	select {
	case <-doneCh:
		t.Fatal("waitForCoordinator returned while the coordinator was unreachable")
	case <-time.After(150 * time.Millisecond):
	}
	cancel()

	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("waitForCoordinator did not honor context cancellation")
	}
}
