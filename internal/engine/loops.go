// ============================================================================
// taskd Supervisor Loop - Queue Reader, Liveness Updater, Recovery
// ============================================================================
//
// Package: internal/engine
// File: loops.go
// Purpose: The two always-on background goroutines owned by this file
// (queue reader, liveness updater) plus the supervisor that orchestrates
// them and the pub/sub dispatcher, distinguishes coordinator loss from
// user-initiated shutdown, and drives recovery (§4.4, §4.5, §4.7).
// ============================================================================

package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskhaven/taskd/pkg/task"
)

// queueReaderLoop blocks on the new-queue and feeds every popped id into
// AddTask (§4.4). Returns when ctx is cancelled, or on a coordinator error.
func (e *Engine) queueReaderLoop(ctx context.Context) error {
	for {
		id, err := e.coord.BRPop(ctx, e.keys.newQueue)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := e.AddTask(ctx, id); err != nil {
			return err
		}
	}
}

// livenessLoop stamps last_update on every locally-RUNNING task once per
// tick (§4.5). Non-RUNNING entries are skipped; they are mid-transition.
func (e *Engine) livenessLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			now := nowStamp()
			e.mu.Lock()
			ids := make([]string, 0, len(e.tasks))
			for id, entry := range e.tasks {
				if entry.state == StateRunning {
					ids = append(ids, id)
				}
			}
			e.mu.Unlock()
			for _, id := range ids {
				if err := e.coord.HSet(ctx, e.keys.hashKey(id), map[string]string{"last_update": now}); err != nil {
					return err
				}
			}
		}
	}
}

// StartLocalTask seeds a worker-originated task, launched on every (re)entry
// into Run with a fresh id and never requeued to peers on shutdown (§4.8).
// Must be called before Run.
func (e *Engine) StartLocalTask(name string, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.localTasks = append(e.localTasks, localSeed{name: name, data: data})
}

// Run is the engine's entry point (§4.7). It merges classes into the class
// registry, then loops: relaunch local tasks, spawn the three background
// goroutines, and wait. ctx cancellation models a user interrupt (clean
// shutdown); a coordinator error triggers the down-recovery cycle and Run
// re-enters transparently. Run returns when ctx is cancelled, after clean
// shutdown completes, or if classes can never be acquired (never, in
// practice: merging is pure in-memory work).
func (e *Engine) Run(ctx context.Context, classes map[string]task.Class) error {
	e.mu.Lock()
	for name, c := range classes {
		e.taskClasses[name] = c
	}
	e.mu.Unlock()

	for {
		retry, err := e.runOnce(ctx)
		if retry {
			continue
		}
		return err
	}
}

// runOnce runs a single coordinator-connected session: reset transient
// state, relaunch local tasks, spawn the three background loops, and wait
// for either ctx cancellation (user interrupt) or a coordinator error. It
// returns retry=true after completing a coordinator-loss recovery cycle,
// signalling Run to re-enter immediately.
func (e *Engine) runOnce(ctx context.Context) (retry bool, err error) {
	e.mu.Lock()
	e.tasks = make(map[string]*taskEntry)
	e.channelSubscriptions = make(map[string]func(string))
	sub := e.coord.Subscribe(ctx)
	e.sub = sub
	e.mu.Unlock()

	if err := sub.Subscribe(ctx, WorkerChannel); err != nil {
		sub.Close()
		return e.handleLoopError(ctx, err)
	}
	e.metrics.SetCoordinatorUp(true)

	if err := e.relaunchLocalTasks(ctx); err != nil {
		sub.Close()
		return e.handleLoopError(ctx, err)
	}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	errCh := make(chan error, 3)
	go func() { errCh <- e.queueReaderLoop(loopCtx) }()
	go func() { errCh <- e.livenessLoop(loopCtx) }()
	go func() { errCh <- e.dispatcherLoop(loopCtx) }()

	var loopErr error
	select {
	case <-ctx.Done():
		loopErr = nil
	case loopErr = <-errCh:
	}
	cancelLoops()
	<-errCh
	<-errCh
	sub.Close()

	if ctx.Err() != nil {
		e.handleUserInterrupt(context.Background())
		return false, ctx.Err()
	}
	if loopErr == nil {
		return false, nil
	}
	return e.handleLoopError(ctx, loopErr)
}

// handleLoopError runs the coordinator-down recovery path and reports
// whether Run should retry: it always does, unless ctx was independently
// cancelled while recovery was underway.
func (e *Engine) handleLoopError(ctx context.Context, cause error) (retry bool, err error) {
	log.Error("taskd: coordinator unreachable, entering recovery", "error", cause)
	e.metrics.SetCoordinatorUp(false)
	e.handleCoordinatorDown(context.Background())
	e.waitForCoordinator(context.Background())
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return true, nil
}

// relaunchLocalTasks re-registers every seeded local task with a fresh
// UUID (§4.7, testable property 4).
func (e *Engine) relaunchLocalTasks(ctx context.Context) error {
	e.mu.Lock()
	seeds := append([]localSeed{}, e.localTasks...)
	e.mu.Unlock()

	for _, seed := range seeds {
		id := uuid.NewString()
		dataJSON, err := marshalData(seed.data)
		if err != nil {
			return err
		}
		if err := e.coord.HSet(ctx, e.keys.hashKey(id), map[string]string{
			"task":  seed.name,
			"data":  dataJSON,
			"local": "true",
			"state": StateWait,
		}); err != nil {
			return err
		}
		if err := e.AddTask(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// handleUserInterrupt requeues every RUNNING non-local task and deletes
// every local task's coordinator record (§4.7).
func (e *Engine) handleUserInterrupt(ctx context.Context) {
	e.mu.Lock()
	var running []string
	for id, entry := range e.tasks {
		if entry.state == StateRunning {
			running = append(running, id)
		}
	}
	locals := make(map[string]struct{}, len(e.localTaskIDs))
	for id := range e.localTaskIDs {
		locals[id] = struct{}{}
	}
	e.mu.Unlock()

	for _, id := range running {
		e.stopTask(ctx, id)
		if _, isLocal := locals[id]; isLocal {
			if err := e.coord.HDel(ctx, e.keys.hashKey(id)); err != nil {
				log.Warn("taskd: failed to delete local task record", "task_id", id, "error", err)
			}
			if err := e.coord.SRem(ctx, e.keys.taskSet, id); err != nil {
				log.Warn("taskd: failed to remove local task from active set", "task_id", id, "error", err)
			}
		} else {
			if err := e.coord.LPush(ctx, e.keys.newQueue, id); err != nil {
				log.Warn("taskd: failed to requeue task on shutdown", "task_id", id, "error", err)
			}
		}
	}
}

// handleCoordinatorDown marks every live task _STOPPED, invokes Stop, and
// cleans up locally without any further coordinator I/O (the coordinator
// is, after all, unreachable) (§4.7, open question 1 in §9).
func (e *Engine) handleCoordinatorDown(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.tasks))
	for id := range e.tasks {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.mu.Lock()
		entry, ok := e.tasks[id]
		if ok {
			entry.state = stateStopped_
		}
		e.mu.Unlock()
		if !ok {
			continue
		}
		e.invokeStop(entry)
		if entry.cancel != nil {
			entry.cancel()
		}
		e.cleanupTask(ctx, id, false)
	}
}

// waitForCoordinator polls Ping in a tight loop bounded only by the
// coordinator client's own I/O timeout, with no invented backoff or
// jitter -- the original's `_wait_for_redis` has none either (§9, §12).
func (e *Engine) waitForCoordinator(ctx context.Context) {
	for {
		if err := e.coord.Ping(ctx); err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}
