// ============================================================================
// taskd Task Engine - Per-Worker Task Lifecycle Engine
// ============================================================================
//
// Package: internal/engine
// File: engine.go
// Purpose: Owns the active-task table, spawns per-task goroutines, routes
// success/error/exception/stop transitions, enforces cleanup and requeue.
// This is the core of taskd (§4.6 of the specification).
//
// State machine (per task, in the owning worker):
//
//	WAIT -> RUNNING -> SUCCESS | ERROR | EXCEPTION
//	RUNNING -> STOPPED (control "stop", or user interrupt)
//	RUNNING -> _STOPPED (coordinator loss)
//	STOPPED | _STOPPED -> (late natural completion is dropped)
//
// Concurrency: tasks, channelSubscriptions and the active subscription are
// protected by mu, held only across the critical section and never across
// coordinator I/O or task-body execution (§5).
// ============================================================================

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/taskhaven/taskd/internal/coordinator"
	"github.com/taskhaven/taskd/pkg/task"
)

var log = slog.Default()

// Terminal and transitional task states (§3).
const (
	StateWait      = "WAIT"
	StateRunning   = "RUNNING"
	StateStopped   = "STOPPED"
	stateStopped_  = "_STOPPED" // coordinator-loss sentinel, never published
	StateSuccess   = "SUCCESS"
	StateError     = "ERROR"
	StateException = "EXCEPTION"
)

// Config configures an Engine at construction (§6).
type Config struct {
	Coordinator        coordinator.Coordinator
	TaskSet            string
	TaskPrefix         string
	NewQueue           string
	EndQueue           string
	UpdateTaskInterval time.Duration
	Metrics            Metrics
}

// Metrics is the narrow set of observability hooks the engine drives.
// internal/metrics.Collector satisfies this by method set alone.
type Metrics interface {
	TaskAdded()
	TaskSucceeded(d time.Duration)
	TaskErrored(d time.Duration)
	TaskExcepted(d time.Duration)
	TaskStopped()
	SetActive(n int)
	SetCoordinatorUp(up bool)
}

type noopMetrics struct{}

func (noopMetrics) TaskAdded()                    {}
func (noopMetrics) TaskSucceeded(time.Duration)   {}
func (noopMetrics) TaskErrored(time.Duration)     {}
func (noopMetrics) TaskExcepted(time.Duration)    {}
func (noopMetrics) TaskStopped()                  {}
func (noopMetrics) SetActive(int)                 {}
func (noopMetrics) SetCoordinatorUp(bool)         {}

// taskEntry is the in-memory record for one live, owned task. It folds
// together what the spec models as separate `tasks` and `task_threads`
// tables: a cancel func and done channel stand in for a goroutine handle.
type taskEntry struct {
	id        string
	instance  task.Task
	channel   string // event channel = coordinator hash key
	cleanup   bool
	local     bool
	state     string
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time
	ctxHandle task.Context
}

// Engine is the per-worker task lifecycle engine.
type Engine struct {
	keys     keys
	coord    coordinator.Coordinator
	interval time.Duration
	metrics  Metrics

	mu sync.Mutex

	// Durable: survive coordinator-loss recovery (§3, §4.7).
	taskClasses       map[string]task.Class
	localTasks        []localSeed
	localTaskIDs      map[string]struct{}
	exceptionHandlers []func(error)

	// Transient: reset on recovery.
	tasks                map[string]*taskEntry
	channelSubscriptions map[string]func(string)
	sub                  coordinator.Subscription
}

type localSeed struct {
	name string
	data map[string]any
}

// WorkerChannel is the fixed channel the dispatcher always subscribes to
// in addition to per-task channels. No callback is ever registered against
// it; this mirrors the original implementation's unexplained subscription
// (§9, open question 4) and is preserved as-is.
const WorkerChannel = "taskd"

// New builds an Engine from cfg, applying defaults for any option left zero.
func New(cfg Config) *Engine {
	taskSet := cfg.TaskSet
	if taskSet == "" {
		taskSet = "tasks"
	}
	prefix := cfg.TaskPrefix
	if prefix == "" {
		prefix = "task"
	}
	newQueue := cfg.NewQueue
	if newQueue == "" {
		newQueue = "new-task"
	}
	endQueue := cfg.EndQueue
	if endQueue == "" {
		endQueue = "end-task"
	}
	interval := cfg.UpdateTaskInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m := cfg.Metrics
	if m == nil {
		m = noopMetrics{}
	}
	return &Engine{
		keys:                 newKeys(prefix, taskSet, newQueue, endQueue),
		coord:                cfg.Coordinator,
		interval:             interval,
		metrics:              m,
		taskClasses:          make(map[string]task.Class),
		localTaskIDs:         make(map[string]struct{}),
		tasks:                make(map[string]*taskEntry),
		channelSubscriptions: make(map[string]func(string)),
	}
}

// AddTaskClass registers a task class under its declared Name() (§4.8).
func (e *Engine) AddTaskClass(c task.Class) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.taskClasses[c.Name()] = c
}

// AddTaskClasses registers many classes at once; sugar over AddTaskClass.
func (e *Engine) AddTaskClasses(classes ...task.Class) {
	for _, c := range classes {
		e.AddTaskClass(c)
	}
}

// AddExceptionHandler registers fn to be notified, in insertion order, of
// every task body's unhandled (non task.Error) failure.
func (e *Engine) AddExceptionHandler(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exceptionHandlers = append(e.exceptionHandlers, fn)
}

// ActiveCount returns the number of tasks this worker currently owns.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// AddTask acquires task_id: it reads the coordinator hash, marks the task
// RUNNING, constructs the registered class, and starts its goroutine
// (§4.6). A non-nil error means the coordinator itself is unreachable; any
// other failure (missing hash, unregistered class, bad data) is handled
// internally and reported through the normal terminal-state machinery.
func (e *Engine) AddTask(ctx context.Context, id string) error {
	hashKey := e.keys.hashKey(id)
	hash, err := e.coord.HGetAll(ctx, hashKey)
	if err != nil {
		return err
	}
	if len(hash) == 0 {
		log.Error("taskd: task id has no coordinator record, dropping", "task_id", id, "critical", true)
		return nil
	}

	className := hash["task"]
	data := hash["data"]
	local := hash["local"] == "true"
	cleanup := hash["cleanup"] != "false"

	log.Debug("taskd: acquiring task", "task_id", id, "task", className, "local", local)

	if err := e.coord.SAdd(ctx, e.keys.taskSet, id); err != nil {
		return err
	}
	if err := e.coord.HSet(ctx, hashKey, map[string]string{
		"state":       StateRunning,
		"last_update": nowStamp(),
	}); err != nil {
		return err
	}

	controlChannel := e.keys.controlChannel(id)
	e.subscribe(ctx, controlChannel, func(payload string) {
		e.controlTask(context.Background(), id, payload)
	})

	e.mu.Lock()
	class, known := e.taskClasses[className]
	e.mu.Unlock()
	if !known {
		e.onTaskException(ctx, id, &task.MissingTaskError{Name: className})
		return nil
	}

	var dataMap map[string]any
	if err := json.Unmarshal([]byte(data), &dataMap); err != nil {
		e.onTaskException(ctx, id, fmt.Errorf("taskd: invalid task data json: %w", err))
		return nil
	}

	instance, err := class.New(dataMap)
	if err != nil {
		e.onTaskException(ctx, id, fmt.Errorf("taskd: task construction failed: %w", err))
		return nil
	}

	entry := &taskEntry{
		id:      id,
		instance: instance,
		channel: hashKey,
		cleanup: cleanup,
		local:   local,
		state:   StateRunning,
	}
	if provider, ok := instance.(task.ContextProvider); ok {
		tctx, err := provider.ProvideContext()
		if err != nil {
			e.onTaskException(ctx, id, fmt.Errorf("taskd: provide context failed: %w", err))
			return nil
		}
		entry.ctxHandle = tctx
	}
	if binder, ok := instance.(interface{ Bind(task.Emitter) }); ok {
		binder.Bind(&taskEmitter{engine: e, channel: hashKey})
	}

	e.mu.Lock()
	e.tasks[id] = entry
	if local {
		e.localTaskIDs[id] = struct{}{}
	}
	e.mu.Unlock()

	e.metrics.TaskAdded()
	e.metrics.SetActive(e.ActiveCount())
	e.startTask(id)
	return nil
}

// startTask spawns the goroutine running entry.instance.Start (§4.6).
func (e *Engine) startTask(id string) {
	e.mu.Lock()
	entry, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(context.Background())
	entry.cancel = cancel
	entry.done = make(chan struct{})
	entry.state = StateRunning
	entry.startedAt = time.Now()
	e.mu.Unlock()

	go func() {
		defer close(entry.done)
		result, err := e.runTaskBody(runCtx, entry)
		if err != nil {
			e.onTaskException(context.Background(), id, err)
		} else {
			e.onTaskSuccess(context.Background(), id, result)
		}
	}()
}

// runTaskBody runs Start, converting a panic into an error the way the
// original distinguishes an unexpected exception from a raised task.Error.
func (e *Engine) runTaskBody(ctx context.Context, entry *taskEntry) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("taskd: task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return entry.instance.Start(ctx)
}

// controlTask dispatches a control-channel payload (§4.6).
func (e *Engine) controlTask(ctx context.Context, id, message string) {
	switch message {
	case "stop":
		e.stopTask(ctx, id)
	case "reload":
		e.reloadTask(ctx, id)
	default:
		log.Warn("taskd: unknown control message, ignoring", "task_id", id, "message", message)
	}
}

// stopTask transitions id to STOPPED before invoking Stop, so that any
// terminal signal emitted from within Stop is filtered by the state check
// in onTaskSuccess/onTaskException (§4.6).
func (e *Engine) stopTask(ctx context.Context, id string) {
	e.mu.Lock()
	entry, ok := e.tasks[id]
	if ok {
		entry.state = StateStopped
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	if err := e.coord.HSet(ctx, e.keys.hashKey(id), map[string]string{"state": StateStopped}); err != nil {
		log.Warn("taskd: failed to publish STOPPED state", "task_id", id, "error", err)
	}

	e.invokeStop(entry)

	if entry.cancel != nil {
		entry.cancel()
	}
	e.metrics.TaskStopped()
	e.cleanupTask(ctx, id, false)
}

func (e *Engine) invokeStop(entry *taskEntry) {
	stopper, ok := entry.instance.(task.Stopper)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn("taskd: task Stop panicked", "task_id", entry.id, "panic", r)
		}
	}()
	stopper.Stop()
}

// reloadTask re-reads the coordinator hash, picking up any external
// mutation of data before the reload (§4.6).
func (e *Engine) reloadTask(ctx context.Context, id string) {
	e.stopTask(ctx, id)
	if err := e.AddTask(ctx, id); err != nil {
		log.Warn("taskd: reload failed to re-acquire task", "task_id", id, "error", err)
	}
}

// onTaskSuccess handles a task body's normal return (§4.6).
func (e *Engine) onTaskSuccess(ctx context.Context, id string, value any) {
	if !e.stillLive(id) {
		return
	}
	dur := e.taskDuration(id)
	e.handleEndTask(ctx, id, StateSuccess, value, slog.LevelInfo)
	e.metrics.TaskSucceeded(dur)
	e.cleanupTask(ctx, id, true)
}

// onTaskException classifies a task body's returned error (§4.6, §7). Unlike
// onTaskSuccess, this path is not filtered by STOPPED/_STOPPED races: it is
// also how AddTask reports a missing class, bad data, or a construction
// failure, none of which ever had a tasks[id] entry to race against.
func (e *Engine) onTaskException(ctx context.Context, id string, err error) {
	if errors.Is(err, context.Canceled) {
		return // cancellation sentinel, never published, never handled
	}

	var terr *task.Error
	if errors.As(err, &terr) {
		e.onTaskError(ctx, id, terr)
		return
	}

	dur := e.taskDuration(id)
	trace := err.Error()
	e.handleEndTask(ctx, id, StateException, trace, slog.LevelWarn)
	e.metrics.TaskExcepted(dur)

	e.mu.Lock()
	handlers := append([]func(error){}, e.exceptionHandlers...)
	e.mu.Unlock()
	for _, h := range handlers {
		e.invokeHandler(h, err)
	}

	e.cleanupTask(ctx, id, true)
}

func (e *Engine) invokeHandler(h func(error), err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("taskd: exception handler panicked", "panic", r)
		}
	}()
	h(err)
}

// onTaskError handles a task body returning a *task.Error (§4.6).
func (e *Engine) onTaskError(ctx context.Context, id string, terr *task.Error) {
	dur := e.taskDuration(id)
	e.handleEndTask(ctx, id, StateError, terr.Message, slog.LevelInfo)
	e.metrics.TaskErrored(dur)
	e.cleanupTask(ctx, id, true)
}

// stillLive returns whether id is still a live, non-stopped entry -- the
// filter that drops late terminal arrivals for STOPPED/_STOPPED tasks
// (invariant 2, §3) and races between concurrent stop and completion.
func (e *Engine) stillLive(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.tasks[id]
	if !ok {
		return false
	}
	return entry.state != StateStopped && entry.state != stateStopped_
}

func (e *Engine) taskDuration(id string) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.tasks[id]
	if !ok || entry.startedAt.IsZero() {
		return 0
	}
	return time.Since(entry.startedAt)
}

// handleEndTask writes the terminal state+output to the coordinator hash
// and emits the corresponding event (§4.6).
func (e *Engine) handleEndTask(ctx context.Context, id, state string, output any, level slog.Level) {
	outputStr := formatOutput(output)
	log.Log(ctx, level, "taskd: task reached terminal state", "task_id", id, "state", state)

	if err := e.coord.HSet(ctx, e.keys.hashKey(id), map[string]string{
		"state":  state,
		"output": outputStr,
	}); err != nil {
		log.Warn("taskd: failed to publish terminal state", "task_id", id, "error", err)
	}

	e.mu.Lock()
	entry, ok := e.tasks[id]
	if ok {
		entry.state = state
	}
	e.mu.Unlock()

	if ok {
		e.emit(entry.channel, strings.ToLower(state), output)
	}
}

// cleanupTask unsubscribes the control channel, releases the task's scoped
// context, cancels its goroutine, and -- if enqueue and the task's cleanup
// flag both allow it -- hands ownership to the end-queue (§4.6). Local
// tasks are not special-cased here: the supervisor's explicit shutdown
// branch and the coordinator-loss path both already call this with
// enqueue=false, which is where local tasks are kept off the end-queue.
func (e *Engine) cleanupTask(ctx context.Context, id string, enqueue bool) {
	e.unsubscribe(ctx, e.keys.controlChannel(id))

	e.mu.Lock()
	entry, ok := e.tasks[id]
	if ok {
		delete(e.tasks, id)
	}
	e.mu.Unlock()

	if ok {
		if entry.cancel != nil {
			entry.cancel()
		}
		if entry.ctxHandle != nil {
			entry.ctxHandle.Release()
		}
	}
	e.metrics.SetActive(e.ActiveCount())

	cleanupFlag := true
	if ok {
		cleanupFlag = entry.cleanup
	} else if enqueue {
		// Construction failed before an entry existed (e.g. a missing
		// class, or bad data): fall back to the hash's own `cleanup` field.
		if hash, err := e.coord.HGetAll(ctx, e.keys.hashKey(id)); err == nil {
			cleanupFlag = hash["cleanup"] != "false"
		}
	}
	if enqueue && cleanupFlag {
		if err := e.coord.LPush(ctx, e.keys.endQueue, id); err != nil {
			log.Warn("taskd: failed to push to end-queue", "task_id", id, "error", err)
		}
		if err := e.coord.SRem(ctx, e.keys.taskSet, id); err != nil {
			log.Warn("taskd: failed to remove from active-task set", "task_id", id, "error", err)
		}
	}
}

func nowStamp() string {
	return fmt.Sprintf("%.6f", float64(time.Now().UnixNano())/1e9)
}

func marshalData(data map[string]any) (string, error) {
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("taskd: failed to marshal local task data: %w", err)
	}
	return string(b), nil
}

func formatOutput(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
