// Package tasks holds the illustrative task classes shipped with taskd
// (echo, fail, panic), registered by `taskd run` and used by the engine's
// own tests. Real
// deployments register their own classes (§1: concrete task classes are
// out of scope beyond this example).
package tasks

import (
	"context"
	"time"

	"github.com/taskhaven/taskd/pkg/task"
)

// Echo is the simplest possible task: it emits its message once, waits
// Delay seconds (or until stopped/cancelled), then returns the message as
// its SUCCESS output.
type Echo struct {
	task.Base
	Msg   string
	Delay int // seconds to run before returning; 0 returns immediately
	stop  chan struct{}
}

// EchoClass adapts Echo's constructor into a task.Class registered as "echo".
type EchoClass struct{}

func (EchoClass) Name() string { return "echo" }

func (EchoClass) New(data map[string]any) (task.Task, error) {
	msg, _ := data["msg"].(string)
	delay := 0
	if d, ok := data["delay"].(float64); ok {
		delay = int(d)
	}
	return &Echo{Msg: msg, Delay: delay, stop: make(chan struct{})}, nil
}

func (e *Echo) Start(ctx context.Context) (any, error) {
	e.Emit("echo", e.Msg)
	if e.Delay <= 0 {
		return e.Msg, nil
	}
	timer := time.After(time.Duration(e.Delay) * time.Second)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.stop:
		return nil, ctx.Err()
	case <-timer:
		return e.Msg, nil
	}
}

func (e *Echo) Stop() {
	close(e.stop)
}

// Fail is a demo task that always returns a user-visible error, exercising
// the ERROR terminal state.
type Fail struct {
	task.Base
	Reason string
}

type FailClass struct{}

func (FailClass) Name() string { return "fail" }

func (FailClass) New(data map[string]any) (task.Task, error) {
	reason, _ := data["reason"].(string)
	if reason == "" {
		reason = "unspecified failure"
	}
	return &Fail{Reason: reason}, nil
}

func (f *Fail) Start(ctx context.Context) (any, error) {
	return nil, task.NewError("%s", f.Reason)
}

// Panic is a demo task that panics, exercising the EXCEPTION terminal state
// via a recovered panic rather than a returned error.
type Panic struct {
	task.Base
}

type PanicClass struct{}

func (PanicClass) Name() string { return "panic" }

func (PanicClass) New(data map[string]any) (task.Task, error) {
	return &Panic{}, nil
}

func (p *Panic) Start(ctx context.Context) (any, error) {
	panic("taskd: demo panic task triggered")
}
