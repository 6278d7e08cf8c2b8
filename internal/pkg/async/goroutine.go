// Package async runs fire-and-forget side effects with panic recovery.
package async

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// Task is a unit of best-effort work.
type Task func(ctx context.Context) error

// Dispatcher schedules best-effort work. Failures are only observed through
// onError; callers never wait for the outcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, task Task, onError func(error))
}

// SafeGo runs tasks on their own goroutine. The task context is detached
// from the caller's cancellation and bounded by Timeout.
type SafeGo struct {
	Timeout time.Duration
}

func (s SafeGo) Dispatch(parent context.Context, name string, task Task, onError func(error)) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	base := context.WithoutCancel(parent)

	go func() {
		ctx, cancel := context.WithTimeout(base, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				log.Errorf("[SafeGo] PANIC in %s: %v\n%s", name, r, string(debug.Stack()))
			}
		}()

		if err := task(ctx); err != nil {
			log.Warnf("[SafeGo] %s failed: %v", name, err)
			if onError != nil {
				onError(err)
			}
		}
	}()
}

// Inline runs tasks synchronously on the caller's goroutine. Errors are still
// only reported through onError.
type Inline struct{}

func (Inline) Dispatch(ctx context.Context, name string, task Task, onError func(error)) {
	if err := task(ctx); err != nil {
		log.Warnf("[Inline] %s failed: %v", name, err)
		if onError != nil {
			onError(err)
		}
	}
}
