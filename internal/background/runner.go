// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package background runs detached tasks that outlive the HTTP response
// that spawned them.
//
// The relay finishes streaming to the browser and then persists the
// accumulated assistant text here: the response has already ended, so the
// work runs on its own context with a bounded budget instead of the
// request context.
package background

import (
	"context"
	"log"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// DefaultBudget bounds a single detached task.
const DefaultBudget = 30 * time.Second

// Runner executes detached tasks with panic isolation and a per-task
// time budget.
type Runner struct {
	wg     conc.WaitGroup
	budget time.Duration
}

// NewRunner creates a runner with the given per-task budget.
// A non-positive budget falls back to DefaultBudget.
func NewRunner(budget time.Duration) *Runner {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Runner{budget: budget}
}

// Go runs fn detached from any request context. The task gets a fresh
// context bounded by the runner's budget; a panic inside fn is caught and
// logged without taking the process down.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) {
	r.wg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.budget)
		defer cancel()

		start := time.Now()

		var catcher panics.Catcher
		var err error
		catcher.Try(func() {
			err = fn(ctx)
		})

		if recovered := catcher.Recovered(); recovered != nil {
			log.Printf("TASK_PANIC | task=%s error=%v\n%s", name, recovered.Value, recovered.Stack)
			return
		}
		if err != nil {
			log.Printf("TASK_FAILED | task=%s duration=%.3fs error=%v", name, time.Since(start).Seconds(), err)
			return
		}
		log.Printf("TASK_COMPLETE | task=%s duration=%.3fs", name, time.Since(start).Seconds())
	})
}

// Drain blocks until all in-flight tasks finish or ctx expires. Used
// during shutdown so accepted work is not dropped.
func (r *Runner) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
