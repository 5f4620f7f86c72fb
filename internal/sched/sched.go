// Package sched runs dependency-ordered work units with bounded parallelism
// and per-task retry. It hosts the pipeline stage chains: sequential stages,
// per-region fan-out, and the join barrier before success marking, all
// expressed as task dependencies rather than in-process waiting.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"
)

// Task is one independent work unit. Retries counts additional attempts after
// the first; dependencies must finish successfully before the task starts.
type Task struct {
	ID        string
	DependsOn []string
	Retries   int
	Run       func(ctx context.Context) error
}

// Executor runs a set of tasks to completion. The in-process Runner is the
// default; a distributed at-least-once scheduler can be substituted behind
// this seam.
type Executor interface {
	Execute(ctx context.Context, tasks []Task) error
}

// TaskError reports a task that exhausted its attempts.
type TaskError struct {
	ID       string
	Attempts int
	Err      error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s failed after %d attempt(s): %v", e.ID, e.Attempts, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// SkippedError reports a task never started because a dependency failed.
type SkippedError struct {
	ID         string
	Dependency string
}

func (e *SkippedError) Error() string {
	return fmt.Sprintf("task %s skipped: dependency %s failed", e.ID, e.Dependency)
}

// Runner executes tasks in-process with a bounded worker pool. Independent
// tasks keep running when a sibling fails; only dependents are skipped.
type Runner struct {
	workers int
	backoff []time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a Runner.
type Option func(*Runner)

// WithBackoff overrides the retry backoff schedule. The last entry repeats
// when attempts outnumber entries.
func WithBackoff(backoff ...time.Duration) Option {
	return func(r *Runner) { r.backoff = backoff }
}

// WithSleep overrides the backoff sleep for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) { r.sleep = sleep }
}

// NewRunner constructs a runner with the given parallelism.
func NewRunner(workers int, opts ...Option) *Runner {
	if workers <= 0 {
		workers = 4
	}
	r := &Runner{
		workers: workers,
		backoff: []time.Duration{time.Second, 5 * time.Second},
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func validate(tasks []Task) (map[string]Task, error) {
	byID := make(map[string]Task, len(tasks))
	for _, task := range tasks {
		if task.ID == "" {
			return nil, fmt.Errorf("task with empty id")
		}
		if task.Run == nil {
			return nil, fmt.Errorf("task %s has no run function", task.ID)
		}
		if _, dup := byID[task.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %s", task.ID)
		}
		byID[task.ID] = task
	}
	for _, task := range tasks {
		for _, dep := range task.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("task %s depends on unknown task %s", task.ID, dep)
			}
		}
	}
	return byID, validateAcyclic(byID)
}

func validateAcyclic(tasks map[string]Task) error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case grey:
			return fmt.Errorf("dependency cycle through task %s", id)
		case black:
			return nil
		}
		color[id] = grey
		for _, dep := range tasks[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

type taskResult struct {
	id  string
	err error
}

// Execute runs the task set to completion and returns the joined errors of
// every failed or skipped task, or nil when all succeeded.
func (r *Runner) Execute(ctx context.Context, tasks []Task) error {
	byID, err := validate(tasks)
	if err != nil {
		return err
	}

	const (
		statePending = iota
		stateRunning
		stateDone
		stateFailed
		stateSkipped
	)
	state := make(map[string]int, len(byID))
	failedDep := make(map[string]string, len(byID))
	for id := range byID {
		state[id] = statePending
	}

	sem := semaphore.NewWeighted(int64(r.workers))
	results := make(chan taskResult)
	var errs []error
	inFlight := 0

	ready := func() []Task {
		var out []Task
		for id, task := range byID {
			if state[id] != statePending {
				continue
			}
			ok := true
			for _, dep := range task.DependsOn {
				if state[dep] != stateDone {
					ok = false
					break
				}
			}
			if ok {
				out = append(out, task)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out
	}

	// Transitively skip dependents of failed tasks.
	markSkipped := func() {
		changed := true
		for changed {
			changed = false
			for id, task := range byID {
				if state[id] != statePending {
					continue
				}
				for _, dep := range task.DependsOn {
					if state[dep] == stateFailed || state[dep] == stateSkipped {
						state[id] = stateSkipped
						if root, ok := failedDep[dep]; ok {
							failedDep[id] = root
						} else {
							failedDep[id] = dep
						}
						changed = true
						break
					}
				}
			}
		}
	}

	for {
		for _, task := range ready() {
			task := task
			state[task.ID] = stateRunning
			inFlight++
			go func() {
				results <- taskResult{id: task.ID, err: r.attempt(ctx, sem, task)}
			}()
		}
		if inFlight == 0 {
			break
		}
		res := <-results
		inFlight--
		if res.err != nil {
			state[res.id] = stateFailed
			failedDep[res.id] = res.id
			errs = append(errs, res.err)
			markSkipped()
		} else {
			state[res.id] = stateDone
		}
	}

	skipped := make([]string, 0)
	for id, st := range state {
		if st == stateSkipped {
			skipped = append(skipped, id)
		}
	}
	sort.Strings(skipped)
	for _, id := range skipped {
		errs = append(errs, &SkippedError{ID: id, Dependency: failedDep[id]})
	}
	return errors.Join(errs...)
}

func (r *Runner) attempt(ctx context.Context, sem *semaphore.Weighted, task Task) error {
	if err := sem.Acquire(ctx, 1); err != nil {
		return &TaskError{ID: task.ID, Attempts: 0, Err: err}
	}
	defer sem.Release(1)

	attempts := 0
	for {
		attempts++
		err := task.Run(ctx)
		if err == nil {
			return nil
		}
		if attempts > task.Retries {
			return &TaskError{ID: task.ID, Attempts: attempts, Err: err}
		}
		wait := r.backoff[min(attempts-1, len(r.backoff)-1)]
		if serr := r.sleep(ctx, wait); serr != nil {
			return &TaskError{ID: task.ID, Attempts: attempts, Err: err}
		}
	}
}
