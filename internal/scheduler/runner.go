// Package scheduler drives the reservation tasks on fixed intervals. Each
// task kind runs single-flight: an invocation that would overlap a still
// running one is skipped, never run concurrently. Across replicas the
// runner only executes on the elected leader.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/renkulab/capacity-agent/internal/metrics"
)

// Task is a discrete, idempotent unit of reconciliation work.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

type entry struct {
	task     Task
	interval time.Duration
	mu       sync.Mutex
}

// Runner schedules registered tasks. It implements manager.Runnable and
// requires leader election so at most one agent replica runs the tasks.
type Runner struct {
	entries []*entry
	logger  logr.Logger
}

// NewRunner returns an empty runner; register tasks before starting it.
func NewRunner() *Runner {
	return &Runner{logger: log.Log.WithName("task-runner")}
}

// Register adds a task to be run every interval.
func (r *Runner) Register(task Task, interval time.Duration) {
	r.entries = append(r.entries, &entry{task: task, interval: interval})
}

// NeedLeaderElection makes the manager start the runner only on the leader.
func (r *Runner) NeedLeaderElection() bool { return true }

// Start runs every registered task on its interval until the context is
// cancelled. Each task gets an immediate first run.
func (r *Runner) Start(ctx context.Context) error {
	logger := r.logger

	var wg sync.WaitGroup
	for _, e := range r.entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()

			logger.Info("Starting task loop",
				"task", e.task.Name(),
				"interval", e.interval)

			ticker := time.NewTicker(e.interval)
			defer ticker.Stop()

			r.runOnce(ctx, e)

			for {
				select {
				case <-ctx.Done():
					logger.Info("Stopping task loop", "task", e.task.Name())
					return
				case <-ticker.C:
					r.runOnce(ctx, e)
				}
			}
		}(e)
	}

	wg.Wait()
	return nil
}

// runOnce executes one task invocation unless the previous one is still in
// flight, in which case the tick is skipped.
func (r *Runner) runOnce(ctx context.Context, e *entry) {
	logger := r.logger

	if !e.mu.TryLock() {
		logger.Info("Previous invocation still running, skipping tick",
			"task", e.task.Name())
		metrics.TaskRuns.WithLabelValues(e.task.Name(), "skipped").Inc()
		return
	}
	defer e.mu.Unlock()

	start := time.Now()
	err := e.task.Run(ctx)
	metrics.TaskDuration.WithLabelValues(e.task.Name()).Observe(time.Since(start).Seconds())

	if err != nil {
		logger.Error(err, "Task invocation failed, will retry on next tick",
			"task", e.task.Name())
		metrics.TaskRuns.WithLabelValues(e.task.Name(), "error").Inc()
		return
	}
	metrics.TaskRuns.WithLabelValues(e.task.Name(), "success").Inc()
}
