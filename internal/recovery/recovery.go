// Package recovery implements startup crash recovery: load the last
// snapshot, rewrite any task caught mid-RUNNING back to PENDING so a crash
// mid-execution can't strand it, rebuild the dependency graph, and
// re-register cron tasks.
package recovery

import (
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/fluxforge/taskengine/internal/depgraph"
	"github.com/fluxforge/taskengine/internal/snapshot"
	"github.com/fluxforge/taskengine/internal/task"
)

// CronRegistrar is satisfied by orchestrator.Scheduler, kept as an interface
// here so recovery doesn't import orchestrator (which itself depends on the
// store recovery populates — avoiding an import cycle).
type CronRegistrar interface {
	RegisterCronTask(t *task.Task) error
}

// Result summarizes what recovery did, useful for the startup banner.
type Result struct {
	TasksRestored    int
	RunningRewritten int
	HistoryRestored  int
	CronReregistered int
}

// Run loads path's snapshot file (if any) and restores it into store.
func Run(path string, store *task.Store, graph *depgraph.Graph, cron CronRegistrar) (Result, error) {
	doc, err := snapshot.Load(path)
	if err != nil {
		return Result{}, fmt.Errorf("recovery: %w", err)
	}
	return Restore(doc, store, graph, cron)
}

// Restore replays an already-loaded snapshot document into store: rewrites
// stranded RUNNING tasks to PENDING, rebuilds graph's waiting set from each
// restored task's dependencies, re-registers SCHEDULED tasks with cron, and
// seeds the history log. Callers with a non-file snapshot source (the Redis
// sink) load the document themselves and come in here.
func Restore(doc snapshot.Document, store *task.Store, graph *depgraph.Graph, cron CronRegistrar) (Result, error) {
	var res Result
	for _, t := range doc.Live {
		if t.Status == task.Running {
			t.Status = task.Pending
			res.RunningRewritten++
		}
		// Backoff timers don't survive a restart, so a task caught waiting in
		// RETRY would otherwise be stranded; the next admit tick re-runs it.
		if t.Status == task.Retry {
			t.Status = task.Pending
		}
		restored, err := store.Add(t)
		if err != nil {
			log.Printf("recovery: dropping task %s (%s): %v", t.ID, t.Name, err)
			continue
		}
		res.TasksRestored++

		if len(restored.Dependencies) > 0 {
			graph.Register(restored.ID, restored.Dependencies)
		}

		if restored.ScheduleKind == task.KindScheduled && restored.CronExpr != "" {
			if err := cron.RegisterCronTask(restored); err != nil {
				log.Printf("recovery: failed to re-register cron for %s: %v", restored.ID, err)
				continue
			}
			res.CronReregistered++
		}
	}

	store.RestoreHistory(doc.History)
	res.HistoryRestored = len(doc.History)
	log.Printf("recovery: restored %d live tasks (%d rewritten from RUNNING), %d history entries, %d cron re-registrations",
		res.TasksRestored, res.RunningRewritten, res.HistoryRestored, res.CronReregistered)

	return res, nil
}

// StatusLookupFor builds a depgraph.StatusLookup closure against store,
// exposed so cmd/taskengine can construct the graph before recovery runs
// (the graph must exist to be fed by Run, but it needs a lookup closure that
// only makes sense once the store exists too).
func StatusLookupFor(store *task.Store) func(id uuid.UUID) (bool, bool) {
	return func(id uuid.UUID) (bool, bool) {
		t, err := store.GetByID(id)
		if err != nil {
			return false, false
		}
		return t.Status == task.Done, true
	}
}
