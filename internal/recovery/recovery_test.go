package recovery

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fluxforge/taskengine/internal/depgraph"
	"github.com/fluxforge/taskengine/internal/snapshot"
	"github.com/fluxforge/taskengine/internal/task"
)

type fakeCronRegistrar struct {
	registered []*task.Task
}

func (f *fakeCronRegistrar) RegisterCronTask(t *task.Task) error {
	f.registered = append(f.registered, t)
	return nil
}

func TestRunRewritesRunningToPending(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snap.json")

	stuck := task.New("stuck-mid-run")
	stuck.Status = task.Running
	require.NoError(t, snapshot.NewFileSink(path).Write([]*task.Task{stuck}, nil))

	store := task.NewStore(nil)
	graph := depgraph.New(StatusLookupFor(store))
	res, err := Run(path, store, graph, &fakeCronRegistrar{})
	require.NoError(t, err)
	require.Equal(t, 1, res.TasksRestored)
	require.Equal(t, 1, res.RunningRewritten)

	restored, err := store.GetByID(stuck.ID)
	require.NoError(t, err)
	require.Equal(t, task.Pending, restored.Status)
}

func TestRunReregistersCronTasks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snap.json")

	scheduled := task.New("nightly")
	scheduled.ScheduleKind = task.KindScheduled
	scheduled.CronExpr = "0 0 * * *"
	require.NoError(t, snapshot.NewFileSink(path).Write([]*task.Task{scheduled}, nil))

	store := task.NewStore(nil)
	graph := depgraph.New(StatusLookupFor(store))
	registrar := &fakeCronRegistrar{}
	res, err := Run(path, store, graph, registrar)
	require.NoError(t, err)
	require.Equal(t, 1, res.CronReregistered)
	require.Len(t, registrar.registered, 1)
}

func TestRunRewritesRetryToPending(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snap.json")

	waiting := task.New("waiting-on-backoff")
	waiting.Status = task.Retry
	waiting.RetryPolicy = &task.RetryPolicy{MaxRetries: 3, RetryDelaySec: 60, CurrentRetries: 1}
	require.NoError(t, snapshot.NewFileSink(path).Write([]*task.Task{waiting}, nil))

	store := task.NewStore(nil)
	graph := depgraph.New(StatusLookupFor(store))
	_, err := Run(path, store, graph, &fakeCronRegistrar{})
	require.NoError(t, err)

	restored, err := store.GetByID(waiting.ID)
	require.NoError(t, err)
	require.Equal(t, task.Pending, restored.Status)
	require.Equal(t, 1, restored.RetryPolicy.CurrentRetries)
}

func TestRunRestoresHistory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snap.json")

	finished := task.New("old-run")
	finished.Status = task.Done
	require.NoError(t, snapshot.NewFileSink(path).Write(nil, []*task.Task{finished}))

	store := task.NewStore(nil)
	graph := depgraph.New(StatusLookupFor(store))
	res, err := Run(path, store, graph, &fakeCronRegistrar{})
	require.NoError(t, err)
	require.Equal(t, 1, res.HistoryRestored)

	history := store.ListHistory()
	require.Len(t, history, 1)
	require.Equal(t, finished.ID, history[0].ID)
}

func TestRestoreReplaysDocumentDirectly(t *testing.T) {
	store := task.NewStore(nil)
	graph := depgraph.New(StatusLookupFor(store))

	stuck := task.New("from-redis")
	stuck.Status = task.Running

	res, err := Restore(snapshot.Document{Live: []*task.Task{stuck}}, store, graph, &fakeCronRegistrar{})
	require.NoError(t, err)
	require.Equal(t, 1, res.TasksRestored)
	require.Equal(t, 1, res.RunningRewritten)

	restored, err := store.GetByID(stuck.ID)
	require.NoError(t, err)
	require.Equal(t, task.Pending, restored.Status)
}

func TestRunOnMissingSnapshotIsNoOp(t *testing.T) {
	dir := t.TempDir()
	store := task.NewStore(nil)
	graph := depgraph.New(StatusLookupFor(store))
	res, err := Run(filepath.Join(dir, "absent.json"), store, graph, &fakeCronRegistrar{})
	require.NoError(t, err)
	require.Equal(t, 0, res.TasksRestored)
}
