// Command taskengine runs the task orchestration engine: config load,
// snapshot-backed store, crash recovery, the scheduler loop, and a
// read-only HTTP surface plus a Prometheus /metrics endpoint. Single-process
// operation: all components share memory and shut down together on signal.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fluxforge/taskengine/internal/config"
	"github.com/fluxforge/taskengine/internal/crontrigger"
	"github.com/fluxforge/taskengine/internal/depgraph"
	"github.com/fluxforge/taskengine/internal/durablestore"
	"github.com/fluxforge/taskengine/internal/handler"
	"github.com/fluxforge/taskengine/internal/httpapi"
	"github.com/fluxforge/taskengine/internal/ingest"
	"github.com/fluxforge/taskengine/internal/orchestrator"
	"github.com/fluxforge/taskengine/internal/queue"
	"github.com/fluxforge/taskengine/internal/recovery"
	"github.com/fluxforge/taskengine/internal/reporter"
	"github.com/fluxforge/taskengine/internal/result"
	"github.com/fluxforge/taskengine/internal/retry"
	"github.com/fluxforge/taskengine/internal/snapshot"
	"github.com/fluxforge/taskengine/internal/task"
	"github.com/fluxforge/taskengine/internal/timeoutsup"
	"github.com/fluxforge/taskengine/internal/workerpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var redisBackend *durablestore.RedisBackend
	if cfg.UsesRedis() {
		redisBackend, err = durablestore.NewRedisBackend(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("taskengine: redis backend: %v", err)
		}
		defer redisBackend.Close()
	}

	// An empty storage path with Redis configured moves the snapshot there.
	useRedisSnapshot := cfg.StoragePath == "" && redisBackend != nil
	var snapSink task.SnapshotWriter
	if useRedisSnapshot {
		snapSink = redisBackend.SnapshotSink()
	} else {
		snapSink = snapshot.NewFileSink(cfg.SnapshotFile())
	}
	store := task.NewStore(snapSink)

	graph := depgraph.New(recovery.StatusLookupFor(store))
	cron := crontrigger.New(
		crontrigger.WithCoalesce(cfg.SchedulerCoalesce),
		crontrigger.WithMaxInstances(cfg.SchedulerMaxInstances),
	)
	retryer := retry.New(store, cron)
	taskQueue := queue.New()

	schedCfg := orchestrator.DefaultConfig()
	schedCfg.AdmitInterval = cfg.SchedulerPollInterval
	schedCfg.DispatchInterval = cfg.SchedulerDispatchTick
	schedCfg.MaxConcurrency = cfg.SchedulerConcurrency

	registry := handler.NewRegistry()
	registry.SetFallback(handler.Shadow(func(ctx context.Context, t *task.Task) (handler.Outcome, error) {
		log.Printf("taskengine: no handler registered for task %s (%s); reporting no-op success", t.ID, t.Name)
		return handler.Outcome{Success: true}, nil
	}))

	results := result.NewStore()
	timeouts := timeoutsup.New()

	var archive *durablestore.PostgresHistoryArchive
	if cfg.UsesPostgres() {
		archive, err = durablestore.NewPostgresHistoryArchive(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("taskengine: postgres history archive: %v", err)
		}
		defer archive.Close()
	}

	// The pool's completion callback is the scheduler's RecordOutcome, so the
	// scheduler is built first and the pool attached afterward.
	sched := orchestrator.New(schedCfg, store, taskQueue, graph, nil, retryer, cron)
	onDone := func(id uuid.UUID, status task.Status) {
		sched.RecordOutcome(id, status)
		if archive != nil && (status == task.Done || status == task.Failed || status == task.Timeout) {
			if t, err := store.GetByID(id); err == nil {
				if err := archive.Append(context.Background(), t); err != nil {
					log.Printf("taskengine: history archive append for %s: %v", id, err)
				}
			}
		}
	}
	pool := workerpool.New(int64(cfg.SchedulerConcurrency), store, registry, results, timeouts, onDone)
	sched.AttachPool(pool)

	var res recovery.Result
	if useRedisSnapshot {
		doc, lerr := redisBackend.SnapshotSink().Load(ctx)
		if lerr != nil {
			log.Fatalf("recovery: %v", lerr)
		}
		res, err = recovery.Restore(doc, store, graph, sched)
	} else {
		res, err = recovery.Run(cfg.SnapshotFile(), store, graph, sched)
	}
	if err != nil {
		log.Fatalf("recovery: %v", err)
	}

	rep := reporter.New(results, reporter.LogSink{}, cfg.ReportingInterval)

	sched.Start(ctx)
	rep.Start(ctx)

	if cfg.UsesIngest() {
		var dedup ingest.DedupBackend
		if redisBackend != nil {
			dedup = redisBackend
		}
		ing := ingest.New("http", ingest.NewHTTPFetcher(cfg.IngestURL, nil), store, dedup, cfg.IngestInterval, cfg.IngestRate)
		ing.Start(ctx)
	}

	api := httpapi.New(store)
	mux := api.Mux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	fmt.Println("==================================================")
	fmt.Println("TASKENGINE STARTING")
	fmt.Println("==================================================")
	fmt.Printf("Concurrency:      %d\n", cfg.SchedulerConcurrency)
	if useRedisSnapshot {
		fmt.Printf("Snapshot store:   redis (%s)\n", cfg.RedisAddr)
	} else {
		fmt.Printf("Snapshot store:   %s\n", cfg.SnapshotFile())
	}
	fmt.Printf("Restored tasks:   %d (rewritten from RUNNING: %d)\n", res.TasksRestored, res.RunningRewritten)
	fmt.Printf("Ingest source:    %v\n", cfg.UsesIngest())
	fmt.Printf("Redis backend:    %v\n", cfg.UsesRedis())
	fmt.Printf("Postgres backend: %v\n", cfg.UsesPostgres())
	fmt.Println("==================================================")

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		log.Println("taskengine: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("taskengine: http shutdown error: %v", err)
		}
		cron.Stop()
		timeouts.Shutdown()
		if err := pool.Drain(shutdownCtx); err != nil {
			log.Printf("taskengine: worker drain incomplete: %v", err)
		}
		if err := store.PersistSnapshot(); err != nil {
			log.Printf("taskengine: final snapshot flush failed: %v", err)
		}
	}()

	log.Printf("taskengine listening on %s", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("taskengine: http server error: %v", err)
	}
	// ListenAndServe returns as soon as Shutdown begins; wait for the drain
	// and final snapshot before exiting.
	<-shutdownDone
}
