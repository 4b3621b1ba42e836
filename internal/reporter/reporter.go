// Package reporter periodically drains the result store, shapes each result
// into a delivery row, and hands the batch to an outbound sink. Delivery is
// best-effort: a failed batch is logged and discarded.
package reporter

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/fluxforge/taskengine/internal/observability"
	"github.com/fluxforge/taskengine/internal/result"
)

// Row is the outbound shape of one execution result: a status label, the
// error message ("None" on success), and the execution timestamp.
type Row struct {
	TaskID      uuid.UUID `json:"taskId"`
	StatusLabel string    `json:"statusLabel"`
	Error       string    `json:"error"`
	Timestamp   time.Time `json:"timestamp"`
}

// OutboundSink delivers result rows somewhere outside the engine (a webhook,
// a message bus, a log). Implementations should treat a batch atomically: a
// returned error means the whole batch is considered undelivered.
type OutboundSink interface {
	DeliverResults(ctx context.Context, batch []Row) error
	DeliverSingle(ctx context.Context, row Row) error
}

// LogSink is the default OutboundSink: it logs each row. Used when no real
// collaborator is wired.
type LogSink struct{}

// DeliverResults logs the batch and always succeeds.
func (LogSink) DeliverResults(ctx context.Context, batch []Row) error {
	for _, row := range batch {
		log.Printf("[REPORTER] task=%s status=%s error=%s at=%s",
			row.TaskID, row.StatusLabel, row.Error, row.Timestamp.Format(time.RFC3339))
	}
	return nil
}

// DeliverSingle logs one row and always succeeds.
func (s LogSink) DeliverSingle(ctx context.Context, row Row) error {
	return s.DeliverResults(ctx, []Row{row})
}

// toRow shapes a raw result into its delivery row.
func toRow(r result.Result) Row {
	row := Row{
		TaskID:      r.TaskID,
		StatusLabel: "SUCCESS",
		Error:       "None",
		Timestamp:   r.Timestamp,
	}
	if !r.SuccessFlag {
		row.StatusLabel = "FAILED"
		row.Error = "unspecified error"
		if msg, ok := r.ExecutionDetails["error"].(string); ok && msg != "" {
			row.Error = msg
		}
	}
	return row
}

// Reporter periodically flushes the result store.
type Reporter struct {
	store    *result.Store
	sink     OutboundSink
	interval time.Duration
}

// New builds a Reporter flushing store to sink every interval.
func New(store *result.Store, sink OutboundSink, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reporter{store: store, sink: sink, interval: interval}
}

// Start runs the flush loop until ctx is cancelled.
func (r *Reporter) Start(ctx context.Context) {
	go r.loop(ctx)
}

func (r *Reporter) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

// Flush drains the result store and attempts one delivery. On failure the
// batch is discarded rather than retried: a crashed or unreachable sink must
// not cause the result buffer to grow unbounded.
func (r *Reporter) Flush(ctx context.Context) {
	batch := r.store.SnapshotAndClear()
	if len(batch) == 0 {
		return
	}

	rows := make([]Row, len(batch))
	for i, res := range batch {
		rows[i] = toRow(res)
	}

	observability.ReporterBatchSize.Observe(float64(len(rows)))
	if err := r.sink.DeliverResults(ctx, rows); err != nil {
		observability.ReporterFailures.WithLabelValues("delivery_error").Inc()
		log.Printf("reporter: dropping batch of %d results after delivery failure: %v", len(rows), err)
	}
}

// ReportSingle is the side-channel entry point: it delivers one result
// immediately, bypassing the buffer and the flush cadence.
func (r *Reporter) ReportSingle(ctx context.Context, taskID uuid.UUID, res result.Result) error {
	res.TaskID = taskID
	if res.Timestamp.IsZero() {
		res.Timestamp = time.Now().UTC()
	}
	if err := r.sink.DeliverSingle(ctx, toRow(res)); err != nil {
		observability.ReporterFailures.WithLabelValues("single_delivery_error").Inc()
		return fmt.Errorf("reporter: single delivery for %s: %w", taskID, err)
	}
	return nil
}
