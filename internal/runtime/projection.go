package runtime

import (
	"context"
	"log"
	"time"

	"stopdaemon/internal/eventlog"
	"stopdaemon/internal/projector"
	"stopdaemon/internal/repository"

	"github.com/google/uuid"
)

// ProjectionWorker tails the event log from the last durable cursor and
// folds new envelopes into the read-side projection tables, grounded on
// the teacher's internal/persistence.BatchWriter poll-and-flush loop.
//
// Per §4.H, the cursor is a per-stream integer (the last seq folded for
// that stream), not a watermark spanning the whole log — sequence numbers
// only order events within one stream. Each tick, the worker discovers
// every stream the tenant has touched, then processes each stream's new
// events serially, in seq order, stopping at the first handler failure
// without advancing that stream's cursor past it (testable property 7).
type ProjectionWorker struct {
	TenantID uuid.UUID
	Log      eventlog.Store
	Registry *projector.Registry
	Cursor   repository.CursorRepository
	Interval time.Duration
}

// Run polls until ctx is cancelled, applying every event newer than the
// last projected seq, per stream, in (stream_key, seq) order.
func (w *ProjectionWorker) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := w.tick(ctx); err != nil {
			log.Printf("runtime: projection tick failed: %v", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (w *ProjectionWorker) tick(ctx context.Context) error {
	streams, err := w.Log.Streams(ctx, w.TenantID)
	if err != nil {
		return err
	}
	for _, streamKey := range streams {
		if err := w.tickStream(ctx, streamKey); err != nil {
			log.Printf("runtime: projection tick failed for stream %s: %v", streamKey, err)
		}
	}
	return nil
}

// tickStream advances a single stream's cursor by at most 1000 events
// (§4.H's bounded batch), flushing the cursor once after the batch's
// last successfully applied event.
func (w *ProjectionWorker) tickStream(ctx context.Context, streamKey string) error {
	cursor, err := w.Cursor.LastProjected(ctx, w.TenantID, streamKey)
	if err != nil {
		return err
	}
	fromSeq := cursor + 1

	envs, err := w.Log.Query(ctx, eventlog.Query{
		TenantID:  w.TenantID,
		StreamKey: streamKey,
		FromSeq:   &fromSeq,
		Limit:     1000,
	})
	if err != nil {
		return err
	}

	advanced := cursor
	for _, env := range envs {
		if err := w.Registry.Apply(ctx, env); err != nil {
			log.Printf("runtime: projector stopped at event %s (%s) seq=%d stream=%s: %v", env.EventID, env.EventType, env.Seq, streamKey, err)
			break
		}
		advanced = env.Seq
	}

	if advanced > cursor {
		return w.Cursor.SetLastProjected(ctx, w.TenantID, streamKey, advanced)
	}
	return nil
}
