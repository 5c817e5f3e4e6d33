package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/prediktapp/notify/internal/ledger"
	"github.com/prediktapp/notify/internal/metrics"
	"github.com/prediktapp/notify/internal/provider"
)

// DueClaimer hands out deferred rows whose quiet period has passed. Claims
// are exclusive: concurrent workers never receive the same row.
type DueClaimer interface {
	ClaimDue(ctx context.Context, limit int) ([]ledger.DueRow, error)
}

// WorkerConfig wires a Worker.
type WorkerConfig struct {
	Claims   DueClaimer
	Ledger   Ledger
	Push     provider.Sender
	Interval time.Duration
	Batch    int
	Stats    *metrics.Collector
	Logger   *slog.Logger
}

// Worker re-sends deliveries parked by quiet-period deferral. Only the push
// channel defers, so the worker never touches the mailer.
type Worker struct {
	claims   DueClaimer
	ledger   Ledger
	push     provider.Sender
	interval time.Duration
	batch    int
	stats    *metrics.Collector
	logger   *slog.Logger
}

func NewWorker(c WorkerConfig) *Worker {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Batch <= 0 {
		c.Batch = 200
	}
	return &Worker{
		claims:   c.Claims,
		ledger:   c.Ledger,
		push:     c.Push,
		interval: c.Interval,
		batch:    c.Batch,
		stats:    c.Stats,
		logger:   c.Logger,
	}
}

// Start runs the delivery loop. Blocks until ctx is cancelled; intended to
// be called with `go`.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("deferred dispatch worker started", "interval", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sent, failed, err := w.runBatch(ctx)
			if err != nil {
				w.logger.Error("deferred dispatch error", "error", err)
			} else if sent+failed > 0 {
				w.logger.Info("deferred dispatch batch", "sent", sent, "failed", failed)
			}
		case <-ctx.Done():
			w.logger.Info("deferred dispatch worker stopped")
			return
		}
	}
}

func (w *Worker) runBatch(ctx context.Context) (sent, failed int, err error) {
	if w.push == nil {
		return 0, 0, ErrPushNotConfigured
	}

	due, err := w.claims.ClaimDue(ctx, w.batch)
	if err != nil {
		return 0, 0, err
	}
	if len(due) == 0 {
		return 0, 0, nil
	}

	for _, batch := range groupByEvent(due) {
		first := batch[0]
		users := make([]string, len(batch))
		for i, row := range batch {
			users[i] = row.UserID
		}

		maxBatch := w.push.MaxBatch()
		for start := 0; start < len(users); start += maxBatch {
			chunk := users[start:min(start+maxBatch, len(users))]

			res, sendErr := w.push.Send(ctx, &provider.Notification{
				ExternalUserIDs: chunk,
				Title:           first.Title,
				Body:            first.Body,
				Data:            first.Data,
				CollapseID:      first.CollapseID,
				ThreadID:        first.ThreadID,
				BadgeCount:      first.BadgeCount,
			})
			if sendErr != nil {
				w.logger.Warn("deferred send failed",
					"event_id", first.EventID, "users", len(chunk), "error", sendErr)
				if err := w.ledger.MarkFailed(ctx, first.EventID, chunk, sendErr.Error()); err != nil {
					w.logger.Error("mark failed failed", "event_id", first.EventID, "error", err)
				}
				failed += len(chunk)
				continue
			}

			var accepted, rejected []string
			for _, id := range chunk {
				if _, bad := res.Rejected[id]; bad {
					rejected = append(rejected, id)
					continue
				}
				accepted = append(accepted, id)
			}
			if err := w.ledger.MarkAccepted(ctx, first.EventID, accepted); err != nil {
				w.logger.Error("mark accepted failed", "event_id", first.EventID, "error", err)
			}
			if len(rejected) > 0 {
				if err := w.ledger.MarkFailed(ctx, first.EventID, rejected, "rejected by provider"); err != nil {
					w.logger.Error("mark failed failed", "event_id", first.EventID, "error", err)
				}
			}
			sent += len(accepted)
			failed += len(rejected)
		}
	}

	w.stats.ObserveDispatch(sent, failed, 0, 0, 0)
	return sent, failed, nil
}

// groupByEvent batches claimed rows per event, preserving claim order. Rows
// deferred for the same event share one payload, so each group turns into a
// single fan-out call.
func groupByEvent(due []ledger.DueRow) [][]ledger.DueRow {
	index := make(map[string]int)
	var groups [][]ledger.DueRow
	for _, row := range due {
		i, seen := index[row.EventID]
		if !seen {
			i = len(groups)
			index[row.EventID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], row)
	}
	return groups
}
