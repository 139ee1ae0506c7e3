// Package postqueue implements the post-queue worker (component G): it
// drains message_ids handed off by the session engine, runs policy at the
// PostQ stage, persists whatever that stage mutated, and moves the
// message on to deliver (or dead/quarantine on failure), waking the
// delivery worker.
package postqueue

import (
	"context"
	"time"

	"github.com/vsmtp/vsmtp-go/internal/mailctx"
	"github.com/vsmtp/vsmtp-go/internal/metrics"
	"github.com/vsmtp/vsmtp-go/internal/policy"
	"github.com/vsmtp/vsmtp-go/internal/queuestore"
	"github.com/vsmtp/vsmtp-go/internal/vlog"
)

// Worker is one post-queue processing loop. cmd/vsmtpd starts a single
// Run goroutine (see DESIGN.md, component G).
type Worker struct {
	Store  *queuestore.Store
	Policy policy.Policy
	Hooks  *policy.Hooks
	Metric *metrics.Metrics
	Log    vlog.Logger

	// Deliver is the bounded channel the delivery worker listens on.
	// NotifyTimeout bounds how long Run waits to hand off before giving
	// up (the message stays in deliver, where the delivery worker's
	// startup scan, ScanDeliver, picks it up on the next start; a full
	// channel never blocks this loop indefinitely, per
	// spec.md §5 "producers block with a timeout, not indefinitely").
	Deliver       chan<- string
	NotifyTimeout time.Duration
}

// Run drains in until it is closed or ctx is canceled.
func (w *Worker) Run(ctx context.Context, in <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-in:
			if !ok {
				return
			}
			w.process(ctx, id)
		}
	}
}

func (w *Worker) process(ctx context.Context, id string) {
	mc, err := w.Store.Read(queuestore.Working, id)
	if err != nil {
		if queuestore.IsNotFound(err) {
			// Already handled by another worker, or removed; nothing to do.
			return
		}
		if merr := w.Store.MoveToDead(queuestore.Working, id, err.Error()); merr != nil {
			w.Log.Error("postqueue: moving corrupt entry to dead failed", merr, "id", id)
		}
		w.processed("corrupt")
		return
	}

	verdict, err := w.runPolicy(ctx, mc)
	if err != nil {
		// Transient failure: leave the entry in working and log. The
		// session that enqueued it already replied 250. Nothing rescans
		// the working queue, so the entry stays there until it is moved
		// by hand (spec.md §4.6 "transient IO -> leave in working and log").
		w.Log.Error("postqueue: policy evaluation failed", err, "id", id)
		return
	}

	switch verdict.Kind {
	case mailctx.VerdictDeny:
		if merr := w.Store.MoveToDead(queuestore.Working, id, "denied at postq"); merr != nil {
			w.Log.Error("postqueue: moving denied entry to dead failed", merr, "id", id)
		}
		w.processed("denied")
	case mailctx.VerdictQuarantine:
		w.quarantine(id, mc, verdict.Quarantine)
	default:
		w.deliver(ctx, id, mc)
	}
}

func (w *Worker) runPolicy(ctx context.Context, mc *mailctx.MailContext) (mailctx.PolicyVerdict, error) {
	if w.Policy == nil {
		return mailctx.Next(), nil
	}
	return w.Policy.RunAt(ctx, policy.PostQ, mc, w.Hooks)
}

func (w *Worker) quarantine(id string, mc *mailctx.MailContext, name string) {
	q, err := queuestore.QuarantineQueue(name)
	if err != nil {
		w.Log.Error("postqueue: invalid quarantine name", err, "id", id, "name", name)
		if merr := w.Store.MoveToDead(queuestore.Working, id, "invalid quarantine name"); merr != nil {
			w.Log.Error("postqueue: moving entry to dead failed", merr, "id", id)
		}
		w.processed("corrupt")
		return
	}
	if err := w.Store.Enqueue(q, id, mc); err != nil {
		w.Log.Error("postqueue: writing quarantine entry failed", err, "id", id)
		return
	}
	if err := w.Store.Remove(queuestore.Working, id); err != nil {
		w.Log.Error("postqueue: removing working entry after quarantine failed", err, "id", id)
	}
	w.processed("quarantine")
}

func (w *Worker) deliver(ctx context.Context, id string, mc *mailctx.MailContext) {
	if err := w.Store.Enqueue(queuestore.Working, id, mc); err != nil {
		w.Log.Error("postqueue: persisting PostQ mutations failed", err, "id", id)
		return
	}
	if err := w.Store.Move(queuestore.Working, queuestore.Deliver, id); err != nil {
		w.Log.Error("postqueue: moving entry to deliver failed", err, "id", id)
		return
	}
	if w.Metric != nil {
		w.Metric.QueueMoves.WithLabelValues(string(queuestore.Working), string(queuestore.Deliver)).Inc()
	}
	w.processed("delivered")
	w.notifyDelivery(ctx, id)
}

func (w *Worker) notifyDelivery(ctx context.Context, id string) {
	if w.Deliver == nil {
		return
	}
	if w.NotifyTimeout <= 0 {
		select {
		case w.Deliver <- id:
		default:
			w.Log.Msg("postqueue: delivery notify channel full, relying on directory scan", "id", id)
		}
		return
	}

	deadline, cancel := context.WithTimeout(ctx, w.NotifyTimeout)
	defer cancel()
	select {
	case w.Deliver <- id:
	case <-deadline.Done():
		w.Log.Msg("postqueue: delivery notify timed out, relying on directory scan", "id", id)
	}
}

func (w *Worker) processed(outcome string) {
	if w.Metric != nil {
		w.Metric.PostQueueProcessed.WithLabelValues(outcome).Inc()
	}
}
