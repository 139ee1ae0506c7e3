// Package delivery implements the delivery worker (component H): scans
// the deliver queue, dispatches each non-terminal recipient by its
// transfer method, applies retry/backoff for transient failures, and
// routes completed messages to their final resting queue.
package delivery

import (
	"context"
	"time"

	"github.com/vsmtp/vsmtp-go/internal/address"
	"github.com/vsmtp/vsmtp-go/internal/dnsresolve"
	"github.com/vsmtp/vsmtp-go/internal/mailctx"
	"github.com/vsmtp/vsmtp-go/internal/metrics"
	"github.com/vsmtp/vsmtp-go/internal/queuestore"
	"github.com/vsmtp/vsmtp-go/internal/vlog"
)

// Config holds the delivery-worker tunables named in spec.md §6's
// queues.delivery block.
type Config struct {
	RetryBase           time.Duration
	RetryCap            time.Duration
	DeferredRetryMax    int
	DeferredRetryPeriod time.Duration
	DialTimeout         time.Duration

	Hostname    string // EHLO/HELO name presented to remote MTAs
	MboxDir     string // base directory for Mbox transfer (spec.md: /var/mail/<local_part>)
	MaildirRoot string // base directory for Maildir transfer
}

// Worker drives one delivery processing loop.
type Worker struct {
	Store    *queuestore.Store
	Resolver dnsresolve.Resolver
	Config   Config
	Metric   *metrics.Metrics
	Log      vlog.Logger
}

// Run processes notifications from the post-queue worker as they arrive
// and otherwise wakes on DeferredRetryPeriod to rescan deferred. It
// returns when ctx is canceled.
func (w *Worker) Run(ctx context.Context, notify <-chan string) {
	period := w.Config.DeferredRetryPeriod
	if period <= 0 {
		period = time.Minute
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-notify:
			if !ok {
				notify = nil
				continue
			}
			w.ProcessOne(ctx, id)
		case <-ticker.C:
			w.sweepDeferred(ctx)
		}
	}
}

// ScanDeliver processes every entry currently in the deliver queue; used
// at startup to pick up anything left over from a previous process
// lifetime (a crash between enqueue and notify).
func (w *Worker) ScanDeliver(ctx context.Context) {
	ids, err := w.Store.List(queuestore.Deliver)
	if err != nil {
		w.Log.Error("delivery: listing deliver queue failed", err)
		return
	}
	for _, id := range ids {
		w.ProcessOne(ctx, id)
	}
}

func (w *Worker) sweepDeferred(ctx context.Context) {
	ids, err := w.Store.List(queuestore.Deferred)
	if err != nil {
		w.Log.Error("delivery: listing deferred queue failed", err)
		return
	}
	now := time.Now()
	for _, id := range ids {
		mc, err := w.Store.Read(queuestore.Deferred, id)
		if err != nil {
			if !queuestore.IsNotFound(err) {
				w.Log.Error("delivery: reading deferred entry failed", err, "id", id)
			}
			continue
		}
		if mc.Metadata != nil && now.Before(mc.Metadata.NextAttempt) {
			continue // not due yet
		}
		if err := w.Store.Enqueue(queuestore.Deliver, id, mc); err != nil {
			w.Log.Error("delivery: requeuing deferred entry failed", err, "id", id)
			continue
		}
		if err := w.Store.Remove(queuestore.Deferred, id); err != nil {
			w.Log.Error("delivery: clearing deferred entry failed", err, "id", id)
		}
		if w.Metric != nil {
			w.Metric.QueueMoves.WithLabelValues(string(queuestore.Deferred), string(queuestore.Deliver)).Inc()
		}
		w.ProcessOne(ctx, id)
	}
}

type groupKey struct {
	Method address.TransferMethod
	Dest   string // domain for Deliver, host for Forward, local_part namespace for Mbox/Maildir
}

// ProcessOne dispatches every pending recipient of id, one delivery
// attempt per (transfer method, destination) batch, then routes the
// message out of deliver (removed when complete, else to deferred or dead)
// per spec.md §4.7's completion rules.
func (w *Worker) ProcessOne(ctx context.Context, id string) {
	mc, err := w.Store.Read(queuestore.Deliver, id)
	if err != nil {
		if queuestore.IsNotFound(err) {
			return
		}
		if merr := w.Store.MoveToDead(queuestore.Deliver, id, err.Error()); merr != nil {
			w.Log.Error("delivery: moving corrupt entry to dead failed", merr, "id", id)
		}
		return
	}

	groups := make(map[groupKey][]int)
	for i, r := range mc.Envelope.Rcpt {
		if isSkippedOrTerminal(r) {
			continue
		}
		groups[groupKeyFor(r)] = append(groups[groupKeyFor(r)], i)
	}

	for key, idxs := range groups {
		w.deliverGroup(ctx, mc, key, idxs)
	}

	w.finalize(id, mc)
}

// isSkippedOrTerminal reports whether r needs no further attention this
// pass: either it already reached Sent/Failed, or its transfer method is
// None, which spec.md §4.7 defines as "status unchanged; recipient is
// skipped" - treated here as vacuously done so it never blocks a
// message's completion.
func isSkippedOrTerminal(r address.Rcpt) bool {
	return r.Status.Terminal() || r.Transfer.Method == address.TransferNone
}

func groupKeyFor(r address.Rcpt) groupKey {
	switch r.Transfer.Method {
	case address.TransferForward:
		return groupKey{Method: address.TransferForward, Dest: r.Transfer.Host}
	case address.TransferMbox:
		return groupKey{Method: address.TransferMbox, Dest: "mbox"}
	case address.TransferMaildir:
		return groupKey{Method: address.TransferMaildir, Dest: "maildir"}
	default:
		return groupKey{Method: address.TransferDeliver, Dest: r.Address.Domain()}
	}
}

func (w *Worker) deliverGroup(ctx context.Context, mc *mailctx.MailContext, key groupKey, idxs []int) {
	switch key.Method {
	case address.TransferDeliver:
		w.deliverViaMX(ctx, mc, key.Dest, idxs)
	case address.TransferForward:
		w.deliverViaForward(ctx, mc, key.Dest, idxs)
	case address.TransferMbox:
		w.deliverViaMbox(mc, idxs)
	case address.TransferMaildir:
		w.deliverViaMaildir(mc, idxs)
	}
}

func (w *Worker) deliverViaMbox(mc *mailctx.MailContext, idxs []int) {
	sender := mc.Envelope.MailFrom.Full()
	now := time.Now()
	for _, i := range idxs {
		r := &mc.Envelope.Rcpt[i]
		err := appendMbox(w.Config.MboxDir, r.Address.LocalPart(), sender, []byte(mc.Body.Raw), now)
		if err != nil && !isChownWarning(err) {
			w.Log.Error("delivery: mbox delivery failed", err, "recipient", r.Address.Full())
			r.HoldBack(w.Config.DeferredRetryMax)
			w.attempt("mbox", "transient")
			continue
		}
		if err != nil {
			w.Log.Error("delivery: mbox chown warning", err, "recipient", r.Address.Full())
		}
		r.Status = address.RcptStatus{Kind: address.StatusSent}
		w.attempt("mbox", "sent")
	}
}

func (w *Worker) deliverViaMaildir(mc *mailctx.MailContext, idxs []int) {
	id := ""
	if mc.Metadata != nil {
		id = mc.Metadata.MessageID
	}
	for _, i := range idxs {
		r := &mc.Envelope.Rcpt[i]
		err := writeMaildir(w.Config.MaildirRoot, r.Address.LocalPart(), id, []byte(mc.Body.Raw))
		if err != nil && !isChownWarning(err) {
			w.Log.Error("delivery: maildir delivery failed", err, "recipient", r.Address.Full())
			r.HoldBack(w.Config.DeferredRetryMax)
			w.attempt("maildir", "transient")
			continue
		}
		if err != nil {
			w.Log.Error("delivery: maildir chown warning", err, "recipient", r.Address.Full())
		}
		r.Status = address.RcptStatus{Kind: address.StatusSent}
		w.attempt("maildir", "sent")
	}
}

// deliverViaMX resolves domain's MX records and attempts each, in
// preference order, until one accepts the batch.
func (w *Worker) deliverViaMX(ctx context.Context, mc *mailctx.MailContext, domain string, idxs []int) {
	hosts, err := w.mxHosts(ctx, domain)
	if err != nil || len(hosts) == 0 {
		w.Log.Error("delivery: MX lookup failed, treating as transient", err, "domain", domain)
		w.holdBackAll(mc, idxs)
		w.attempt("deliver", "transient")
		return
	}
	w.attemptHosts(ctx, mc, hosts, idxs, domain)
}

func (w *Worker) deliverViaForward(ctx context.Context, mc *mailctx.MailContext, host string, idxs []int) {
	ips, err := w.Resolver.LookupHost(ctx, host)
	if err != nil || len(ips) == 0 {
		w.Log.Error("delivery: forward host lookup failed, treating as transient", err, "host", host)
		w.holdBackAll(mc, idxs)
		w.attempt("forward", "transient")
		return
	}
	hosts := make([]string, len(ips))
	for i, ip := range ips {
		hosts[i] = ip
	}
	w.attemptHosts(ctx, mc, hosts, idxs, host)
}

func (w *Worker) mxHosts(ctx context.Context, domain string) ([]string, error) {
	mxs, err := w.Resolver.LookupMX(ctx, domain)
	if err != nil {
		return nil, err
	}
	if len(mxs) == 0 {
		// RFC 5321 §5.1 implicit MX: try the domain itself.
		return []string{domain}, nil
	}
	hosts := make([]string, len(mxs))
	for i, mx := range mxs {
		hosts[i] = mx.Host
	}
	return hosts, nil
}

// attemptHosts tries each host in order, stopping at the first one that
// accepts a connection and completes (or definitively rejects) the batch.
// A host that cannot even be reached is skipped in favor of the next one;
// if every host is unreachable, the whole batch is held back as transient.
func (w *Worker) attemptHosts(ctx context.Context, mc *mailctx.MailContext, hosts []string, idxs []int, label string) {
	method := "deliver"
	timeout := w.Config.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	for _, host := range hosts {
		start := time.Now()
		err := w.attemptOneHost(ctx, mc, host, idxs, timeout)
		if w.Metric != nil {
			w.Metric.DeliveryLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
		}
		if err == nil {
			return
		}
		w.Log.Error("delivery: attempt failed, trying next host", err, "host", host, "dest", label)
	}
	w.holdBackAll(mc, idxs)
	w.attempt(method, "transient")
}

// attemptOneHost dials host:25, runs EHLO/MAIL/RCPT/DATA in plain text
// (STARTTLS is not attempted), and assigns each recipient's final status from the reply codes. It
// returns an error only for a connection-level failure (so the caller
// tries the next host); per-recipient SMTP rejections are not errors here.
func (w *Worker) attemptOneHost(ctx context.Context, mc *mailctx.MailContext, host string, idxs []int, timeout time.Duration) error {
	client, err := dialSMTP(ctx, host+":25", timeout)
	if err != nil {
		return err
	}
	defer client.quit()
	defer client.close()

	if err := client.helo(w.Config.Hostname); err != nil {
		return err
	}

	code, msg, err := client.mailFrom(mc.Envelope.MailFrom.Full())
	if err != nil {
		return err
	}
	if code/100 != 2 {
		w.holdBackOrFail(mc, idxs, code, msg)
		w.attempt("deliver", "rejected")
		return nil
	}

	accepted := make([]int, 0, len(idxs))
	for _, i := range idxs {
		r := &mc.Envelope.Rcpt[i]
		code, msg, err := client.rcptTo(r.Address.Full())
		if err != nil {
			return err
		}
		switch {
		case code/100 == 2:
			accepted = append(accepted, i)
		case code/100 == 5:
			r.Status = address.RcptStatus{Kind: address.StatusFailed, Reason: msg}
			w.attempt("deliver", "failed")
		default:
			r.HoldBack(w.Config.DeferredRetryMax)
			w.attempt("deliver", "transient")
		}
	}
	if len(accepted) == 0 {
		return nil
	}

	code, msg, err = client.data([]byte(mc.Body.Raw))
	if err != nil {
		return err
	}
	for _, i := range accepted {
		r := &mc.Envelope.Rcpt[i]
		switch {
		case code/100 == 2:
			r.Status = address.RcptStatus{Kind: address.StatusSent}
			w.attempt("deliver", "sent")
		case code/100 == 5:
			r.Status = address.RcptStatus{Kind: address.StatusFailed, Reason: msg}
			w.attempt("deliver", "failed")
		default:
			r.HoldBack(w.Config.DeferredRetryMax)
			w.attempt("deliver", "transient")
		}
	}
	return nil
}

func (w *Worker) holdBackOrFail(mc *mailctx.MailContext, idxs []int, code int, msg string) {
	for _, i := range idxs {
		r := &mc.Envelope.Rcpt[i]
		if code/100 == 5 {
			r.Status = address.RcptStatus{Kind: address.StatusFailed, Reason: msg}
		} else {
			r.HoldBack(w.Config.DeferredRetryMax)
		}
	}
}

func (w *Worker) holdBackAll(mc *mailctx.MailContext, idxs []int) {
	for _, i := range idxs {
		mc.Envelope.Rcpt[i].HoldBack(w.Config.DeferredRetryMax)
	}
}

func (w *Worker) attempt(method, outcome string) {
	if w.Metric != nil {
		w.Metric.DeliveryAttempts.WithLabelValues(method, outcome).Inc()
	}
}

// summarizeRecipients reports completion state across every recipient
// that actually needs delivering, ignoring TransferNone ones (they are
// skipped by definition and must never block a message's completion).
func summarizeRecipients(mc *mailctx.MailContext) (allDone, anyHeldBack, anyFailed bool, maxTries int) {
	allDone = true
	for _, r := range mc.Envelope.Rcpt {
		if r.Transfer.Method == address.TransferNone {
			continue
		}
		switch r.Status.Kind {
		case address.StatusFailed:
			anyFailed = true
		case address.StatusHeldBack:
			anyHeldBack = true
			allDone = false
			if r.Status.Tries > maxTries {
				maxTries = r.Status.Tries
			}
		case address.StatusSent:
			// terminal, nothing to do
		default: // StatusWaiting
			allDone = false
		}
	}
	return allDone, anyHeldBack, anyFailed, maxTries
}

// finalize routes id to its resting queue per spec.md §4.7's completion
// rules: all Sent -> delete; any HeldBack -> deferred with a recomputed
// backoff; otherwise (all Failed, or a Sent/Failed mix with nothing
// pending) -> dead.
func (w *Worker) finalize(id string, mc *mailctx.MailContext) {
	allDone, anyHeldBack, anyFailed, maxTries := summarizeRecipients(mc)

	if allDone {
		if anyFailed {
			if err := w.Store.MoveToDead(queuestore.Deliver, id, "one or more recipients failed permanently"); err != nil {
				w.Log.Error("delivery: moving completed-with-failures entry to dead failed", err, "id", id)
			}
			return
		}
		if err := w.Store.Remove(queuestore.Deliver, id); err != nil {
			w.Log.Error("delivery: removing fully delivered entry failed", err, "id", id)
		}
		return
	}

	if !anyHeldBack {
		// Neither fully done nor holding anything back: a recipient is
		// still Waiting, which dispatch should never leave behind. Treat
		// conservatively as a dead letter rather than retrying forever.
		if err := w.Store.MoveToDead(queuestore.Deliver, id, "delivery left recipients in an indeterminate state"); err != nil {
			w.Log.Error("delivery: moving indeterminate entry to dead failed", err, "id", id)
		}
		return
	}

	if mc.Metadata != nil {
		mc.Metadata.Retry = maxTries
		mc.Metadata.NextAttempt = time.Now().Add(backoffFor(maxTries, w.Config.RetryBase, w.Config.RetryCap))
	}
	if err := w.Store.Enqueue(queuestore.Deferred, id, mc); err != nil {
		w.Log.Error("delivery: writing deferred entry failed", err, "id", id)
		return
	}
	if err := w.Store.Remove(queuestore.Deliver, id); err != nil {
		w.Log.Error("delivery: clearing deliver entry failed", err, "id", id)
	}
	if w.Metric != nil {
		w.Metric.QueueMoves.WithLabelValues(string(queuestore.Deliver), string(queuestore.Deferred)).Inc()
	}
}

// backoffFor computes base*2^(tries-1) capped at maxDelay, the exponential
// backoff spec.md §4.7 calls for.
func backoffFor(tries int, base, maxDelay time.Duration) time.Duration {
	if tries <= 0 {
		return base
	}
	d := base
	for i := 1; i < tries; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}
