// Package recon reconciles pending certificates against the ledger and
// dispatches the side effects of confirmation.
package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"certchain/certificate"
	"certchain/lease"
	"certchain/ledger"
	"certchain/notify"
	"certchain/store"
)

// Ledger is the registry surface the engine reads.
type Ledger interface {
	IsVerified(ctx context.Context, certificateID string) (bool, error)
	GetCertificate(ctx context.Context, certificateID string) (*ledger.Certificate, error)
	TxStatus(ctx context.Context, txHash string) (ledger.TxStatus, error)
	FindSubmission(ctx context.Context, certificateID string) (ledger.Submission, bool, error)
}

// Store is the persistence surface the engine writes.
type Store interface {
	Get(ctx context.Context, id string) (*certificate.Record, error)
	ListPending(ctx context.Context, limit int) ([]certificate.Record, error)
	ListUnnotified(ctx context.Context, limit int) ([]certificate.Record, error)
	ApplyTransition(ctx context.Context, id string, t store.Transition) error
	RecordSubmission(ctx context.Context, id, txHash string, block uint64, at time.Time) error
	MarkChecked(ctx context.Context, id string, at time.Time, lastErr string) error
	RecordNotification(ctx context.Context, id string, success bool, at time.Time, errText string) error
}

// Notifier delivers confirmation notices.
type Notifier interface {
	Send(ctx context.Context, n notify.Notification) notify.Result
}

// Publisher pushes live status transitions.
type Publisher interface {
	Publish(certificateID string, status certificate.Status) int
}

// Metrics receives engine and scheduler activity.
type Metrics interface {
	ObservePass(report Report, elapsed time.Duration)
	ObserveRecord(outcome string)
	ObserveNotifyPass(report NotifyReport)
	ObserveSkippedTick(cadence string)
	ObserveHealth(healthy bool)
}

// Config captures the dependencies required to construct an Engine.
type Config struct {
	Store     Store
	Ledger    Ledger
	Notifier  Notifier
	Publisher Publisher
	Locker    lease.Locker
	Linker    certificate.Linker
	Grace     time.Duration
	LeaseTTL  time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
	Metrics   Metrics
}

// Report aggregates one reconciliation pass.
type Report struct {
	Checked   int `json:"checked"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Errored   int `json:"errored"`
	// Pending counts records left PENDING without error.
	Pending int `json:"pending"`
	// Skipped counts records another worker held or already finalised.
	Skipped int `json:"skipped"`
}

// NotifyReport aggregates one notification pass.
type NotifyReport struct {
	Attempted int `json:"attempted"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Record outcomes.
const (
	OutcomeConfirmed = "confirmed"
	OutcomeFailed    = "failed"
	OutcomeErrored   = "errored"
	OutcomePending   = "pending"
	OutcomeSkipped   = "skipped"
)

// Engine reconciles PENDING records. Each record is processed under a
// lease and every status write is conditional, so concurrent engines never
// transition a record twice or notify for it twice.
type Engine struct {
	store     Store
	ledger    Ledger
	notifier  Notifier
	publisher Publisher
	locker    lease.Locker
	linker    certificate.Linker
	grace     time.Duration
	leaseTTL  time.Duration
	now       func() time.Time
	logger    *slog.Logger
	metrics   Metrics
	tracer    trace.Tracer
}

// NewEngine validates cfg and constructs an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("recon: store required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("recon: ledger required")
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = time.Hour
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locker := cfg.Locker
	if locker == nil {
		locker = lease.NewMemory()
	}
	return &Engine{
		store:     cfg.Store,
		ledger:    cfg.Ledger,
		notifier:  cfg.Notifier,
		publisher: cfg.Publisher,
		locker:    locker,
		linker:    cfg.Linker,
		grace:     grace,
		leaseTTL:  ttl,
		now:       now,
		logger:    logger.With("component", "recon"),
		metrics:   cfg.Metrics,
		tracer:    otel.Tracer("certchain/recon"),
	}, nil
}

// ReconcileBatch examines up to limit PENDING records oldest first. A
// non-positive limit examines all of them. Per-record failures are counted,
// never returned; the error is non-nil only when the pending set cannot be
// listed or ctx ends mid-pass.
func (e *Engine) ReconcileBatch(ctx context.Context, limit int) (Report, error) {
	ctx, span := e.tracer.Start(ctx, "recon.ReconcileBatch")
	defer span.End()
	start := time.Now()

	var report Report
	pending, err := e.store.ListPending(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("recon: list pending: %w", err)
	}
	for i := range pending {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("reconciliation pass abandoned", "remaining", len(pending)-i, "error", err)
			e.observePass(report, start)
			return report, err
		}
		outcome := e.reconcileOne(ctx, &pending[i])
		report.Checked++
		switch outcome {
		case OutcomeConfirmed:
			report.Confirmed++
		case OutcomeFailed:
			report.Failed++
		case OutcomeErrored:
			report.Errored++
		case OutcomeSkipped:
			report.Skipped++
		default:
			report.Pending++
		}
		if e.metrics != nil {
			e.metrics.ObserveRecord(outcome)
		}
	}
	span.SetAttributes(
		attribute.Int("recon.checked", report.Checked),
		attribute.Int("recon.confirmed", report.Confirmed),
		attribute.Int("recon.failed", report.Failed),
		attribute.Int("recon.errored", report.Errored),
	)
	e.observePass(report, start)
	if report.Checked > 0 {
		e.logger.Info("reconciliation pass complete",
			"checked", report.Checked,
			"confirmed", report.Confirmed,
			"failed", report.Failed,
			"errored", report.Errored,
			"pending", report.Pending,
			"skipped", report.Skipped,
			"elapsed", time.Since(start))
	}
	return report, nil
}

func (e *Engine) observePass(report Report, start time.Time) {
	if e.metrics != nil {
		e.metrics.ObservePass(report, time.Since(start))
	}
}

func (e *Engine) leaseKey(id string) string {
	return "certificate:" + id
}

func (e *Engine) acquire(ctx context.Context, id string) (lease.Lease, string) {
	l, err := e.locker.Acquire(ctx, e.leaseKey(id), e.leaseTTL)
	if err == nil {
		return l, ""
	}
	if errors.Is(err, lease.ErrHeld) {
		return nil, OutcomeSkipped
	}
	e.logger.Warn("lease acquisition failed", "certificate_id", id, "error", err)
	return nil, OutcomeErrored
}

// hold renews l every third of its ttl until stop is called. The returned
// context is cancelled if the claim is lost, so no side effect starts for a
// record another worker may now own.
func (e *Engine) hold(ctx context.Context, l lease.Lease) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	every := e.leaseTTL / 3
	if every <= 0 {
		every = time.Millisecond
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			rctx, rcancel := context.WithTimeout(ctx, every)
			err := l.Refresh(rctx, e.leaseTTL)
			rcancel()
			switch {
			case err == nil:
			case errors.Is(err, lease.ErrLost):
				e.logger.Warn("record lease lost", "key", l.Key())
				cancel()
				return
			default:
				e.logger.Warn("lease refresh failed", "key", l.Key(), "error", err)
			}
		}
	}()
	return ctx, func() {
		close(done)
		wg.Wait()
		cancel()
	}
}

func (e *Engine) release(l lease.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Release(ctx); err != nil {
		e.logger.Warn("lease release failed", "key", l.Key(), "error", err)
	}
}

func (e *Engine) reconcileOne(ctx context.Context, listed *certificate.Record) string {
	id := listed.CertificateID
	ctx, span := e.tracer.Start(ctx, "recon.reconcileRecord", trace.WithAttributes(attribute.String("certificate.id", id)))
	defer span.End()

	l, outcome := e.acquire(ctx, id)
	if l == nil {
		return outcome
	}
	defer e.release(l)
	ctx, stop := e.hold(ctx, l)
	defer stop()

	rec, err := e.store.Get(ctx, id)
	if err != nil {
		e.logger.Warn("reload pending record failed", "certificate_id", id, "error", err)
		return OutcomeErrored
	}
	if rec.Status != certificate.StatusPending {
		return OutcomeSkipped
	}

	obs, sub, discovered := e.observe(ctx, rec)
	now := e.now()
	decision := Decide(rec, obs, now, e.grace)

	switch decision.Action {
	case ActionConfirm:
		err := e.store.ApplyTransition(ctx, id, store.Transition{
			To:          certificate.StatusConfirmed,
			At:          now,
			TxHash:      sub.TxHash,
			BlockNumber: sub.BlockNumber,
		})
		if errors.Is(err, store.ErrTransitionConflict) {
			return OutcomeSkipped
		}
		if err != nil {
			e.logger.Error("persist confirmation failed", "certificate_id", id, "error", err)
			return OutcomeErrored
		}
		e.logger.Info("certificate confirmed", "certificate_id", id, "tx", sub.TxHash)
		e.publish(id, certificate.StatusConfirmed)
		e.notifyRecord(ctx, id)
		return OutcomeConfirmed

	case ActionFail:
		err := e.store.ApplyTransition(ctx, id, store.Transition{
			To:          certificate.StatusFailed,
			At:          now,
			TxHash:      sub.TxHash,
			BlockNumber: sub.BlockNumber,
			Reason:      decision.Reason,
		})
		if errors.Is(err, store.ErrTransitionConflict) {
			return OutcomeSkipped
		}
		if err != nil {
			e.logger.Error("persist failure failed", "certificate_id", id, "error", err)
			return OutcomeErrored
		}
		e.logger.Warn("certificate failed", "certificate_id", id, "reason", decision.Reason, "age", rec.Age(now))
		e.publish(id, certificate.StatusFailed)
		return OutcomeFailed

	case ActionRetry:
		if discovered {
			if err := e.store.RecordSubmission(ctx, id, sub.TxHash, sub.BlockNumber, now); err != nil && !errors.Is(err, store.ErrTransitionConflict) {
				e.logger.Warn("record discovered submission failed", "certificate_id", id, "error", err)
			}
		}
		lastErr := decision.Reason
		if obs.LedgerErr != nil {
			lastErr = fmt.Sprintf("%s: %v", decision.Reason, obs.LedgerErr)
			e.logger.Warn("ledger check failed", "certificate_id", id, "error", obs.LedgerErr)
		} else if decision.Errored {
			e.logger.Warn("ledger state inconsistent with pending record", "certificate_id", id, "reason", decision.Reason)
		}
		if err := e.store.MarkChecked(ctx, id, now, lastErr); err != nil {
			e.logger.Warn("mark checked failed", "certificate_id", id, "error", err)
		}
		if decision.Errored {
			return OutcomeErrored
		}
		return OutcomePending
	}
	return OutcomeSkipped
}

// observe queries the ledger for rec. sub carries the known or discovered
// submission; discovered is true when it was found on-chain but is not yet
// stored on the record.
func (e *Engine) observe(ctx context.Context, rec *certificate.Record) (obs Observation, sub ledger.Submission, discovered bool) {
	id := rec.CertificateID
	sub = ledger.Submission{TxHash: rec.BlockchainTx, BlockNumber: rec.BlockNumber}

	verified, err := e.ledger.IsVerified(ctx, id)
	if err != nil {
		obs.LedgerErr = err
		return obs, sub, false
	}
	obs.Verified = verified
	if verified {
		cert, err := e.ledger.GetCertificate(ctx, id)
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			obs.LedgerErr = fmt.Errorf("registry verified %s but returned no details", id)
			return obs, sub, false
		case err != nil:
			obs.LedgerErr = err
			return obs, sub, false
		}
		obs.Revoked = cert.Revoked
	}

	if sub.TxHash == "" {
		found, ok, err := e.ledger.FindSubmission(ctx, id)
		if err != nil {
			if !verified {
				obs.LedgerErr = err
				return obs, sub, false
			}
			e.logger.Debug("submission lookup failed", "certificate_id", id, "error", err)
		} else if ok {
			sub = found
			discovered = true
		}
	}
	obs.HasTx = sub.TxHash != ""
	if !obs.HasTx || (verified && sub.BlockNumber > 0) {
		return obs, sub, discovered
	}

	status, err := e.ledger.TxStatus(ctx, sub.TxHash)
	if err != nil {
		if !verified {
			obs.LedgerErr = err
		}
		return obs, sub, discovered
	}
	obs.Tx = status.State
	if sub.BlockNumber == 0 && status.BlockNumber > 0 {
		sub.BlockNumber = status.BlockNumber
	}
	return obs, sub, discovered
}

func (e *Engine) publish(id string, status certificate.Status) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(id, status)
}

// notifyRecord sends the confirmation notice unless one was already recorded.
// attempted reports a send whose outcome was recorded by this call; sent
// reports its success. The caller must hold the record's lease through ctx.
func (e *Engine) notifyRecord(ctx context.Context, id string) (attempted, sent bool) {
	if e.notifier == nil {
		return false, false
	}
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		e.logger.Warn("reload confirmed record failed", "certificate_id", id, "error", err)
		return false, false
	}
	if rec.Status != certificate.StatusConfirmed || rec.EmailSent || rec.RecipientEmail == "" {
		return false, false
	}
	if ctx.Err() != nil {
		return false, false
	}
	links := e.linker.Links(rec)
	res := e.notifier.Send(ctx, notify.Notification{
		CertificateID:    rec.CertificateID,
		VerificationCode: rec.VerificationCode,
		RecipientEmail:   rec.RecipientEmail,
		CandidateName:    rec.CandidateName,
		CourseName:       rec.CourseName,
		OrgName:          rec.OrgName,
		PDFURL:           links.PDF,
		BlockchainURL:    links.Blockchain,
		ConfirmedAt:      derefTime(rec.ConfirmedAt),
	})
	errText := ""
	if res.Err != nil {
		errText = res.Err.Error()
	}
	err = e.store.RecordNotification(ctx, id, res.Success, e.now(), errText)
	switch {
	case errors.Is(err, store.ErrAlreadyNotified):
		e.logger.Warn("notification already recorded", "certificate_id", id)
		return false, false
	case err != nil:
		e.logger.Error("record notification failed", "certificate_id", id, "error", err)
	}
	return true, res.Success
}

// DispatchNotifications retries notices for CONFIRMED records whose notice
// has not been recorded as sent.
func (e *Engine) DispatchNotifications(ctx context.Context, limit int) (NotifyReport, error) {
	var report NotifyReport
	if e.notifier == nil {
		return report, nil
	}
	ctx, span := e.tracer.Start(ctx, "recon.DispatchNotifications")
	defer span.End()

	recs, err := e.store.ListUnnotified(ctx, limit)
	if err != nil {
		return report, fmt.Errorf("recon: list unnotified: %w", err)
	}
	for i := range recs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		id := recs[i].CertificateID
		l, _ := e.acquire(ctx, id)
		if l == nil {
			report.Skipped++
			continue
		}
		held, stop := e.hold(ctx, l)
		attempted, sent := e.notifyRecord(held, id)
		stop()
		e.release(l)
		switch {
		case !attempted:
			report.Skipped++
		case sent:
			report.Attempted++
			report.Sent++
		default:
			report.Attempted++
			report.Failed++
		}
	}
	if e.metrics != nil {
		e.metrics.ObserveNotifyPass(report)
	}
	if report.Attempted > 0 {
		e.logger.Info("notification pass complete", "attempted", report.Attempted, "sent", report.Sent, "failed", report.Failed)
	}
	return report, nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
