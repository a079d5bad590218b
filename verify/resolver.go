// Package verify answers certificate verification queries by id, code, or
// artifact hash.
//
// Lookups are read-only. Ledger failures degrade the verdict to
// VALID_WITH_WARNING rather than failing the request.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"certchain/certificate"
	"certchain/store"
)

// Store is the read surface the resolver needs.
type Store interface {
	Get(ctx context.Context, id string) (*certificate.Record, error)
	FindByCode(ctx context.Context, code string) (*certificate.Record, int, error)
	FindByHash(ctx context.Context, field store.HashField, value string) (*certificate.Record, error)
	ScanHashes(ctx context.Context, limit, batchSize int, fn func([]store.HashRow) bool) (int, error)
}

// Ledger answers on-demand anchoring checks.
type Ledger interface {
	IsVerified(ctx context.Context, certificateID string) (bool, error)
}

// Metrics receives verification outcomes.
type Metrics interface {
	ObserveVerification(method, status string)
}

// Config configures a Resolver.
type Config struct {
	Store  Store
	Ledger Ledger
	Linker certificate.Linker
	// PartialScanLimit bounds how many stored rows the substring fallback visits.
	PartialScanLimit int
	// MinPartialLength is the shortest query eligible for substring matching.
	MinPartialLength int
	LedgerTimeout    time.Duration
	Logger           *slog.Logger
	Metrics          Metrics
}

// Resolver composes store and ledger lookups into verdicts.
type Resolver struct {
	store         Store
	ledger        Ledger
	linker        certificate.Linker
	scanLimit     int
	minPartial    int
	ledgerTimeout time.Duration
	logger        *slog.Logger
	metrics       Metrics
	tracer        trace.Tracer
}

// NewResolver constructs a resolver.
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.Store == nil {
		return nil, errors.New("verify: store required")
	}
	r := &Resolver{
		store:         cfg.Store,
		ledger:        cfg.Ledger,
		linker:        cfg.Linker,
		scanLimit:     cfg.PartialScanLimit,
		minPartial:    cfg.MinPartialLength,
		ledgerTimeout: cfg.LedgerTimeout,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		tracer:        otel.Tracer("certchain/verify"),
	}
	if r.scanLimit <= 0 {
		r.scanLimit = 5000
	}
	if r.minPartial <= 0 {
		r.minPartial = 16
	}
	if r.ledgerTimeout <= 0 {
		r.ledgerTimeout = 10 * time.Second
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "verify")
	return r, nil
}

// VerifyByID resolves a certificate fingerprint. Malformed ids never reach
// the store or the ledger.
func (r *Resolver) VerifyByID(ctx context.Context, id string) Verdict {
	ctx, span := r.tracer.Start(ctx, "verify.ByID")
	defer span.End()
	v := r.byID(ctx, id)
	r.observe(span, "id", v)
	return v
}

func (r *Resolver) byID(ctx context.Context, id string) Verdict {
	normalized := certificate.NormalizeFingerprint(id)
	if !certificate.IsFingerprint(normalized) {
		return rejected(StatusNotFound, ReasonInvalidFormat)
	}
	rec, err := r.store.Get(ctx, normalized)
	if err != nil {
		return r.lookupFailure(err)
	}
	return r.verdictFor(ctx, rec, "")
}

// VerifyByCode resolves a verification code. Case, whitespace and dashes
// are ignored.
func (r *Resolver) VerifyByCode(ctx context.Context, code string) Verdict {
	ctx, span := r.tracer.Start(ctx, "verify.ByCode")
	defer span.End()
	v := r.byCode(ctx, code)
	r.observe(span, "code", v)
	return v
}

func (r *Resolver) byCode(ctx context.Context, code string) Verdict {
	normalized := certificate.NormalizeCode(code)
	if !certificate.ValidCode(normalized) {
		return rejected(StatusNotFound, ReasonInvalidFormat)
	}
	rec, matches, err := r.store.FindByCode(ctx, normalized)
	if err != nil {
		return r.lookupFailure(err)
	}
	if matches > 1 {
		r.logger.Warn("verification code matches multiple certificates; newest wins",
			"event", "data_quality",
			"code", normalized,
			"certificate_id", rec.CertificateID)
	}
	return r.verdictFor(ctx, rec, "")
}

// VerifyByHash resolves an artifact hash. Exact matches are tried per hash
// column in priority order; otherwise a bounded substring scan runs over
// stored hashes in the same order, preferring newer records within a tier.
func (r *Resolver) VerifyByHash(ctx context.Context, hash string) Verdict {
	ctx, span := r.tracer.Start(ctx, "verify.ByHash")
	defer span.End()
	v := r.byHash(ctx, hash)
	if v.MatchType != "" {
		span.SetAttributes(attribute.String("verify.match_type", string(v.MatchType)))
	}
	r.observe(span, "hash", v)
	return v
}

func (r *Resolver) byHash(ctx context.Context, hash string) Verdict {
	query, ok := normalizeHashQuery(hash)
	if !ok {
		return rejected(StatusNotFound, ReasonInvalidFormat)
	}
	for _, field := range store.HashPriority {
		for _, candidate := range exactCandidates(field, query) {
			rec, err := r.store.FindByHash(ctx, field, candidate)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return r.lookupFailure(err)
			}
			return r.verdictFor(ctx, rec, exactMatch(field))
		}
	}
	if len(query) < r.minPartial {
		return rejected(StatusNotFound, ReasonNotFound)
	}
	id, field, err := r.partialMatch(ctx, query)
	if err != nil {
		return r.lookupFailure(err)
	}
	if id == "" {
		return rejected(StatusNotFound, ReasonNotFound)
	}
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return r.lookupFailure(err)
	}
	return r.verdictFor(ctx, rec, partialMatch(field))
}

// partialMatch scans stored hashes newest first and returns the first
// record in the highest-priority tier whose hash contains the query or is
// contained in it.
func (r *Resolver) partialMatch(ctx context.Context, query string) (string, store.HashField, error) {
	lowered := strings.ToLower(query)
	best := make(map[store.HashField]string, len(store.HashPriority))
	visited, err := r.store.ScanHashes(ctx, r.scanLimit, 500, func(rows []store.HashRow) bool {
		for _, row := range rows {
			for _, field := range store.HashPriority {
				if _, seen := best[field]; seen {
					continue
				}
				if overlaps(row.Value(field), query, lowered) {
					best[field] = row.CertificateID
				}
			}
		}
		// Rows arrive newest first, so the first top-tier hit is final.
		_, top := best[store.HashPriority[0]]
		return !top
	})
	if err != nil {
		return "", "", err
	}
	for _, field := range store.HashPriority {
		if id, ok := best[field]; ok {
			return id, field, nil
		}
	}
	if visited >= r.scanLimit {
		r.logger.Info("partial hash scan hit its limit without a match", "limit", r.scanLimit)
	}
	return "", "", nil
}

func overlaps(stored, query, lowered string) bool {
	if stored == "" {
		return false
	}
	if strings.Contains(query, stored) || strings.Contains(stored, query) {
		return true
	}
	// Hex and base32 digests are case-insensitive; base58 is not, so only
	// fall back to folding when the stored value is not mixed case.
	storedLower := strings.ToLower(stored)
	if storedLower != stored && strings.ToUpper(stored) != stored {
		return false
	}
	return strings.Contains(lowered, storedLower) || strings.Contains(storedLower, lowered)
}

func (r *Resolver) verdictFor(ctx context.Context, rec *certificate.Record, match MatchType) Verdict {
	links := r.linker.Links(rec)
	v := Verdict{
		Certificate: viewOf(rec),
		Links:       &links,
		MatchType:   match,
	}
	if rec.Revoked {
		v.Status = StatusRevoked
		v.Reason = ReasonRevoked
		return v
	}
	if rec.Status == certificate.StatusFailed {
		v.Status = StatusError
		v.Reason = ReasonLedgerRejected
		return v
	}
	if r.ledger == nil {
		v.Success = true
		v.Status = StatusValidWithWarning
		v.Reason = ReasonLedgerUnavailable
		v.Warning = "ledger verification is not configured"
		return v
	}
	lctx, cancel := context.WithTimeout(ctx, r.ledgerTimeout)
	defer cancel()
	verified, err := r.ledger.IsVerified(lctx, rec.CertificateID)
	v.Success = true
	switch {
	case err != nil:
		r.logger.Warn("ledger check failed during verification", "certificate_id", rec.CertificateID, "error", err)
		v.Status = StatusValidWithWarning
		v.Reason = ReasonLedgerUnavailable
		v.Warning = fmt.Sprintf("ledger verification could not be completed: %v", err)
	case verified:
		v.Status = StatusValid
	case rec.Status == certificate.StatusPending:
		v.Status = StatusValidWithWarning
		v.Reason = ReasonPendingConfirmation
		v.Warning = "certificate is not yet confirmed on the ledger"
	default:
		r.logger.Warn("confirmed certificate not verified on ledger", "event", "data_quality", "certificate_id", rec.CertificateID)
		v.Status = StatusValidWithWarning
		v.Reason = ReasonLedgerMismatch
		v.Warning = "ledger does not currently report this certificate as verified"
	}
	return v
}

func (r *Resolver) lookupFailure(err error) Verdict {
	if errors.Is(err, store.ErrNotFound) {
		return rejected(StatusNotFound, ReasonNotFound)
	}
	r.logger.Error("verification lookup failed", "error", err)
	return rejected(StatusError, ReasonStoreUnavailable)
}

func (r *Resolver) observe(span trace.Span, method string, v Verdict) {
	span.SetAttributes(attribute.String("verify.status", string(v.Status)))
	if r.metrics != nil {
		r.metrics.ObserveVerification(method, string(v.Status))
	}
}

const maxHashLength = 256

// normalizeHashQuery trims the query and strips an ipfs:// scheme, a gateway
// path prefix, or a 0x prefix. Only alphanumeric input is accepted.
func normalizeHashQuery(raw string) (string, bool) {
	q := strings.TrimSpace(raw)
	q = strings.TrimPrefix(q, "ipfs://")
	if i := strings.LastIndex(q, "/ipfs/"); i >= 0 {
		q = q[i+len("/ipfs/"):]
	}
	if strings.HasPrefix(q, "0x") || strings.HasPrefix(q, "0X") {
		q = q[2:]
	}
	if q == "" || len(q) > maxHashLength {
		return "", false
	}
	for _, c := range q {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		default:
			return "", false
		}
	}
	return q, true
}

func exactCandidates(field store.HashField, query string) []string {
	switch field {
	case store.HashSHA256, store.HashCID:
		lowered := strings.ToLower(query)
		if lowered != query {
			return []string{query, lowered}
		}
	}
	return []string{query}
}

func exactMatch(field store.HashField) MatchType {
	return MatchType("exact_" + shortField(field))
}

func partialMatch(field store.HashField) MatchType {
	return MatchType("partial_" + shortField(field))
}

func shortField(field store.HashField) string {
	return strings.TrimSuffix(string(field), "_hash")
}
