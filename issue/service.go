// Package issue creates certificate records and anchors them on the ledger.
package issue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"certchain/certificate"
	"certchain/ledger"
	"certchain/store"
)

// ErrInvalidRequest marks issuance requests missing required fields.
var ErrInvalidRequest = errors.New("issue: invalid request")

const codeAttempts = 5

// Store is the persistence surface issuance needs.
type Store interface {
	Get(ctx context.Context, id string) (*certificate.Record, error)
	Create(ctx context.Context, rec *certificate.Record) error
	RecordSubmission(ctx context.Context, id, txHash string, block uint64, at time.Time) error
	MarkChecked(ctx context.Context, id string, at time.Time, lastErr string) error
}

// Ledger submits anchoring transactions.
type Ledger interface {
	Submit(ctx context.Context, req ledger.SubmitRequest) (ledger.Submission, error)
}

// Content uploads the certificate artifact.
type Content interface {
	Upload(ctx context.Context, data []byte, filename string) (string, error)
}

// Request describes a certificate to issue.
type Request struct {
	PDF            []byte
	Filename       string
	UID            string
	CandidateName  string
	CourseName     string
	OrgName        string
	RecipientEmail string
}

func (r Request) validate() error {
	switch {
	case len(r.PDF) == 0:
		return fmt.Errorf("%w: pdf is empty", ErrInvalidRequest)
	case strings.TrimSpace(r.CandidateName) == "":
		return fmt.Errorf("%w: candidate name required", ErrInvalidRequest)
	case strings.TrimSpace(r.CourseName) == "":
		return fmt.Errorf("%w: course name required", ErrInvalidRequest)
	case strings.TrimSpace(r.OrgName) == "":
		return fmt.Errorf("%w: org name required", ErrInvalidRequest)
	}
	return nil
}

// Result reports what issuance accomplished. SubmitErr is set when the
// record was created but the ledger submission failed; the record then stays
// PENDING for reconciliation to resolve.
type Result struct {
	Record     *certificate.Record
	Submission ledger.Submission
	SubmitErr  error
}

// Config wires the service.
type Config struct {
	Store   Store
	Ledger  Ledger
	Content Content
	NewCode func() (string, error)
	Now     func() time.Time
	Logger  *slog.Logger
}

// Service issues certificates.
type Service struct {
	store   Store
	ledger  Ledger
	content Content
	newCode func() (string, error)
	now     func() time.Time
	logger  *slog.Logger
}

// NewService validates cfg and returns a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("issue: store required")
	}
	if cfg.Content == nil {
		return nil, errors.New("issue: content store required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("issue: ledger required")
	}
	svc := &Service{
		store:   cfg.Store,
		ledger:  cfg.Ledger,
		content: cfg.Content,
		newCode: cfg.NewCode,
		now:     cfg.Now,
		logger:  cfg.Logger,
	}
	if svc.newCode == nil {
		svc.newCode = certificate.NewCode
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	if svc.logger == nil {
		svc.logger = slog.Default()
	}
	svc.logger = svc.logger.With("component", "issue")
	return svc, nil
}

// Issue fingerprints the request, uploads the artifact, creates the PENDING
// record and submits it to the ledger. Issuing the same fingerprint twice
// returns store.ErrAlreadyExists.
func (s *Service) Issue(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	pdfHash := certificate.SHA256Hex(req.PDF)
	id := certificate.Fingerprint(req.UID, req.CandidateName, req.CourseName, req.OrgName, pdfHash)

	if _, err := s.store.Get(ctx, id); err == nil {
		return nil, store.ErrAlreadyExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("issue: lookup: %w", err)
	}

	ipfsHash, err := s.content.Upload(ctx, req.PDF, req.Filename)
	if err != nil {
		return nil, fmt.Errorf("issue: upload: %w", err)
	}

	now := s.now().UTC()
	rec := &certificate.Record{
		CertificateID:  id,
		SHA256Hash:     pdfHash,
		CIDHash:        certificate.ComputeCID(req.PDF),
		IPFSHash:       ipfsHash,
		UID:            strings.TrimSpace(req.UID),
		CandidateName:  strings.TrimSpace(req.CandidateName),
		CourseName:     strings.TrimSpace(req.CourseName),
		OrgName:        strings.TrimSpace(req.OrgName),
		RecipientEmail: strings.TrimSpace(req.RecipientEmail),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.create(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.Info("certificate record created",
		"certificate_id", rec.CertificateID,
		"verification_code", rec.VerificationCode)

	result := &Result{Record: rec}
	sub, err := s.ledger.Submit(ctx, ledger.SubmitRequest{
		CertificateID: rec.CertificateID,
		UID:           rec.UID,
		CandidateName: rec.CandidateName,
		CourseName:    rec.CourseName,
		OrgName:       rec.OrgName,
		ContentHash:   rec.ContentHash(),
	})
	if err != nil {
		result.SubmitErr = err
		s.logger.Warn("ledger submission failed; record left pending",
			"certificate_id", rec.CertificateID, "error", err)
		if markErr := s.store.MarkChecked(ctx, rec.CertificateID, s.now().UTC(), err.Error()); markErr != nil {
			s.logger.Error("record submission failure", "certificate_id", rec.CertificateID, "error", markErr)
		}
		return result, nil
	}
	result.Submission = sub
	if sub.TxHash == "" {
		return result, nil
	}
	if err := s.store.RecordSubmission(ctx, rec.CertificateID, sub.TxHash, sub.BlockNumber, s.now().UTC()); err != nil {
		if !errors.Is(err, store.ErrTransitionConflict) {
			return result, fmt.Errorf("issue: record submission: %w", err)
		}
	} else {
		rec.BlockchainTx = sub.TxHash
		rec.BlockNumber = sub.BlockNumber
	}
	s.logger.Info("certificate submitted to ledger",
		"certificate_id", rec.CertificateID,
		"tx", sub.TxHash,
		"block", sub.BlockNumber)
	return result, nil
}

func (s *Service) create(ctx context.Context, rec *certificate.Record) error {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return fmt.Errorf("issue: generate code: %w", err)
		}
		rec.VerificationCode = code
		err = s.store.Create(ctx, rec)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrCodeTaken):
			s.logger.Debug("verification code collision, retrying", "attempt", attempt+1)
			continue
		case errors.Is(err, store.ErrAlreadyExists):
			return err
		default:
			return fmt.Errorf("issue: create: %w", err)
		}
	}
	return fmt.Errorf("issue: no free verification code after %d attempts: %w", codeAttempts, store.ErrCodeTaken)
}
