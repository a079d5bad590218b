package verify

import (
	"time"

	"certchain/certificate"
)

// Status is the verification outcome.
type Status string

// Verification outcomes.
const (
	StatusValid            Status = "VALID"
	StatusValidWithWarning Status = "VALID_WITH_WARNING"
	StatusRevoked          Status = "REVOKED"
	StatusNotFound         Status = "NOT_FOUND"
	StatusError            Status = "ERROR"
)

// MatchType reports which hash tier resolved a hash query.
type MatchType string

// Reasons attached to non-VALID verdicts.
const (
	ReasonInvalidFormat       = "invalid_format"
	ReasonNotFound            = "not_found"
	ReasonStoreUnavailable    = "store_unavailable"
	ReasonLedgerUnavailable   = "ledger_unavailable"
	ReasonPendingConfirmation = "pending_confirmation"
	ReasonLedgerMismatch      = "ledger_mismatch"
	ReasonLedgerRejected      = "ledger_rejected"
	ReasonRevoked             = "revoked"
)

// CertificateView is the public projection of a record.
type CertificateView struct {
	CertificateID    string             `json:"certificateId"`
	VerificationCode string             `json:"verificationCode"`
	UID              string             `json:"uid,omitempty"`
	CandidateName    string             `json:"candidateName"`
	CourseName       string             `json:"courseName"`
	OrgName          string             `json:"orgName"`
	Status           certificate.Status `json:"status"`
	SHA256Hash       string             `json:"sha256Hash,omitempty"`
	CIDHash          string             `json:"cidHash,omitempty"`
	IPFSHash         string             `json:"ipfsHash,omitempty"`
	BlockchainTx     string             `json:"blockchainTx,omitempty"`
	BlockNumber      uint64             `json:"blockNumber,omitempty"`
	Revoked          bool               `json:"revoked"`
	IssuedAt         time.Time          `json:"issuedAt"`
	ConfirmedAt      *time.Time         `json:"confirmedAt,omitempty"`
}

// Verdict is the structured answer to every verification query.
type Verdict struct {
	Success     bool               `json:"success"`
	Status      Status             `json:"status"`
	Certificate *CertificateView   `json:"certificate,omitempty"`
	Links       *certificate.Links `json:"links,omitempty"`
	MatchType   MatchType          `json:"matchType,omitempty"`
	Warning     string             `json:"warning,omitempty"`
	Reason      string             `json:"reason,omitempty"`
}

func viewOf(r *certificate.Record) *CertificateView {
	return &CertificateView{
		CertificateID:    r.CertificateID,
		VerificationCode: r.VerificationCode,
		UID:              r.UID,
		CandidateName:    r.CandidateName,
		CourseName:       r.CourseName,
		OrgName:          r.OrgName,
		Status:           r.Status,
		SHA256Hash:       r.SHA256Hash,
		CIDHash:          r.CIDHash,
		IPFSHash:         r.IPFSHash,
		BlockchainTx:     r.BlockchainTx,
		BlockNumber:      r.BlockNumber,
		Revoked:          r.Revoked,
		IssuedAt:         r.CreatedAt.UTC(),
		ConfirmedAt:      r.ConfirmedAt,
	}
}

func rejected(status Status, reason string) Verdict {
	return Verdict{Status: status, Reason: reason}
}
