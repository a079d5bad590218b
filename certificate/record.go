package certificate

import (
	"time"
)

// Status represents a position in the certificate anchoring lifecycle.
type Status string

// Lifecycle states. PENDING is the only non-terminal state.
const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Valid reports whether s is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is a legal forward step.
func (s Status) CanTransition(next Status) bool {
	return s == StatusPending && next.Terminal()
}

// Record is the persisted certificate document.
type Record struct {
	CertificateID    string `gorm:"primaryKey;size:64"`
	VerificationCode string `gorm:"size:16;index:idx_certificates_verification_code,unique,where:verification_code <> ''"`
	// ShortCode is the legacy alias column, only read by the code migration.
	ShortCode string `gorm:"size:32"`
	Status    Status `gorm:"size:16;not null;default:PENDING;index"`

	SHA256Hash string `gorm:"column:sha256_hash;size:64;index"`
	CIDHash    string `gorm:"column:cid_hash;size:128;index"`
	IPFSHash   string `gorm:"column:ipfs_hash;size:128;index"`

	BlockchainTx string `gorm:"size:66"`
	BlockNumber  uint64
	Revoked      bool `gorm:"not null;default:false"`

	UID            string `gorm:"column:uid;size:128"`
	CandidateName  string `gorm:"size:255"`
	CourseName     string `gorm:"size:255"`
	OrgName        string `gorm:"size:255"`
	RecipientEmail string `gorm:"size:320"`

	EmailSent            bool `gorm:"not null;default:false;index"`
	EmailSentAt          *time.Time
	NotificationAttempts int `gorm:"not null;default:0"`

	LastCheckedAt *time.Time
	LastError     string `gorm:"size:512"`
	ConfirmedAt   *time.Time
	FailedAt      *time.Time

	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

// TableName pins the table name independent of struct naming.
func (Record) TableName() string {
	return "certificates"
}

// Age returns how long ago the record was created relative to now.
func (r *Record) Age(now time.Time) time.Duration {
	if r == nil || r.CreatedAt.IsZero() {
		return 0
	}
	if now.Before(r.CreatedAt) {
		return 0
	}
	return now.Sub(r.CreatedAt)
}

// HasTx reports whether a ledger transaction reference was recorded.
func (r *Record) HasTx() bool {
	return r != nil && r.BlockchainTx != ""
}

// ContentHash returns the hash used to address the PDF in the content store,
// preferring the pinning service digest over the locally computed CID.
func (r *Record) ContentHash() string {
	if r == nil {
		return ""
	}
	if r.IPFSHash != "" {
		return r.IPFSHash
	}
	return r.CIDHash
}
