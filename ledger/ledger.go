// Package ledger talks to the certificate registry contract on an EVM chain.
package ledger

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound reports that the ledger holds no certificate for the id.
	ErrNotFound = errors.New("ledger: certificate not found")
	// ErrReverted reports that a call or transaction was reverted by the contract.
	ErrReverted = errors.New("ledger: execution reverted")
	// ErrNotConnected reports that no RPC connection is currently established.
	ErrNotConnected = errors.New("ledger: not connected")
	// ErrNoSigner reports that submission was attempted without a signing key.
	ErrNoSigner = errors.New("ledger: signer not configured")
)

// Certificate is the on-chain view of an anchored certificate.
type Certificate struct {
	UID           string
	CandidateName string
	CourseName    string
	OrgName       string
	ContentHash   string
	Timestamp     time.Time
	Revoked       bool
}

// SubmitRequest carries the fields anchored by generateCertificate.
type SubmitRequest struct {
	CertificateID string
	UID           string
	CandidateName string
	CourseName    string
	OrgName       string
	ContentHash   string
}

// Submission identifies the transaction that anchored a certificate.
// BlockNumber is zero while the transaction is not yet mined.
type Submission struct {
	TxHash      string
	BlockNumber uint64
}

// TxState classifies a transaction receipt lookup.
type TxState int

const (
	// TxUnknown means the node has neither a receipt nor the transaction.
	TxUnknown TxState = iota
	// TxPending means the transaction is known but not yet mined.
	TxPending
	// TxSuccess means the transaction was mined and succeeded.
	TxSuccess
	// TxReverted means the transaction was mined and reverted.
	TxReverted
)

func (s TxState) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxSuccess:
		return "success"
	case TxReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// TxStatus is the outcome of a receipt lookup.
type TxStatus struct {
	State       TxState
	BlockNumber uint64
}

// IsReverted reports whether err carries an EVM revert, whether produced by
// this package or returned raw by an RPC node.
func IsReverted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrReverted) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}
