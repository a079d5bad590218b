package recon

import (
	"time"

	"certchain/certificate"
	"certchain/ledger"
)

// Action is the transition chosen for a pending record.
type Action int

const (
	// ActionNone leaves the record untouched because it is no longer pending.
	ActionNone Action = iota
	// ActionRetry keeps the record PENDING for the next pass.
	ActionRetry
	// ActionConfirm moves the record to CONFIRMED.
	ActionConfirm
	// ActionFail moves the record to FAILED.
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionConfirm:
		return "confirm"
	case ActionFail:
		return "fail"
	default:
		return "none"
	}
}

// Decision reasons.
const (
	ReasonTerminal        = "terminal"
	ReasonLedgerError     = "ledger_error"
	ReasonLedgerRevoked   = "ledger_revoked"
	ReasonConfirmed       = "confirmed"
	ReasonNotMined        = "not_mined"
	ReasonAwaiting        = "awaiting_confirmation"
	ReasonReverted        = "reverted"
	ReasonNotFound        = "not_found"
	ReasonUnverifiedMined = "mined_unverified"
)

// Observation is what the ledger said about one record during a pass.
type Observation struct {
	Verified  bool
	Revoked   bool
	HasTx     bool
	Tx        ledger.TxState
	LedgerErr error
}

// Decision is the outcome of Decide.
type Decision struct {
	Action Action
	Reason string
	// Errored marks retries caused by a failure rather than by waiting.
	Errored bool
}

// Decide maps a record and a ledger observation to a transition. It has no
// side effects.
//
// A ledger-confirmed, non-revoked certificate is confirmed. Transport errors
// and unmined transactions are retried. A reverted, unknown, or unverified
// submission is retried until the record is older than grace, then failed.
// A certificate the ledger reports as revoked while still pending locally is
// left alone and counted as an error for operators to look at.
func Decide(rec *certificate.Record, obs Observation, now time.Time, grace time.Duration) Decision {
	if rec == nil || rec.Status != certificate.StatusPending {
		return Decision{Action: ActionNone, Reason: ReasonTerminal}
	}
	if obs.LedgerErr != nil {
		return Decision{Action: ActionRetry, Reason: ReasonLedgerError, Errored: true}
	}
	if obs.Verified {
		if obs.Revoked {
			return Decision{Action: ActionRetry, Reason: ReasonLedgerRevoked, Errored: true}
		}
		return Decision{Action: ActionConfirm, Reason: ReasonConfirmed}
	}
	if obs.HasTx && obs.Tx == ledger.TxPending {
		return Decision{Action: ActionRetry, Reason: ReasonNotMined}
	}
	reason := ReasonNotFound
	if obs.HasTx {
		switch obs.Tx {
		case ledger.TxReverted:
			reason = ReasonReverted
		case ledger.TxSuccess:
			reason = ReasonUnverifiedMined
		}
	}
	if rec.Age(now) > grace {
		return Decision{Action: ActionFail, Reason: reason}
	}
	return Decision{Action: ActionRetry, Reason: ReasonAwaiting}
}
