// Package ledgertest provides an in-memory registry for tests.
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"certchain/ledger"
)

// Fake is an in-memory registry with per-certificate error injection.
type Fake struct {
	mu          sync.Mutex
	verified    map[string]bool
	certs       map[string]ledger.Certificate
	submissions map[string]ledger.Submission
	txs         map[string]ledger.TxStatus
	errs        map[string]error
	healthErr   error
	block       func(ctx context.Context, id string) error
	calls       map[string]int
	reconnects  int
	nextBlock   uint64
}

// New returns an empty fake registry.
func New() *Fake {
	return &Fake{
		verified:    make(map[string]bool),
		certs:       make(map[string]ledger.Certificate),
		submissions: make(map[string]ledger.Submission),
		txs:         make(map[string]ledger.TxStatus),
		errs:        make(map[string]error),
		calls:       make(map[string]int),
		nextBlock:   100,
	}
}

// Anchor records the certificate as verified on-chain with a mined transaction.
func (f *Fake) Anchor(id string, cert ledger.Certificate, txHash string, block uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified[id] = true
	f.certs[id] = cert
	if txHash != "" {
		f.submissions[id] = ledger.Submission{TxHash: txHash, BlockNumber: block}
		f.txs[txHash] = ledger.TxStatus{State: ledger.TxSuccess, BlockNumber: block}
	}
}

// SetTx sets the receipt state for a transaction hash.
func (f *Fake) SetTx(txHash string, status ledger.TxStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[txHash] = status
}

// Revoke flips the on-chain revoked flag.
func (f *Fake) Revoke(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.certs[id]
	c.Revoked = true
	f.certs[id] = c
}

// FailWith makes every call about id return err.
func (f *Fake) FailWith(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[id] = err
}

// SetHealth sets the error returned by Healthy.
func (f *Fake) SetHealth(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthErr = err
}

// BlockOn installs a hook invoked at the start of IsVerified, used to hold
// calls open or simulate slow nodes.
func (f *Fake) BlockOn(fn func(ctx context.Context, id string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block = fn
}

// Calls returns how many times method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Reconnects returns how many times Reconnect was invoked.
func (f *Fake) Reconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconnects
}

func (f *Fake) enter(method, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	return f.errs[id]
}

func (f *Fake) IsVerified(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	hook := f.block
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, id); err != nil {
			f.enter("IsVerified", id)
			return false, err
		}
	}
	if err := f.enter("IsVerified", id); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verified[id], nil
}

func (f *Fake) GetCertificate(_ context.Context, id string) (*ledger.Certificate, error) {
	if err := f.enter("GetCertificate", id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.certs[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return &c, nil
}

func (f *Fake) TxStatus(_ context.Context, txHash string) (ledger.TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["TxStatus"]++
	return f.txs[txHash], nil
}

func (f *Fake) FindSubmission(_ context.Context, id string) (ledger.Submission, bool, error) {
	if err := f.enter("FindSubmission", id); err != nil {
		return ledger.Submission{}, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.submissions[id]
	return sub, ok, nil
}

// Submit anchors the request immediately as a mined transaction.
func (f *Fake) Submit(_ context.Context, req ledger.SubmitRequest) (ledger.Submission, error) {
	if err := f.enter("Submit", req.CertificateID); err != nil {
		return ledger.Submission{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextBlock++
	sub := ledger.Submission{TxHash: fmt.Sprintf("0x%064x", f.nextBlock), BlockNumber: f.nextBlock}
	f.submissions[req.CertificateID] = sub
	f.txs[sub.TxHash] = ledger.TxStatus{State: ledger.TxSuccess, BlockNumber: sub.BlockNumber}
	f.verified[req.CertificateID] = true
	f.certs[req.CertificateID] = ledger.Certificate{
		UID:           req.UID,
		CandidateName: req.CandidateName,
		CourseName:    req.CourseName,
		OrgName:       req.OrgName,
		ContentHash:   req.ContentHash,
		Timestamp:     time.Unix(1_700_000_000, 0).UTC(),
	}
	return sub, nil
}

func (f *Fake) Healthy(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["Healthy"]++
	return f.healthErr
}

func (f *Fake) Reconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
	f.healthErr = nil
	return nil
}

func (f *Fake) Close() {}
