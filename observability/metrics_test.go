package observability

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"certchain/ledger"
	"certchain/recon"
)

func TestCertdMetricsRecordsActivity(t *testing.T) {
	m := Certd()
	if m != Certd() {
		t.Fatalf("expected a single registry instance")
	}

	confirmedBefore := testutil.ToFloat64(m.passes.WithLabelValues(recon.OutcomeConfirmed))
	m.ObservePass(recon.Report{Checked: 3, Confirmed: 2, Errored: 1}, 40*time.Millisecond)
	if got := testutil.ToFloat64(m.passes.WithLabelValues(recon.OutcomeConfirmed)) - confirmedBefore; got != 2 {
		t.Fatalf("expected 2 confirmed, got %v", got)
	}

	revertedBefore := testutil.ToFloat64(m.ledgerCalls.WithLabelValues("IsVerified", "reverted"))
	m.ObserveLedgerCall("IsVerified", time.Millisecond, fmt.Errorf("call: %w", ledger.ErrReverted))
	if got := testutil.ToFloat64(m.ledgerCalls.WithLabelValues("IsVerified", "reverted")) - revertedBefore; got != 1 {
		t.Fatalf("expected reverted call to be counted, got %v", got)
	}

	m.ObserveHealth(false)
	if got := testutil.ToFloat64(m.ledgerHealthy); got != 0 {
		t.Fatalf("expected unhealthy gauge, got %v", got)
	}
	m.ObserveHealth(true)
	if got := testutil.ToFloat64(m.ledgerHealthy); got != 1 {
		t.Fatalf("expected healthy gauge, got %v", got)
	}

	m.SetLiveSubscribers(4)
	if got := testutil.ToFloat64(m.subscribers); got != 4 {
		t.Fatalf("expected 4 subscribers, got %v", got)
	}

	before := testutil.ToFloat64(m.verifications.WithLabelValues("unknown", "VALID"))
	m.ObserveVerification("", "VALID")
	if got := testutil.ToFloat64(m.verifications.WithLabelValues("unknown", "VALID")) - before; got != 1 {
		t.Fatalf("expected blank method to be labelled unknown, got %v", got)
	}
}

func TestLedgerResultClasses(t *testing.T) {
	cases := map[error]string{
		nil:                                    "ok",
		ledger.ErrNotFound:                     "not_found",
		errors.New("execution reverted: nope"): "reverted",
		fmt.Errorf("x: %w", ledger.ErrNotConnected): "disconnected",
		errors.New("i/o timeout"):                   "error",
	}
	for err, want := range cases {
		if got := ledgerResult(err); got != want {
			t.Fatalf("ledgerResult(%v) = %s, want %s", err, got, want)
		}
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *CertdMetrics
	m.ObservePass(recon.Report{}, time.Second)
	m.ObserveRecord("confirmed")
	m.ObserveLedgerCall("Submit", time.Second, nil)
	m.ObserveNotification("smtp", true)
	m.ObserveBroadcast(1, 1)
	m.ObserveVerification("id", "VALID")
}
