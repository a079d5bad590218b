package store_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"certchain/certificate"
	"certchain/store"
	"certchain/store/storetest"
)

func TestCreateStartsPendingOnce(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	rec := storetest.Record(1, now)
	rec.Status = certificate.StatusConfirmed
	rec.VerificationCode = "cert-2345"
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.Get(ctx, rec.CertificateID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != certificate.StatusPending {
		t.Fatalf("expected PENDING, got %s", got.Status)
	}
	if got.VerificationCode != "CERT2345" {
		t.Fatalf("expected normalized code, got %q", got.VerificationCode)
	}

	dup := storetest.Record(1, now)
	dup.VerificationCode = "ZZZZ2345"
	if err := s.Create(ctx, dup); !errors.Is(err, store.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	clash := storetest.Record(2, now)
	clash.VerificationCode = "CERT2345"
	if err := s.Create(ctx, clash); !errors.Is(err, store.ErrCodeTaken) {
		t.Fatalf("expected ErrCodeTaken, got %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	s := storetest.Open(t)
	if _, err := s.Get(context.Background(), certificate.SHA256Hex([]byte("nope"))); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListPendingOldestFirst(t *testing.T) {
	s := storetest.Open(t)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	storetest.Insert(t, s,
		storetest.Seed{Seq: 1, CreatedAt: base.Add(3 * time.Minute)},
		storetest.Seed{Seq: 2, CreatedAt: base.Add(1 * time.Minute)},
		storetest.Seed{Seq: 3, CreatedAt: base, Status: certificate.StatusConfirmed},
		storetest.Seed{Seq: 4, CreatedAt: base.Add(2 * time.Minute)},
	)
	recs, err := s.ListPending(context.Background(), 2)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].UID != "uid-2" || recs[1].UID != "uid-4" {
		t.Fatalf("unexpected order: %s, %s", recs[0].UID, recs[1].UID)
	}
}

func TestApplyTransitionIsConditional(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	recs := storetest.Insert(t, s, storetest.Seed{Seq: 1, CreatedAt: now, Tx: "0xaaa"})
	id := recs[0].CertificateID

	err := s.ApplyTransition(ctx, id, store.Transition{To: certificate.StatusConfirmed, At: now, TxHash: "0xbbb", BlockNumber: 12})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != certificate.StatusConfirmed || got.ConfirmedAt == nil {
		t.Fatalf("expected confirmed with timestamp, got %+v", got)
	}
	if got.BlockchainTx != "0xaaa" {
		t.Fatalf("existing tx must not be overwritten, got %s", got.BlockchainTx)
	}
	if got.BlockNumber != 12 {
		t.Fatalf("expected block 12, got %d", got.BlockNumber)
	}

	err = s.ApplyTransition(ctx, id, store.Transition{To: certificate.StatusFailed, At: now})
	if !errors.Is(err, store.ErrTransitionConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	got, _ = s.Get(ctx, id)
	if got.Status != certificate.StatusConfirmed || got.FailedAt != nil {
		t.Fatalf("terminal record changed: %+v", got)
	}

	if err := s.ApplyTransition(ctx, id, store.Transition{To: certificate.StatusPending, At: now}); err == nil {
		t.Fatalf("expected illegal transition error")
	}
}

func TestApplyTransitionRacesHaveOneWinner(t *testing.T) {
	s := storetest.Open(t)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	recs := storetest.Insert(t, s, storetest.Seed{Seq: 1, CreatedAt: now})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.ApplyTransition(context.Background(), recs[0].CertificateID, store.Transition{To: certificate.StatusConfirmed, At: now})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winning transition, got %d", wins)
	}
}

func TestRecordSubmissionOnlyFillsEmptyTx(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	recs := storetest.Insert(t, s,
		storetest.Seed{Seq: 1, CreatedAt: now},
		storetest.Seed{Seq: 2, CreatedAt: now, Tx: "0x01"},
	)
	if err := s.RecordSubmission(ctx, recs[0].CertificateID, "0xfeed", 7, now); err != nil {
		t.Fatalf("record submission: %v", err)
	}
	if err := s.RecordSubmission(ctx, recs[1].CertificateID, "0xfeed", 7, now); !errors.Is(err, store.ErrTransitionConflict) {
		t.Fatalf("expected conflict for record with tx, got %v", err)
	}
	got, _ := s.Get(ctx, recs[0].CertificateID)
	if got.BlockchainTx != "0xfeed" || got.BlockNumber != 7 {
		t.Fatalf("unexpected submission fields: %+v", got)
	}
}

func TestRecordNotificationSetsMarkerOnce(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	recs := storetest.Insert(t, s, storetest.Seed{Seq: 1, CreatedAt: now, Status: certificate.StatusConfirmed})
	id := recs[0].CertificateID

	if err := s.RecordNotification(ctx, id, false, now, "smtp down"); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if err := s.RecordNotification(ctx, id, true, now, ""); err != nil {
		t.Fatalf("record success: %v", err)
	}
	if err := s.RecordNotification(ctx, id, true, now, ""); !errors.Is(err, store.ErrAlreadyNotified) {
		t.Fatalf("expected ErrAlreadyNotified, got %v", err)
	}
	got, _ := s.Get(ctx, id)
	if !got.EmailSent || got.EmailSentAt == nil {
		t.Fatalf("expected sent marker, got %+v", got)
	}
	if got.NotificationAttempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", got.NotificationAttempts)
	}
}

func TestListUnnotified(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	recs := storetest.Insert(t, s,
		storetest.Seed{Seq: 1, CreatedAt: now, Status: certificate.StatusConfirmed},
		storetest.Seed{Seq: 2, CreatedAt: now, Status: certificate.StatusPending},
		storetest.Seed{Seq: 3, CreatedAt: now, Status: certificate.StatusFailed},
		storetest.Seed{Seq: 4, CreatedAt: now, Status: certificate.StatusConfirmed},
	)
	if err := s.RecordNotification(ctx, recs[3].CertificateID, true, now, ""); err != nil {
		t.Fatalf("record: %v", err)
	}
	out, err := s.ListUnnotified(ctx, 10)
	if err != nil {
		t.Fatalf("list unnotified: %v", err)
	}
	if len(out) != 1 || out[0].CertificateID != recs[0].CertificateID {
		t.Fatalf("unexpected unnotified set: %+v", out)
	}
}

func TestFindByCodeNewestWins(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	recs := storetest.Insert(t, s, storetest.Seed{Seq: 1, CreatedAt: now})

	got, matches, err := s.FindByCode(ctx, "  "+recs[0].VerificationCode[:4]+"-"+recs[0].VerificationCode[4:]+" ")
	if err != nil {
		t.Fatalf("find by code: %v", err)
	}
	if matches != 1 || got.CertificateID != recs[0].CertificateID {
		t.Fatalf("unexpected match %d %s", matches, got.CertificateID)
	}
	if _, _, err := s.FindByCode(ctx, "ZZZZZZZZ"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindByHashExact(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	recs := storetest.Insert(t, s, storetest.Seed{Seq: 1, CreatedAt: now})

	for _, field := range store.HashPriority {
		var value string
		switch field {
		case store.HashSHA256:
			value = recs[0].SHA256Hash
		case store.HashCID:
			value = recs[0].CIDHash
		case store.HashIPFS:
			value = recs[0].IPFSHash
		}
		got, err := s.FindByHash(ctx, field, value)
		if err != nil {
			t.Fatalf("find by %s: %v", field, err)
		}
		if got.CertificateID != recs[0].CertificateID {
			t.Fatalf("wrong record for %s", field)
		}
	}
	if _, err := s.FindByHash(ctx, store.HashField("uid"), "x"); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestScanHashesRespectsLimit(t *testing.T) {
	s := storetest.Open(t)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 1; i <= 7; i++ {
		storetest.Insert(t, s, storetest.Seed{Seq: i, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	var seen []string
	visited, err := s.ScanHashes(context.Background(), 5, 2, func(rows []store.HashRow) bool {
		for _, r := range rows {
			seen = append(seen, r.CertificateID)
		}
		return true
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if visited != 5 || len(seen) != 5 {
		t.Fatalf("expected 5 rows visited, got %d/%d", visited, len(seen))
	}
	newest := storetest.Record(7, base)
	if seen[0] != newest.CertificateID {
		t.Fatalf("expected newest record first")
	}
}

func TestCountByStatus(t *testing.T) {
	s := storetest.Open(t)
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	storetest.Insert(t, s,
		storetest.Seed{Seq: 1, CreatedAt: now},
		storetest.Seed{Seq: 2, CreatedAt: now, Status: certificate.StatusConfirmed},
		storetest.Seed{Seq: 3, CreatedAt: now, Status: certificate.StatusConfirmed},
	)
	counts, err := s.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[certificate.StatusPending] != 1 || counts[certificate.StatusConfirmed] != 2 || counts[certificate.StatusFailed] != 0 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestMigrateLegacyShortCodes(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	recs := storetest.Insert(t, s,
		storetest.Seed{Seq: 1, CreatedAt: now},
		storetest.Seed{Seq: 2, CreatedAt: now.Add(time.Minute)},
		storetest.Seed{Seq: 3, CreatedAt: now.Add(2 * time.Minute)},
	)
	// Legacy rows: one with a usable short code, one with garbage, one clashing.
	legacy := map[string]string{
		recs[0].CertificateID: "lgcy-2345",
		recs[1].CertificateID: "??",
		recs[2].CertificateID: "LGCY2345",
	}
	for id, short := range legacy {
		if err := s.DB().Model(&certificate.Record{}).Where("certificate_id = ?", id).
			Updates(map[string]any{"verification_code": "", "short_code": short}).Error; err != nil {
			t.Fatalf("prepare legacy row: %v", err)
		}
	}

	report, err := s.MigrateLegacyShortCodes(ctx, nil)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if report.Copied != 1 || report.Skipped != 2 || report.Generated != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	got, _ := s.Get(ctx, recs[0].CertificateID)
	if got.VerificationCode != "LGCY2345" {
		t.Fatalf("expected copied legacy code, got %q", got.VerificationCode)
	}

	report, err = s.MigrateLegacyShortCodes(ctx, certificate.NewCode)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if report.Generated != 2 || report.Copied != 0 {
		t.Fatalf("unexpected second report: %+v", report)
	}
	for _, rec := range recs[1:] {
		got, _ := s.Get(ctx, rec.CertificateID)
		if !certificate.ValidCode(got.VerificationCode) {
			t.Fatalf("expected generated code, got %q", got.VerificationCode)
		}
	}
}

func TestLongErrorTextIsCutOnRuneBoundary(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	recs := storetest.Insert(t, s,
		storetest.Seed{Seq: 1, CreatedAt: now},
		storetest.Seed{Seq: 2, CreatedAt: now, Status: certificate.StatusConfirmed},
	)
	// One ASCII byte then two-byte runes, so byte 512 falls inside a rune.
	long := "x" + strings.Repeat("é", 300)

	if err := s.MarkChecked(ctx, recs[0].CertificateID, now, long); err != nil {
		t.Fatalf("mark checked: %v", err)
	}
	if err := s.RecordNotification(ctx, recs[1].CertificateID, false, now, long); err != nil {
		t.Fatalf("record notification: %v", err)
	}
	for _, rec := range recs {
		got, err := s.Get(ctx, rec.CertificateID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !utf8.ValidString(got.LastError) {
			t.Fatalf("stored error text is not valid UTF-8")
		}
		if len(got.LastError) != 511 || !strings.HasPrefix(long, got.LastError) {
			t.Fatalf("expected 511-byte prefix, got %d bytes", len(got.LastError))
		}
	}
}

func TestScanHashesIgnoresRowsInsertedMidScan(t *testing.T) {
	s := storetest.Open(t)
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		storetest.Insert(t, s, storetest.Seed{Seq: i, CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	seen := make(map[string]int)
	batches := 0
	visited, err := s.ScanHashes(context.Background(), 0, 2, func(rows []store.HashRow) bool {
		batches++
		if batches == 1 {
			storetest.Insert(t, s, storetest.Seed{Seq: 9, CreatedAt: base.Add(time.Hour)})
		}
		for _, r := range rows {
			seen[r.CertificateID]++
		}
		return true
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if visited != 5 || len(seen) != 5 {
		t.Fatalf("expected the 5 original rows once each, visited=%d distinct=%d", visited, len(seen))
	}
	for i := 1; i <= 5; i++ {
		if n := seen[storetest.Record(i, base).CertificateID]; n != 1 {
			t.Fatalf("record %d visited %d times", i, n)
		}
	}
}
