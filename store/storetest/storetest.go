// Package storetest opens throwaway certificate stores for tests.
package storetest

import (
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"certchain/certificate"
	"certchain/store"
)

// Open returns a migrated store backed by a sqlite file in a temp directory.
// The connection pool is closed when the test finishes.
func Open(t testing.TB) *store.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "certs.db") + "?_pragma=busy_timeout(5000)"
	db, err := store.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := store.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s := store.New(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Seed describes a record to insert directly.
type Seed struct {
	Seq       int
	Status    certificate.Status
	CreatedAt time.Time
	Email     string
	Tx        string
	Revoked   bool
}

// Record builds a deterministic record for seq.
func Record(seq int, createdAt time.Time) *certificate.Record {
	pdf := certificate.SHA256Hex([]byte{byte(seq), byte(seq >> 8), 0x42})
	id := certificate.Fingerprint("uid-"+itoa(seq), "Candidate "+itoa(seq), "Course", "Org", pdf)
	return &certificate.Record{
		CertificateID:    id,
		VerificationCode: codeFor(seq),
		SHA256Hash:       pdf,
		CIDHash:          "bafkrei" + pdf[:52],
		IPFSHash:         "Qm" + pdf[:44],
		UID:              "uid-" + itoa(seq),
		CandidateName:    "Candidate " + itoa(seq),
		CourseName:       "Course",
		OrgName:          "Org",
		RecipientEmail:   "candidate" + itoa(seq) + "@example.com",
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}
}

// Insert writes seed records and forces the requested status directly,
// bypassing the lifecycle guards.
func Insert(t testing.TB, s *store.Store, seeds ...Seed) []*certificate.Record {
	t.Helper()
	out := make([]*certificate.Record, 0, len(seeds))
	for _, seed := range seeds {
		rec := Record(seed.Seq, seed.CreatedAt)
		if seed.Email != "" {
			rec.RecipientEmail = seed.Email
		}
		rec.BlockchainTx = seed.Tx
		if err := s.DB().Create(rec).Error; err != nil {
			t.Fatalf("seed %d: %v", seed.Seq, err)
		}
		rec.Status = certificate.StatusPending
		updates := map[string]any{"revoked": seed.Revoked}
		if seed.Status != "" {
			updates["status"] = seed.Status
			rec.Status = seed.Status
		}
		if err := s.DB().Model(&certificate.Record{}).Where("certificate_id = ?", rec.CertificateID).Updates(updates).Error; err != nil {
			t.Fatalf("seed %d status: %v", seed.Seq, err)
		}
		rec.Revoked = seed.Revoked
		out = append(out, rec)
	}
	return out
}

const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

func codeFor(seq int) string {
	buf := []byte("CERT0000")
	n := seq
	for i := len(buf) - 1; i >= 4; i-- {
		buf[i] = codeAlphabet[n%len(codeAlphabet)]
		n /= len(codeAlphabet)
	}
	return string(buf)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
