package verify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"certchain/certificate"
	"certchain/ledger"
	"certchain/ledger/ledgertest"
	"certchain/store"
	"certchain/store/storetest"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type verdictCounter struct {
	seen map[string]int
}

func (c *verdictCounter) ObserveVerification(method, status string) {
	if c.seen == nil {
		c.seen = make(map[string]int)
	}
	c.seen[method+":"+status]++
}

func newResolver(t *testing.T, s *store.Store, l Ledger) (*Resolver, *verdictCounter) {
	t.Helper()
	metrics := &verdictCounter{}
	r, err := NewResolver(Config{
		Store:            s,
		Ledger:           l,
		Linker:           certificate.Linker{GatewayBase: "https://ipfs.example/ipfs", ExplorerTxURL: "https://scan.example/tx/{tx}"},
		PartialScanLimit: 100,
		MinPartialLength: 16,
		Metrics:          metrics,
	})
	require.NoError(t, err)
	return r, metrics
}

func TestVerifyByIDMalformedSkipsLedger(t *testing.T) {
	s := storetest.Open(t)
	fake := ledgertest.New()
	r, metrics := newResolver(t, s, fake)

	for _, id := range []string{"", "abc", strings.Repeat("z", 64), strings.Repeat("a", 65)} {
		v := r.VerifyByID(context.Background(), id)
		require.False(t, v.Success)
		require.Equal(t, StatusNotFound, v.Status)
		require.Equal(t, ReasonInvalidFormat, v.Reason)
	}
	require.Zero(t, fake.Calls("IsVerified"))
	require.Equal(t, 4, metrics.seen["id:NOT_FOUND"])
}

func TestVerifyByIDValid(t *testing.T) {
	s := storetest.Open(t)
	recs := storetest.Insert(t, s, storetest.Seed{Seq: 1, Status: certificate.StatusConfirmed, CreatedAt: baseTime, Tx: "0xabc"})
	fake := ledgertest.New()
	fake.Anchor(recs[0].CertificateID, ledger.Certificate{UID: "uid-1"}, "0xabc", 10)
	r, _ := newResolver(t, s, fake)

	v := r.VerifyByID(context.Background(), "  "+strings.ToUpper(recs[0].CertificateID)+" ")
	require.True(t, v.Success)
	require.Equal(t, StatusValid, v.Status)
	require.Empty(t, v.Warning)
	require.NotNil(t, v.Certificate)
	require.Equal(t, recs[0].CertificateID, v.Certificate.CertificateID)
	require.Equal(t, "https://scan.example/tx/0xabc", v.Links.Blockchain)
	require.True(t, strings.HasPrefix(v.Links.PDF, "https://ipfs.example/ipfs/"))
}

func TestVerifyUnknownID(t *testing.T) {
	s := storetest.Open(t)
	r, _ := newResolver(t, s, ledgertest.New())

	v := r.VerifyByID(context.Background(), strings.Repeat("ab", 32))
	require.Equal(t, StatusNotFound, v.Status)
	require.Equal(t, ReasonNotFound, v.Reason)
	require.Nil(t, v.Certificate)
}

func TestRevokedTakesPrecedence(t *testing.T) {
	s := storetest.Open(t)
	recs := storetest.Insert(t, s, storetest.Seed{Seq: 2, Status: certificate.StatusConfirmed, CreatedAt: baseTime, Revoked: true})
	fake := ledgertest.New()
	fake.Anchor(recs[0].CertificateID, ledger.Certificate{}, "", 0)
	r, _ := newResolver(t, s, fake)

	v := r.VerifyByID(context.Background(), recs[0].CertificateID)
	require.False(t, v.Success)
	require.Equal(t, StatusRevoked, v.Status)
	require.NotNil(t, v.Certificate)
}

func TestLedgerErrorDegradesToWarning(t *testing.T) {
	s := storetest.Open(t)
	recs := storetest.Insert(t, s, storetest.Seed{Seq: 3, Status: certificate.StatusConfirmed, CreatedAt: baseTime})
	fake := ledgertest.New()
	fake.FailWith(recs[0].CertificateID, errors.New("dial tcp: connection refused"))
	r, _ := newResolver(t, s, fake)

	v := r.VerifyByID(context.Background(), recs[0].CertificateID)
	require.True(t, v.Success)
	require.Equal(t, StatusValidWithWarning, v.Status)
	require.Equal(t, ReasonLedgerUnavailable, v.Reason)
	require.Contains(t, v.Warning, "connection refused")
}

func TestPendingAndFailedRecords(t *testing.T) {
	s := storetest.Open(t)
	recs := storetest.Insert(t, s,
		storetest.Seed{Seq: 4, CreatedAt: baseTime},
		storetest.Seed{Seq: 5, Status: certificate.StatusFailed, CreatedAt: baseTime},
	)
	fake := ledgertest.New()
	r, _ := newResolver(t, s, fake)

	pending := r.VerifyByID(context.Background(), recs[0].CertificateID)
	require.Equal(t, StatusValidWithWarning, pending.Status)
	require.Equal(t, ReasonPendingConfirmation, pending.Reason)

	failed := r.VerifyByID(context.Background(), recs[1].CertificateID)
	require.False(t, failed.Success)
	require.Equal(t, StatusError, failed.Status)
	require.Equal(t, ReasonLedgerRejected, failed.Reason)
}

func TestVerifyByCodeIgnoresCaseAndSeparators(t *testing.T) {
	s := storetest.Open(t)
	recs := storetest.Insert(t, s, storetest.Seed{Seq: 6, Status: certificate.StatusConfirmed, CreatedAt: baseTime})
	fake := ledgertest.New()
	fake.Anchor(recs[0].CertificateID, ledger.Certificate{}, "", 0)
	r, _ := newResolver(t, s, fake)

	code := recs[0].VerificationCode
	for _, q := range []string{code, strings.ToLower(code), " " + code[:4] + "-" + strings.ToLower(code[4:]) + " "} {
		v := r.VerifyByCode(context.Background(), q)
		require.Equal(t, StatusValid, v.Status, q)
		require.Equal(t, recs[0].CertificateID, v.Certificate.CertificateID)
	}

	v := r.VerifyByCode(context.Background(), "??")
	require.Equal(t, ReasonInvalidFormat, v.Reason)
	v = r.VerifyByCode(context.Background(), "ZZZZ9999")
	require.Equal(t, StatusNotFound, v.Status)
}

func TestVerifyByHashExactTiers(t *testing.T) {
	s := storetest.Open(t)
	recs := storetest.Insert(t, s, storetest.Seed{Seq: 7, Status: certificate.StatusConfirmed, CreatedAt: baseTime})
	fake := ledgertest.New()
	fake.Anchor(recs[0].CertificateID, ledger.Certificate{}, "", 0)
	r, _ := newResolver(t, s, fake)

	cases := []struct {
		query string
		want  MatchType
	}{
		{recs[0].SHA256Hash, "exact_sha256"},
		{"0x" + strings.ToUpper(recs[0].SHA256Hash), "exact_sha256"},
		{recs[0].CIDHash, "exact_cid"},
		{"ipfs://" + recs[0].IPFSHash, "exact_ipfs"},
		{"https://ipfs.example/ipfs/" + recs[0].IPFSHash, "exact_ipfs"},
	}
	for _, tc := range cases {
		v := r.VerifyByHash(context.Background(), tc.query)
		require.Equal(t, StatusValid, v.Status, tc.query)
		require.Equal(t, tc.want, v.MatchType, tc.query)
	}
}

func TestVerifyByHashPartialCIDSuperstring(t *testing.T) {
	s := storetest.Open(t)
	rec := storetest.Record(8, baseTime)
	rec.SHA256Hash = ""
	rec.IPFSHash = ""
	require.NoError(t, s.DB().Create(rec).Error)
	r, _ := newResolver(t, s, ledgertest.New())

	v := r.VerifyByHash(context.Background(), "prefix"+rec.CIDHash+"suffix")
	require.Equal(t, MatchType("partial_cid"), v.MatchType)
	require.Equal(t, rec.CertificateID, v.Certificate.CertificateID)
	require.Equal(t, StatusValidWithWarning, v.Status)
}

func TestVerifyByHashPartialPrefersTierThenNewest(t *testing.T) {
	s := storetest.Open(t)
	older := storetest.Record(9, baseTime)
	newer := storetest.Record(10, baseTime.Add(time.Hour))
	// Both share a sha256 prefix; a third record only overlaps on ipfs.
	shared := strings.Repeat("c", 40)
	older.SHA256Hash = shared + older.SHA256Hash[40:]
	newer.SHA256Hash = shared + newer.SHA256Hash[40:]
	ipfsOnly := storetest.Record(11, baseTime.Add(2*time.Hour))
	ipfsOnly.SHA256Hash = ""
	ipfsOnly.CIDHash = ""
	ipfsOnly.IPFSHash = "Qm" + shared
	for _, rec := range []*certificate.Record{older, newer, ipfsOnly} {
		require.NoError(t, s.DB().Create(rec).Error)
	}
	r, _ := newResolver(t, s, ledgertest.New())

	v := r.VerifyByHash(context.Background(), shared)
	require.Equal(t, MatchType("partial_sha256"), v.MatchType)
	require.Equal(t, newer.CertificateID, v.Certificate.CertificateID)
}

func TestVerifyByHashShortQueryNoPartial(t *testing.T) {
	s := storetest.Open(t)
	recs := storetest.Insert(t, s, storetest.Seed{Seq: 12, CreatedAt: baseTime})
	r, _ := newResolver(t, s, ledgertest.New())

	v := r.VerifyByHash(context.Background(), recs[0].SHA256Hash[:8])
	require.Equal(t, StatusNotFound, v.Status)
	require.Empty(t, v.MatchType)

	v = r.VerifyByHash(context.Background(), "not a hash!")
	require.Equal(t, ReasonInvalidFormat, v.Reason)
}

func TestNewResolverRequiresStore(t *testing.T) {
	_, err := NewResolver(Config{})
	require.Error(t, err)
}
