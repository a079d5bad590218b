package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"certchain/certificate"
)

var (
	// ErrNotFound is returned when no record matches a lookup.
	ErrNotFound = errors.New("store: certificate not found")
	// ErrAlreadyExists is returned when a record with the same id is already stored.
	ErrAlreadyExists = errors.New("store: certificate already exists")
	// ErrCodeTaken is returned when the verification code collides with another record.
	ErrCodeTaken = errors.New("store: verification code already assigned")
	// ErrTransitionConflict is returned when a status write finds the record no longer PENDING.
	ErrTransitionConflict = errors.New("store: certificate is not pending")
	// ErrAlreadyNotified is returned when the notification marker was already set.
	ErrAlreadyNotified = errors.New("store: notification already recorded")
)

// HashField names one of the hash columns that verification can match against.
type HashField string

// Hash columns in verification priority order.
const (
	HashSHA256 HashField = "sha256_hash"
	HashCID    HashField = "cid_hash"
	HashIPFS   HashField = "ipfs_hash"
)

// HashPriority is the fixed order hash columns are consulted in.
var HashPriority = []HashField{HashSHA256, HashCID, HashIPFS}

// Open connects to the configured database driver.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	return db, nil
}

// AutoMigrate creates or updates the certificate schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&certificate.Record{})
}

// Store persists certificate records. Each mutating method is a single
// conditional statement so callers never observe partial writes.
type Store struct {
	db *gorm.DB
}

// New wraps an open database handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Create inserts a new record in PENDING. Records are created exactly once.
func (s *Store) Create(ctx context.Context, rec *certificate.Record) error {
	if rec == nil {
		return errors.New("store: record required")
	}
	rec.CertificateID = certificate.NormalizeFingerprint(rec.CertificateID)
	if !certificate.IsFingerprint(rec.CertificateID) {
		return fmt.Errorf("store: malformed certificate id %q", rec.CertificateID)
	}
	rec.VerificationCode = certificate.NormalizeCode(rec.VerificationCode)
	if !certificate.ValidCode(rec.VerificationCode) {
		return fmt.Errorf("store: malformed verification code %q", rec.VerificationCode)
	}
	rec.Status = certificate.StatusPending
	rec.EmailSent = false
	rec.EmailSentAt = nil

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if res.Error != nil {
		return fmt.Errorf("store: create: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&certificate.Record{}).
		Where("certificate_id = ?", rec.CertificateID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("store: create conflict lookup: %w", err)
	}
	if count > 0 {
		return ErrAlreadyExists
	}
	return ErrCodeTaken
}

// Get loads a record by certificate id.
func (s *Store) Get(ctx context.Context, id string) (*certificate.Record, error) {
	var rec certificate.Record
	err := s.db.WithContext(ctx).
		Where("certificate_id = ?", certificate.NormalizeFingerprint(id)).
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get: %w", err)
	}
	return &rec, nil
}

// FindByCode returns the newest record carrying the normalized code and the
// number of matches observed (capped at 2). More than one match indicates a
// data quality problem the caller should report.
func (s *Store) FindByCode(ctx context.Context, code string) (*certificate.Record, int, error) {
	var recs []certificate.Record
	err := s.db.WithContext(ctx).
		Where("verification_code = ?", certificate.NormalizeCode(code)).
		Order("created_at DESC").
		Limit(2).
		Find(&recs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("store: find by code: %w", err)
	}
	if len(recs) == 0 {
		return nil, 0, ErrNotFound
	}
	return &recs[0], len(recs), nil
}

// FindByHash returns the newest record whose field equals value exactly.
func (s *Store) FindByHash(ctx context.Context, field HashField, value string) (*certificate.Record, error) {
	if !field.valid() {
		return nil, fmt.Errorf("store: unknown hash field %q", field)
	}
	if value == "" {
		return nil, ErrNotFound
	}
	var rec certificate.Record
	err := s.db.WithContext(ctx).
		Where(fmt.Sprintf("%s = ?", field), value).
		Order("created_at DESC").
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: find by %s: %w", field, err)
	}
	return &rec, nil
}

func (f HashField) valid() bool {
	switch f {
	case HashSHA256, HashCID, HashIPFS:
		return true
	default:
		return false
	}
}

// HashRow is the projection scanned by the partial hash fallback.
type HashRow struct {
	CertificateID string    `gorm:"column:certificate_id"`
	SHA256Hash    string    `gorm:"column:sha256_hash"`
	CIDHash       string    `gorm:"column:cid_hash"`
	IPFSHash      string    `gorm:"column:ipfs_hash"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

// Value returns the column value for field.
func (r HashRow) Value(field HashField) string {
	switch field {
	case HashSHA256:
		return r.SHA256Hash
	case HashCID:
		return r.CIDHash
	case HashIPFS:
		return r.IPFSHash
	default:
		return ""
	}
}

// ScanHashes walks stored hashes newest first in batches, stopping after
// limit rows or when fn returns false. It returns the number of rows visited.
// Batches are paged on (created_at, certificate_id), so records inserted
// during the scan neither shift nor repeat rows already visited.
func (s *Store) ScanHashes(ctx context.Context, limit, batchSize int, fn func([]HashRow) bool) (int, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	visited := 0
	var cursor *HashRow
	for limit <= 0 || visited < limit {
		size := batchSize
		if limit > 0 && limit-visited < size {
			size = limit - visited
		}
		q := s.db.WithContext(ctx).
			Model(&certificate.Record{}).
			Select("certificate_id", "sha256_hash", "cid_hash", "ipfs_hash", "created_at").
			Where("(sha256_hash <> '' OR cid_hash <> '' OR ipfs_hash <> '')")
		if cursor != nil {
			q = q.Where("(created_at < ? OR (created_at = ? AND certificate_id < ?))",
				cursor.CreatedAt, cursor.CreatedAt, cursor.CertificateID)
		}
		var rows []HashRow
		err := q.Order("created_at DESC").
			Order("certificate_id DESC").
			Limit(size).
			Scan(&rows).Error
		if err != nil {
			return visited, fmt.Errorf("store: scan hashes: %w", err)
		}
		if len(rows) == 0 {
			break
		}
		visited += len(rows)
		last := rows[len(rows)-1]
		cursor = &last
		if !fn(rows) {
			break
		}
		if len(rows) < size {
			break
		}
	}
	return visited, nil
}

// ListPending returns PENDING records oldest first. A non-positive limit
// returns every pending record.
func (s *Store) ListPending(ctx context.Context, limit int) ([]certificate.Record, error) {
	var recs []certificate.Record
	q := s.db.WithContext(ctx).
		Where("status = ?", certificate.StatusPending).
		Order("created_at ASC").
		Order("certificate_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("store: list pending: %w", err)
	}
	return recs, nil
}

// ListUnnotified returns CONFIRMED records whose notification has not been
// recorded as sent, oldest confirmation first.
func (s *Store) ListUnnotified(ctx context.Context, limit int) ([]certificate.Record, error) {
	var recs []certificate.Record
	q := s.db.WithContext(ctx).
		Where("status = ? AND email_sent = ? AND recipient_email <> ''", certificate.StatusConfirmed, false).
		Order("confirmed_at ASC").
		Order("certificate_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("store: list unnotified: %w", err)
	}
	return recs, nil
}

// Transition describes a terminal status write.
type Transition struct {
	To          certificate.Status
	At          time.Time
	TxHash      string
	BlockNumber uint64
	Reason      string
}

// ApplyTransition moves a PENDING record to a terminal status. The write is
// conditional on the record still being PENDING; a record that already left
// PENDING yields ErrTransitionConflict and is left untouched.
func (s *Store) ApplyTransition(ctx context.Context, id string, t Transition) error {
	if !certificate.StatusPending.CanTransition(t.To) {
		return fmt.Errorf("store: illegal transition to %s", t.To)
	}
	at := t.At.UTC()
	updates := map[string]any{
		"status":          t.To,
		"last_checked_at": at,
		"last_error":      t.Reason,
		"updated_at":      at,
	}
	switch t.To {
	case certificate.StatusConfirmed:
		updates["confirmed_at"] = at
	case certificate.StatusFailed:
		updates["failed_at"] = at
	}
	if t.TxHash != "" {
		updates["blockchain_tx"] = gorm.Expr("CASE WHEN blockchain_tx IS NULL OR blockchain_tx = '' THEN ? ELSE blockchain_tx END", t.TxHash)
	}
	if t.BlockNumber > 0 {
		updates["block_number"] = gorm.Expr("CASE WHEN block_number IS NULL OR block_number = 0 THEN ? ELSE block_number END", t.BlockNumber)
	}
	res := s.db.WithContext(ctx).
		Model(&certificate.Record{}).
		Where("certificate_id = ? AND status = ?", certificate.NormalizeFingerprint(id), certificate.StatusPending).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("store: apply transition: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrTransitionConflict
	}
	return nil
}

// RecordSubmission stores the ledger transaction for a PENDING record that
// does not yet have one.
func (s *Store) RecordSubmission(ctx context.Context, id, txHash string, block uint64, at time.Time) error {
	if strings.TrimSpace(txHash) == "" {
		return errors.New("store: tx hash required")
	}
	res := s.db.WithContext(ctx).
		Model(&certificate.Record{}).
		Where("certificate_id = ? AND status = ? AND (blockchain_tx IS NULL OR blockchain_tx = '')",
			certificate.NormalizeFingerprint(id), certificate.StatusPending).
		Updates(map[string]any{
			"blockchain_tx": txHash,
			"block_number":  block,
			"updated_at":    at.UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("store: record submission: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrTransitionConflict
	}
	return nil
}

// MarkChecked records a non-terminal reconciliation observation.
func (s *Store) MarkChecked(ctx context.Context, id string, at time.Time, lastErr string) error {
	lastErr = truncateText(lastErr, maxErrorText)
	res := s.db.WithContext(ctx).
		Model(&certificate.Record{}).
		Where("certificate_id = ? AND status = ?", certificate.NormalizeFingerprint(id), certificate.StatusPending).
		Updates(map[string]any{
			"last_checked_at": at.UTC(),
			"last_error":      lastErr,
		})
	if res.Error != nil {
		return fmt.Errorf("store: mark checked: %w", res.Error)
	}
	return nil
}

// RecordNotification stores the outcome of one notification attempt. On
// success the sent marker is set only if it was still clear; a second success
// for the same record returns ErrAlreadyNotified and changes nothing.
func (s *Store) RecordNotification(ctx context.Context, id string, success bool, at time.Time, errText string) error {
	id = certificate.NormalizeFingerprint(id)
	at = at.UTC()
	if !success {
		errText = truncateText(errText, maxErrorText)
		res := s.db.WithContext(ctx).
			Model(&certificate.Record{}).
			Where("certificate_id = ? AND email_sent = ?", id, false).
			Updates(map[string]any{
				"notification_attempts": gorm.Expr("notification_attempts + 1"),
				"last_error":            errText,
			})
		if res.Error != nil {
			return fmt.Errorf("store: record notification failure: %w", res.Error)
		}
		return nil
	}
	res := s.db.WithContext(ctx).
		Model(&certificate.Record{}).
		Where("certificate_id = ? AND email_sent = ?", id, false).
		Updates(map[string]any{
			"email_sent":            true,
			"email_sent_at":         at,
			"notification_attempts": gorm.Expr("notification_attempts + 1"),
			"last_error":            "",
		})
	if res.Error != nil {
		return fmt.Errorf("store: record notification: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyNotified
	}
	return nil
}

// CountByStatus summarises how many records sit in each lifecycle state.
func (s *Store) CountByStatus(ctx context.Context) (map[certificate.Status]int64, error) {
	type row struct {
		Status certificate.Status
		Count  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&certificate.Record{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: count by status: %w", err)
	}
	out := map[certificate.Status]int64{
		certificate.StatusPending:   0,
		certificate.StatusConfirmed: 0,
		certificate.StatusFailed:    0,
	}
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}

// Each visits every record in primary key order in batches.
func (s *Store) Each(ctx context.Context, batchSize int, fn func([]certificate.Record) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	var batch []certificate.Record
	res := s.db.WithContext(ctx).
		FindInBatches(&batch, batchSize, func(tx *gorm.DB, _ int) error {
			return fn(batch)
		})
	if res.Error != nil {
		return fmt.Errorf("store: iterate: %w", res.Error)
	}
	return nil
}

const maxErrorText = 512

// truncateText cuts s to at most max bytes without splitting a rune.
func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
