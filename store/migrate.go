package store

import (
	"context"
	"fmt"

	"certchain/certificate"
)

// CodeMigration summarises a legacy code backfill.
type CodeMigration struct {
	Copied    int
	Generated int
	Skipped   int
}

// MigrateLegacyShortCodes backfills verification_code from the legacy
// short_code column. Records whose legacy value is unusable or already taken
// receive a fresh code from newCode when it is non-nil, otherwise they are
// skipped. Only rows with an empty verification_code are touched.
func (s *Store) MigrateLegacyShortCodes(ctx context.Context, newCode func() (string, error)) (CodeMigration, error) {
	var report CodeMigration
	var recs []certificate.Record
	err := s.db.WithContext(ctx).
		Select("certificate_id", "short_code").
		Where("verification_code IS NULL OR verification_code = ''").
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return report, fmt.Errorf("store: list legacy codes: %w", err)
	}
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		code := certificate.NormalizeCode(rec.ShortCode)
		if certificate.ValidCode(code) {
			ok, err := s.assignCode(ctx, rec.CertificateID, code)
			if err != nil {
				return report, err
			}
			if ok {
				report.Copied++
				continue
			}
		}
		if newCode == nil {
			report.Skipped++
			continue
		}
		assigned := false
		for attempt := 0; attempt < 5 && !assigned; attempt++ {
			fresh, err := newCode()
			if err != nil {
				return report, fmt.Errorf("store: generate code: %w", err)
			}
			if assigned, err = s.assignCode(ctx, rec.CertificateID, fresh); err != nil {
				return report, err
			}
		}
		if assigned {
			report.Generated++
		} else {
			report.Skipped++
		}
	}
	return report, nil
}

// assignCode sets the code if the row still has none and no other row uses it.
func (s *Store) assignCode(ctx context.Context, id, code string) (bool, error) {
	var taken int64
	if err := s.db.WithContext(ctx).Model(&certificate.Record{}).
		Where("verification_code = ?", code).
		Count(&taken).Error; err != nil {
		return false, fmt.Errorf("store: check code: %w", err)
	}
	if taken > 0 {
		return false, nil
	}
	res := s.db.WithContext(ctx).Model(&certificate.Record{}).
		Where("certificate_id = ? AND (verification_code IS NULL OR verification_code = '')", id).
		Update("verification_code", code)
	if res.Error != nil {
		return false, fmt.Errorf("store: assign code: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}
