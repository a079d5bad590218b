// Package audit writes lifecycle snapshots of the certificate table as CSV
// and Parquet for offline review.
package audit

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"certchain/certificate"
)

// Source streams records in stable batches.
type Source interface {
	Each(ctx context.Context, batchSize int, fn func([]certificate.Record) error) error
}

// Summary describes a finished export.
type Summary struct {
	CSVPath     string
	ParquetPath string
	Rows        int
	ByStatus    map[certificate.Status]int
}

// Exporter writes certificates.csv and certificates.parquet.
type Exporter struct {
	source    Source
	batchSize int
	logger    *slog.Logger
}

// NewExporter returns an exporter reading from source.
func NewExporter(source Source, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{source: source, batchSize: 500, logger: logger.With("component", "audit")}
}

var csvHeader = []string{
	"certificate_id", "verification_code", "status", "revoked", "uid", "candidate_name", "course_name", "org_name",
	"sha256_hash", "cid_hash", "ipfs_hash", "blockchain_tx", "block_number", "email_sent", "notification_attempts",
	"last_error", "created_at", "confirmed_at", "failed_at", "email_sent_at", "last_checked_at", "confirmation_latency_minutes",
}

type parquetRow struct {
	CertificateID        string  `parquet:"name=certificate_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	VerificationCode     string  `parquet:"name=verification_code, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status               string  `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	Revoked              bool    `parquet:"name=revoked, type=BOOLEAN"`
	UID                  string  `parquet:"name=uid, type=BYTE_ARRAY, convertedtype=UTF8"`
	CandidateName        string  `parquet:"name=candidate_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	CourseName           string  `parquet:"name=course_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	OrgName              string  `parquet:"name=org_name, type=BYTE_ARRAY, convertedtype=UTF8"`
	SHA256Hash           string  `parquet:"name=sha256_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	CIDHash              string  `parquet:"name=cid_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	IPFSHash             string  `parquet:"name=ipfs_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	BlockchainTx         string  `parquet:"name=blockchain_tx, type=BYTE_ARRAY, convertedtype=UTF8"`
	BlockNumber          int64   `parquet:"name=block_number, type=INT64"`
	EmailSent            bool    `parquet:"name=email_sent, type=BOOLEAN"`
	NotificationAttempts int32   `parquet:"name=notification_attempts, type=INT32"`
	LastError            string  `parquet:"name=last_error, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt            string  `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	ConfirmedAt          string  `parquet:"name=confirmed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	FailedAt             string  `parquet:"name=failed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	EmailSentAt          string  `parquet:"name=email_sent_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	LastCheckedAt        string  `parquet:"name=last_checked_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	ConfirmationMinutes  float64 `parquet:"name=confirmation_latency_minutes, type=DOUBLE"`
}

func rowOf(r *certificate.Record) parquetRow {
	return parquetRow{
		CertificateID:        r.CertificateID,
		VerificationCode:     r.VerificationCode,
		Status:               string(r.Status),
		Revoked:              r.Revoked,
		UID:                  r.UID,
		CandidateName:        r.CandidateName,
		CourseName:           r.CourseName,
		OrgName:              r.OrgName,
		SHA256Hash:           r.SHA256Hash,
		CIDHash:              r.CIDHash,
		IPFSHash:             r.IPFSHash,
		BlockchainTx:         r.BlockchainTx,
		BlockNumber:          int64(r.BlockNumber),
		EmailSent:            r.EmailSent,
		NotificationAttempts: int32(r.NotificationAttempts),
		LastError:            r.LastError,
		CreatedAt:            r.CreatedAt.UTC().Format(time.RFC3339),
		ConfirmedAt:          formatTime(r.ConfirmedAt),
		FailedAt:             formatTime(r.FailedAt),
		EmailSentAt:          formatTime(r.EmailSentAt),
		LastCheckedAt:        formatTime(r.LastCheckedAt),
		ConfirmationMinutes:  confirmationMinutes(r),
	}
}

func (p parquetRow) csv() []string {
	return []string{
		p.CertificateID,
		p.VerificationCode,
		p.Status,
		strconv.FormatBool(p.Revoked),
		p.UID,
		p.CandidateName,
		p.CourseName,
		p.OrgName,
		p.SHA256Hash,
		p.CIDHash,
		p.IPFSHash,
		p.BlockchainTx,
		strconv.FormatInt(p.BlockNumber, 10),
		strconv.FormatBool(p.EmailSent),
		strconv.Itoa(int(p.NotificationAttempts)),
		p.LastError,
		p.CreatedAt,
		p.ConfirmedAt,
		p.FailedAt,
		p.EmailSentAt,
		p.LastCheckedAt,
		fmt.Sprintf("%.2f", p.ConfirmationMinutes),
	}
}

// Export writes both files into dir, creating it if needed.
func (e *Exporter) Export(ctx context.Context, dir string) (*Summary, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create dir: %w", err)
	}
	summary := &Summary{
		CSVPath:     filepath.Join(dir, "certificates.csv"),
		ParquetPath: filepath.Join(dir, "certificates.parquet"),
		ByStatus:    make(map[certificate.Status]int),
	}

	csvFile, err := os.Create(summary.CSVPath)
	if err != nil {
		return nil, fmt.Errorf("audit: create csv: %w", err)
	}
	defer csvFile.Close()
	cw := csv.NewWriter(csvFile)
	if err := cw.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("audit: write csv header: %w", err)
	}

	pqFile, err := os.Create(summary.ParquetPath)
	if err != nil {
		return nil, fmt.Errorf("audit: create parquet: %w", err)
	}
	pw, err := writer.NewParquetWriter(writerfile.NewWriterFile(pqFile), new(parquetRow), 1)
	if err != nil {
		pqFile.Close()
		return nil, fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	err = e.source.Each(ctx, e.batchSize, func(batch []certificate.Record) error {
		for i := range batch {
			row := rowOf(&batch[i])
			if err := cw.Write(row.csv()); err != nil {
				return fmt.Errorf("audit: write csv row: %w", err)
			}
			if err := pw.Write(&row); err != nil {
				return fmt.Errorf("audit: parquet write: %w", err)
			}
			summary.Rows++
			summary.ByStatus[batch[i].Status]++
		}
		return nil
	})
	stopErr := pw.WriteStop()
	closeErr := pqFile.Close()
	if err != nil {
		return nil, err
	}
	if stopErr != nil {
		return nil, fmt.Errorf("audit: parquet flush: %w", stopErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("audit: close parquet file: %w", closeErr)
	}
	cw.Flush()
	if err := errors.Join(cw.Error(), csvFile.Sync()); err != nil {
		return nil, fmt.Errorf("audit: flush csv: %w", err)
	}
	e.logger.Info("audit export written",
		"csv", summary.CSVPath,
		"parquet", summary.ParquetPath,
		"rows", summary.Rows)
	return summary, nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func confirmationMinutes(r *certificate.Record) float64 {
	if r.ConfirmedAt == nil {
		return 0
	}
	d := r.ConfirmedAt.Sub(r.CreatedAt)
	if d <= 0 {
		return 0
	}
	return d.Minutes()
}
