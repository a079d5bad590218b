package notify

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"certchain/observability/logging"
)

// LogSender writes notifications to the log instead of delivering them.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender constructs a log-only backend.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(ctx context.Context, n Notification) Result {
	if err := ctx.Err(); err != nil {
		return Failed(err)
	}
	id := uuid.NewString()
	s.logger.InfoContext(ctx, "certificate confirmation notice",
		"certificate_id", n.CertificateID,
		"verification_code", n.VerificationCode,
		logging.MaskField("recipient", n.RecipientEmail),
		"message_id", id)
	return Result{Success: true, MessageID: id}
}
