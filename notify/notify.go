// Package notify delivers certificate confirmation notices.
//
// Backends report every outcome as a Result value; a failed delivery is
// never returned as an error so callers can keep processing other records.
// Backends may be invoked more than once for the same certificate; the
// at-most-once guarantee belongs to the caller.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"certchain/observability/logging"
)

// Notification carries what a recipient needs to locate and verify a certificate.
type Notification struct {
	CertificateID    string    `json:"certificateId"`
	VerificationCode string    `json:"verificationCode"`
	RecipientEmail   string    `json:"recipientEmail"`
	CandidateName    string    `json:"candidateName"`
	CourseName       string    `json:"courseName"`
	OrgName          string    `json:"orgName"`
	PDFURL           string    `json:"pdfUrl,omitempty"`
	BlockchainURL    string    `json:"blockchainUrl,omitempty"`
	ConfirmedAt      time.Time `json:"confirmedAt"`
}

// Result is the structured outcome of one delivery attempt.
type Result struct {
	Success   bool
	MessageID string
	Err       error
}

// Failed builds a failed Result.
func Failed(err error) Result {
	if err == nil {
		err = errors.New("notify: delivery failed")
	}
	return Result{Err: err}
}

// Sender is a delivery backend.
type Sender interface {
	Name() string
	Send(ctx context.Context, n Notification) Result
}

// Observer receives per-attempt outcomes.
type Observer interface {
	ObserveNotification(backend string, success bool)
}

// Dispatcher throttles and times out deliveries to a backend.
type Dispatcher struct {
	sender   Sender
	limiter  *rate.Limiter
	timeout  time.Duration
	logger   *slog.Logger
	observer Observer
}

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithRatePerMinute caps deliveries per minute. Zero disables throttling.
func WithRatePerMinute(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
		}
	}
}

// WithTimeout bounds each delivery attempt.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithLogger overrides the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithObserver records per-attempt outcomes.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		d.observer = o
	}
}

// NewDispatcher wraps sender.
func NewDispatcher(sender Sender, opts ...Option) (*Dispatcher, error) {
	if sender == nil {
		return nil, errors.New("notify: sender required")
	}
	d := &Dispatcher{
		sender:  sender,
		limiter: rate.NewLimiter(rate.Inf, 1),
		timeout: 15 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "notify", "backend", sender.Name())
	return d, nil
}

// Send delivers n and reports the outcome.
func (d *Dispatcher) Send(ctx context.Context, n Notification) Result {
	if n.RecipientEmail == "" {
		return Failed(errors.New("notify: recipient required"))
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return Failed(fmt.Errorf("notify: throttled: %w", err))
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	res := d.sender.Send(ctx, n)
	if res.Success {
		res.Err = nil
	} else if res.Err == nil {
		res.Err = errors.New("notify: delivery failed")
	}
	if d.observer != nil {
		d.observer.ObserveNotification(d.sender.Name(), res.Success)
	}
	if res.Success {
		d.logger.Info("notification delivered",
			"certificate_id", n.CertificateID,
			logging.MaskField("recipient", n.RecipientEmail),
			"message_id", res.MessageID)
	} else {
		d.logger.Warn("notification failed",
			"certificate_id", n.CertificateID,
			logging.MaskField("recipient", n.RecipientEmail),
			"error", res.Err)
	}
	return res
}
