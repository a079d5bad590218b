package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"
)

// SMTPConfig configures the SMTP backend.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// VerifyBaseURL is where recipients can look the certificate up by code.
	VerifyBaseURL string
}

// SMTPSender delivers notices over SMTP with STARTTLS when offered.
type SMTPSender struct {
	cfg  SMTPConfig
	addr string
	tmpl *template.Template
}

var mailTemplate = template.Must(template.New("mail").Parse(`Dear {{.CandidateName}},

Your certificate for {{.CourseName}} issued by {{.OrgName}} has been anchored on the ledger.

Certificate ID: {{.CertificateID}}
Verification code: {{.VerificationCode}}
{{- if .PDFURL}}
Download: {{.PDFURL}}{{end}}
{{- if .BlockchainURL}}
Ledger record: {{.BlockchainURL}}{{end}}
{{- if .VerifyURL}}
Verify: {{.VerifyURL}}{{end}}
`))

type mailView struct {
	Notification
	VerifyURL string
}

// NewSMTPSender validates cfg and constructs the backend.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	cfg.Host = strings.TrimSpace(cfg.Host)
	if cfg.Host == "" {
		return nil, errors.New("notify: smtp host required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("notify: smtp from address required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPSender{
		cfg:  cfg,
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		tmpl: mailTemplate,
	}, nil
}

func (s *SMTPSender) Name() string { return "smtp" }

// Send delivers one message. Network and protocol failures are returned as
// failed results.
func (s *SMTPSender) Send(ctx context.Context, n Notification) Result {
	msgID := uuid.NewString()
	msg, err := s.compose(n, msgID)
	if err != nil {
		return Failed(err)
	}
	if err := s.deliver(ctx, n.RecipientEmail, msg); err != nil {
		return Failed(fmt.Errorf("notify: smtp: %w", err))
	}
	return Result{Success: true, MessageID: msgID}
}

func (s *SMTPSender) compose(n Notification, msgID string) ([]byte, error) {
	view := mailView{Notification: n}
	if base := strings.TrimRight(s.cfg.VerifyBaseURL, "/"); base != "" && n.VerificationCode != "" {
		view.VerifyURL = base + "/" + n.VerificationCode
	}
	var body bytes.Buffer
	if err := s.tmpl.Execute(&body, view); err != nil {
		return nil, fmt.Errorf("notify: render mail: %w", err)
	}
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", n.RecipientEmail)
	fmt.Fprintf(&msg, "Subject: Your certificate for %s is confirmed\r\n", n.CourseName)
	fmt.Fprintf(&msg, "Message-ID: <%s@%s>\r\n", msgID, s.cfg.Host)
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(strings.ReplaceAll(body.String(), "\n", "\r\n"))
	return msg.Bytes(), nil
}

func (s *SMTPSender) deliver(ctx context.Context, to string, msg []byte) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()
	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return err
		}
	}
	if s.cfg.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
			return err
		}
	}
	if err := client.Mail(s.cfg.From); err != nil {
		return err
	}
	if err := client.Rcpt(to); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}
