package mailer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	mail "github.com/wneessen/go-mail"
)

// SMTPConfig configures the SMTP transport.
type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	FromAddress string
	FromName    string
}

// SMTP delivers messages over SMTP using go-mail. The Message-ID is generated
// locally and set on the outgoing message, so the id is known to callers even
// when the server does not echo one back.
type SMTP struct {
	cfg    SMTPConfig
	client *mail.Client
	host   string
}

// NewSMTP builds the SMTP transport.
func NewSMTP(cfg SMTPConfig) (*SMTP, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return &SMTP{cfg: cfg, client: client, host: host}, nil
}

// Send delivers one message and returns the generated Message-ID.
func (s *SMTP) Send(ctx context.Context, msg Message) (string, error) {
	m := mail.NewMsg()
	if err := m.FromFormat(s.cfg.FromName, s.cfg.FromAddress); err != nil {
		return "", &SendError{Err: fmt.Errorf("set from: %w", err)}
	}
	if err := m.To(msg.To); err != nil {
		return "", &SendError{Err: fmt.Errorf("set recipient: %w", err)}
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextHTML, msg.HTML)

	messageID := fmt.Sprintf("%s@%s", uuid.New().String(), s.host)
	m.SetMessageIDWithValue(messageID)

	for _, att := range msg.Attachments {
		if err := m.AttachReader(att.Filename, bytes.NewReader(att.Content)); err != nil {
			return "", &SendError{Err: fmt.Errorf("attach %s: %w", att.Filename, err)}
		}
	}

	if err := s.client.DialAndSendWithContext(ctx, m); err != nil {
		return "", &SendError{Code: smtpCode(err), Err: err}
	}
	return messageID, nil
}

// smtpCode digs the SMTP status code out of a transport error when present.
func smtpCode(err error) int {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code
	}
	// Fall back to scanning the message for a leading status code token.
	for _, field := range strings.Fields(err.Error()) {
		field = strings.TrimRight(field, ":,;")
		if len(field) != 3 {
			continue
		}
		if code, convErr := strconv.Atoi(field); convErr == nil && code >= 400 && code < 600 {
			return code
		}
	}
	return 0
}
