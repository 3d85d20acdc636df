package mailer

import (
	"context"
	"fmt"
)

// Attachment is a file carried by an outgoing message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Message is the transport-agnostic outgoing mail shape.
type Message struct {
	To          string
	Subject     string
	HTML        string
	Attachments []Attachment
}

// Transport delivers one message and returns its message id. Implementations
// are synchronous: Send returns only once the transport has accepted or
// rejected the message.
type Transport interface {
	Send(ctx context.Context, msg Message) (messageID string, err error)
}

// SendError wraps a transport rejection. Code carries the SMTP status when
// the server provided one (0 otherwise); the classifier maps 4xx codes to
// transient and 5xx codes to permanent.
type SendError struct {
	Code int
	Err  error
}

func (e *SendError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("mail transport rejected message (code %d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("mail transport failed: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
