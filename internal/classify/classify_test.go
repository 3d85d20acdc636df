package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"audit-report-pipeline/internal/mailer"
	"audit-report-pipeline/internal/models"
	"audit-report-pipeline/internal/notify"
	"audit-report-pipeline/internal/pdf"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.FailureKind
	}{
		{
			name: "connection refused",
			err:  fmt.Errorf("dial smtp: %w", syscall.ECONNREFUSED),
			want: models.FailureTransient,
		},
		{
			name: "connection reset",
			err:  fmt.Errorf("read: %w", syscall.ECONNRESET),
			want: models.FailureTransient,
		},
		{
			name: "host not found",
			err:  &net.DNSError{Err: "no such host", Name: "smtp.example.com"},
			want: models.FailureTransient,
		},
		{
			name: "attempt deadline exceeded",
			err:  fmt.Errorf("send customer email: %w", context.DeadlineExceeded),
			want: models.FailureTransient,
		},
		{
			name: "timeout in message text",
			err:  errors.New("smtp handshake timeout"),
			want: models.FailureTransient,
		},
		{
			name: "connection closed in message text",
			err:  errors.New("write failed: connection closed by peer"),
			want: models.FailureTransient,
		},
		{
			name: "transport code 421 temporary rejection",
			err:  &mailer.SendError{Code: 421, Err: errors.New("too many connections")},
			want: models.FailureTransient,
		},
		{
			name: "transport code 550 hard rejection",
			err:  &mailer.SendError{Code: 550, Err: errors.New("mailbox unavailable")},
			want: models.FailurePermanent,
		},
		{
			name: "invalid report input",
			err:  fmt.Errorf("generate document: %w", pdf.ErrInvalidInput),
			want: models.FailurePermanent,
		},
		{
			name: "document rendering failure",
			err:  fmt.Errorf("generate document: %w", pdf.ErrRender),
			want: models.FailurePermanent,
		},
		{
			name: "missing notification template",
			err:  fmt.Errorf("render email: %w", notify.ErrTemplateNotFound),
			want: models.FailurePermanent,
		},
		{
			name: "unrecognized error defaults to transient",
			err:  errors.New("something unexpected"),
			want: models.FailureTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			require.Equal(t, tt.want, got.Kind)
			require.ErrorIs(t, got.Err, tt.err)
		})
	}
}

func TestRuleOrderingFavorsNetworkSignals(t *testing.T) {
	// A 5xx code wrapped around a timeout is still transient: the
	// network-signal rule runs first.
	err := &mailer.SendError{Code: 554, Err: errors.New("session timeout, closing transmission channel")}
	got := Classify(err)
	require.Equal(t, models.FailureTransient, got.Kind)
}
