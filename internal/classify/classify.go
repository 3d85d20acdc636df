package classify

import (
	"context"
	"errors"
	"net"
	"net/textproto"
	"strings"
	"syscall"

	"audit-report-pipeline/internal/mailer"
	"audit-report-pipeline/internal/models"
	"audit-report-pipeline/internal/notify"
	"audit-report-pipeline/internal/pdf"
)

// Failure is the classified result the worker acts on: retry (transient) or
// terminate (permanent). Components below the worker never make this call
// themselves; they only return descriptive errors.
type Failure struct {
	Kind models.FailureKind
	Err  error
}

// Transient reports whether a retry without any fix could succeed.
func (f Failure) Transient() bool {
	return f.Kind == models.FailureTransient
}

// Classify maps a caught error to transient or permanent using an ordered
// rule list; the first matching rule wins.
func Classify(err error) Failure {
	if err == nil {
		return Failure{Kind: models.FailureTransient}
	}

	// Rule 1: known-transient network signals.
	if isNetworkTransient(err) {
		return Failure{Kind: models.FailureTransient, Err: err}
	}

	// Rule 2: mail transport response codes. Temporary rejections (4xx)
	// retry; hard rejections (5xx) will not succeed unchanged.
	if code := transportCode(err); code > 0 {
		if code >= 500 {
			return Failure{Kind: models.FailurePermanent, Err: err}
		}
		return Failure{Kind: models.FailureTransient, Err: err}
	}

	// Rule 3: known-permanent signals: malformed input, document
	// generation failure, missing notification template.
	if errors.Is(err, pdf.ErrInvalidInput) ||
		errors.Is(err, pdf.ErrRender) ||
		errors.Is(err, notify.ErrTemplateNotFound) {
		return Failure{Kind: models.FailurePermanent, Err: err}
	}

	// Rule 4: default transient. A false retry is cheaper than a false
	// terminal failure.
	return Failure{Kind: models.FailureTransient, Err: err}
}

func isNetworkTransient(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, signal := range []string{
		"connection refused",
		"no such host",
		"timed out",
		"timeout",
		"connection reset",
		"connection closed",
	} {
		if strings.Contains(msg, signal) {
			return true
		}
	}
	return false
}

func transportCode(err error) int {
	var sendErr *mailer.SendError
	if errors.As(err, &sendErr) && sendErr.Code > 0 {
		return sendErr.Code
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code
	}
	return 0
}
