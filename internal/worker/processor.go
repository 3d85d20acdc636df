package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"audit-report-pipeline/internal/classify"
	"audit-report-pipeline/internal/mailer"
	"audit-report-pipeline/internal/models"
	"audit-report-pipeline/internal/pdf"
	"audit-report-pipeline/internal/queue"
	"audit-report-pipeline/internal/store"
	"audit-report-pipeline/internal/telemetry"
)

// DocumentGenerator renders the report document to disk.
type DocumentGenerator interface {
	Generate(ctx context.Context, report models.AuditReport) (pdf.Artifact, error)
}

// Dispatcher sends the customer and internal notifications.
type Dispatcher interface {
	SendCustomerReport(ctx context.Context, report models.AuditReport, artifactPath string) (string, time.Time, error)
	SendInternalCopy(ctx context.Context, report models.AuditReport, customerMessageID, artifactPath string) (string, time.Time, error)
}

// Config holds the worker's runtime knobs.
type Config struct {
	PollInterval      time.Duration
	AttemptTimeout    time.Duration
	LockRenewInterval time.Duration
}

// Processor drives the worker execution loop: one end-to-end report
// generation attempt per job delivery, and the retry-vs-terminal decision.
type Processor struct {
	cfg        Config
	queue      *queue.RedisQueue
	reports    store.ReportReader
	status     store.StatusWriter
	generator  DocumentGenerator
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewProcessor wires the worker from explicitly constructed dependencies.
func NewProcessor(cfg Config, q *queue.RedisQueue, reports store.ReportReader, status store.StatusWriter, generator DocumentGenerator, dispatcher Dispatcher, logger *slog.Logger) *Processor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 120 * time.Second
	}
	if cfg.LockRenewInterval <= 0 {
		cfg.LockRenewInterval = 60 * time.Second
	}
	return &Processor{
		cfg:        cfg,
		queue:      q,
		reports:    reports,
		status:     status,
		generator:  generator,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Run consumes jobs until context cancellation. An attempt already in flight
// when the context is cancelled runs to completion under its own timeout; the
// caller bounds how long it waits for Run to return.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := time.Now()
		if _, err := p.queue.PromoteDelayed(ctx, now, 100); err != nil {
			p.logger.Warn("promote delayed jobs", slog.Any("error", err))
		}
		p.reclaimStalled(ctx, now)

		if stats, err := p.queue.Stats(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(stats.Waiting))
			telemetry.InFlightGauge.Set(float64(stats.Active))
		}

		job, ok, err := p.queue.Dequeue(ctx, now)
		if err != nil {
			p.logger.Warn("dequeue", slog.Any("error", err))
			p.sleep(ctx)
			continue
		}
		if !ok {
			p.sleep(ctx)
			continue
		}

		p.processDelivery(ctx, job)
	}
}

func (p *Processor) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.PollInterval):
	}
}

func (p *Processor) reclaimStalled(ctx context.Context, now time.Time) {
	requeued, exhausted, err := p.queue.ReclaimStalled(ctx, now, 100)
	if err != nil {
		p.logger.Warn("reclaim stalled jobs", slog.Any("error", err))
		return
	}
	for _, job := range requeued {
		telemetry.ReportStalls.Inc()
		p.logger.Warn("stalled job redelivered",
			slog.String("job_id", job.ID),
			slog.String("report_id", job.ReportID),
			slog.Int("stalls", job.Stalls),
		)
	}
	for _, job := range exhausted {
		telemetry.ReportStalls.Inc()
		telemetry.ReportDeadLetter.Inc()
		p.logger.Error("job exceeded stall limit, dead-lettered",
			slog.String("job_id", job.ID),
			slog.String("report_id", job.ReportID),
		)
		stallErr := errors.New("processing lock repeatedly lost: worker crashed or hung")
		if err := p.status.MarkFailed(ctx, job.ReportID, stallErr.Error(), p.errorDetails(stallErr, classify.Classify(stallErr))); err != nil {
			p.logger.Error("record stall failure", slog.String("report_id", job.ReportID), slog.Any("error", err))
		}
	}
}

// processDelivery runs one attempt. The attempt gets its own timeout so a
// hung send cannot hold the job past the lease/stall window forever.
func (p *Processor) processDelivery(ctx context.Context, job queue.Job) {
	attempt := job.Attempts + 1
	logger := p.logger.With(
		slog.String("job_id", job.ID),
		slog.String("report_id", job.ReportID),
		slog.Int("attempt", attempt),
	)
	logger.Info("processing report job")

	// Detached from the run context: once a job is leased, a shutdown
	// signal must not abort its writes. Losing the MarkSent or the queue
	// ack after the customer email went out means the job is redelivered
	// and the customer is emailed twice.
	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.AttemptTimeout)
	defer cancel()

	renewDone := make(chan struct{})
	go p.renewLease(attemptCtx, job.ID, renewDone)
	defer close(renewDone)

	report, err := p.reports.GetReport(attemptCtx, job.ReportID)
	if err != nil {
		if errors.Is(err, store.ErrReportNotFound) {
			// A job pointing at a missing report is a data-integrity
			// bug; retrying cannot conjure the row.
			logger.Error("report not found, terminating job")
			p.failJob(attemptCtx, job, err)
			return
		}
		p.handleFailure(attemptCtx, job, fmt.Errorf("load report: %w", err), "", logger)
		return
	}

	// Re-delivery of an already-delivered report is a no-op; this is what
	// keeps duplicate deliveries out even when the queue redelivers.
	if report.Status == models.StatusSent {
		logger.Info("report already sent, completing job")
		p.complete(attemptCtx, job, logger)
		return
	}

	if err := p.status.MarkProcessing(attemptCtx, report.ID); err != nil {
		p.handleFailure(attemptCtx, job, fmt.Errorf("mark processing: %w", err), "", logger)
		return
	}

	artifact, err := p.generator.Generate(attemptCtx, report)
	if err != nil {
		p.handleFailure(attemptCtx, job, fmt.Errorf("generate document: %w", err), "", logger)
		return
	}

	customerMsgID, customerSentAt, err := p.dispatcher.SendCustomerReport(attemptCtx, report, artifact.Path)
	if err != nil {
		// Drop the partial document; a retry regenerates it fresh.
		p.handleFailure(attemptCtx, job, err, artifact.Path, logger)
		return
	}

	// Customer-channel success is the sole determinant of "sent". The
	// internal copy failing is an operational annoyance, not a delivery
	// failure, and must not trigger a retry that would re-email the
	// customer.
	rec := store.SentRecord{
		EmailSentAt:    customerSentAt,
		EmailMessageID: customerMsgID,
		PDFFilePath:    artifact.Path,
		PDFSizeBytes:   artifact.Size,
	}
	providerMsgID, providerSentAt, err := p.dispatcher.SendInternalCopy(attemptCtx, report, customerMsgID, artifact.Path)
	if err != nil {
		telemetry.InternalNotifyFailure.Inc()
		logger.Error("internal notification failed", slog.Any("error", err))
	} else {
		rec.ProviderMessageID = providerMsgID
		rec.ProviderEmailSentAt = providerSentAt
	}

	recordCtx, cancelRecord := outcomeContext(attemptCtx)
	defer cancelRecord()
	if err := p.status.MarkSent(recordCtx, report.ID, rec); err != nil {
		// The customer has the report; failing the job now would resend
		// it. Log the inconsistency and complete.
		logger.Error("record sent status", slog.Any("error", err))
	}

	telemetry.ReportsSent.Inc()
	logger.Info("report delivered",
		slog.String("message_id", customerMsgID),
		slog.Int64("pdf_size", artifact.Size),
	)
	p.complete(attemptCtx, job, logger)
}

// renewLease keeps the processing lock alive while an attempt is in flight.
func (p *Processor) renewLease(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.LockRenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.RenewLease(ctx, jobID, time.Now()); err != nil {
				p.logger.Warn("renew job lease",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
			}
		}
	}
}

const outcomeWriteTimeout = 15 * time.Second

// outcomeContext bounds an outcome write on its own. It drops the caller's
// cancellation and deadline: the attempt may have timed out, but the verdict
// still has to reach the store and the queue.
func outcomeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
}

// handleFailure records a classified failure on the report and tells the
// queue whether to retry. Status-write errors on this path are logged but
// never allowed to mask the failure being reported.
func (p *Processor) handleFailure(ctx context.Context, job queue.Job, cause error, artifactPath string, logger *slog.Logger) {
	ctx, cancel := outcomeContext(ctx)
	defer cancel()
	if artifactPath != "" {
		if err := os.Remove(artifactPath); err != nil && !os.IsNotExist(err) {
			logger.Warn("remove partial document", slog.String("path", artifactPath), slog.Any("error", err))
		}
	}

	failure := classify.Classify(cause)
	details := p.errorDetails(cause, failure)
	logger.Error("attempt failed",
		slog.String("kind", string(failure.Kind)),
		slog.Any("error", cause),
	)

	if !failure.Transient() {
		if err := p.status.MarkPermanentFailure(ctx, job.ReportID, cause.Error(), details); err != nil {
			logger.Error("record permanent failure", slog.Any("error", err))
		}
		p.failJob(ctx, job, cause)
		return
	}

	if err := p.status.MarkFailed(ctx, job.ReportID, cause.Error(), details); err != nil {
		logger.Error("record transient failure", slog.Any("error", err))
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.queue.Policy().MaxAttempts
	}
	if job.Attempts+1 >= maxAttempts {
		logger.Warn("retries exhausted, dead-lettering job",
			slog.Int("attempts", job.Attempts+1),
			slog.Int("max_attempts", maxAttempts),
		)
		p.failJob(ctx, job, cause)
		return
	}

	runAt, err := p.queue.Retry(ctx, job, time.Now(), cause.Error())
	if err != nil {
		logger.Error("schedule retry", slog.Any("error", err))
		return
	}
	telemetry.ReportRetries.Inc()
	logger.Info("retry scheduled", slog.Time("run_at", runAt))
}

func (p *Processor) complete(ctx context.Context, job queue.Job, logger *slog.Logger) {
	ctx, cancel := outcomeContext(ctx)
	defer cancel()
	if err := p.queue.Complete(ctx, job.ID, time.Now()); err != nil {
		logger.Error("complete job", slog.Any("error", err))
	}
}

func (p *Processor) failJob(ctx context.Context, job queue.Job, cause error) {
	ctx, cancel := outcomeContext(ctx)
	defer cancel()
	telemetry.ReportDeadLetter.Inc()
	if err := p.queue.Fail(ctx, job.ID, time.Now(), cause.Error()); err != nil {
		p.logger.Error("fail job",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
	}
}

func (p *Processor) errorDetails(cause error, failure classify.Failure) models.ErrorDetails {
	details := models.ErrorDetails{
		Message:   cause.Error(),
		Chain:     errorChain(cause),
		Kind:      failure.Kind,
		Timestamp: time.Now().UTC(),
	}
	var sendErr *mailer.SendError
	if errors.As(cause, &sendErr) {
		details.Code = sendErr.Code
	}
	return details
}

// errorChain flattens the unwrap chain into a readable trace.
func errorChain(err error) string {
	var parts []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, " <- ")
}
