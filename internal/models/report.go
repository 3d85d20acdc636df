package models

import (
	"time"
)

// ReportStatus enumerates the lifecycle states persisted in Postgres.
// Transitions only move forward: queued -> processing -> sent | failed |
// permanent_failure. Re-entering processing on a retry is allowed.
const (
	StatusQueued           = "queued"
	StatusProcessing       = "processing"
	StatusSent             = "sent"
	StatusFailed           = "failed"
	StatusPermanentFailure = "permanent_failure"
)

// FailureKind classifies a caught failure for the retry decision.
type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailurePermanent FailureKind = "permanent"
)

// FeatureItem is one entry in the kept/removed/custom feature lists.
type FeatureItem struct {
	Name           string  `json:"name"`
	Complexity     string  `json:"complexity,omitempty"`
	EstimatedHours float64 `json:"estimated_hours,omitempty"`
}

// AuditReport is the persisted record of one report-generation request and
// its outcome. The input fields are written once by the producer; the
// lifecycle fields are owned exclusively by the worker while a job for this
// report is active.
type AuditReport struct {
	ID string `json:"id"`

	CustomerName string `json:"customer_name"`
	Email        string `json:"email"`
	ToolName     string `json:"tool_name"`
	PlanName     string `json:"plan_name"`
	TeamSize     int    `json:"team_size"`

	FeaturesKept    []FeatureItem `json:"features_kept"`
	FeaturesRemoved []FeatureItem `json:"features_removed"`
	FeaturesCustom  []FeatureItem `json:"features_custom"`

	BleedAmount   float64  `json:"bleed_amount"`
	BuildCostMin  float64  `json:"build_cost_min"`
	BuildCostMax  float64  `json:"build_cost_max"`
	SavingsAmount float64  `json:"savings_amount"`
	PaybackMonths *float64 `json:"payback_months,omitempty"`

	Language string `json:"language"`

	Status              string        `json:"status"`
	EmailSentAt         *time.Time    `json:"email_sent_at,omitempty"`
	EmailMessageID      *string       `json:"email_message_id,omitempty"`
	ProviderEmailSentAt *time.Time    `json:"provider_email_sent_at,omitempty"`
	ProviderMessageID   *string       `json:"provider_message_id,omitempty"`
	PDFFilePath         *string       `json:"pdf_file_path,omitempty"`
	PDFSizeBytes        *int64        `json:"pdf_size_bytes,omitempty"`
	ErrorMessage        *string       `json:"error_message,omitempty"`
	ErrorDetails        *ErrorDetails `json:"error_details,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrorDetails is the structured failure record stored alongside a failed
// report for operational forensics.
type ErrorDetails struct {
	Message   string      `json:"message"`
	Chain     string      `json:"chain,omitempty"`
	Code      int         `json:"code,omitempty"`
	Kind      FailureKind `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
}
