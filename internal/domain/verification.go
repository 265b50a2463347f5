package domain

import (
	"encoding/json"
	"time"
)

// VerificationStatus is the provider-derived deliverability status.
type VerificationStatus string

const (
	StatusValid    VerificationStatus = "valid"
	StatusInvalid  VerificationStatus = "invalid"
	StatusCatchAll VerificationStatus = "catch_all"
	StatusUnknown  VerificationStatus = "unknown"
)

// Outcome is the coarse result used for downstream classification.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeCatchAll Outcome = "catch_all"
	OutcomeRejected Outcome = "rejected"
	OutcomeTimeout  Outcome = "timeout"
)

// Category partitions verified addresses.
type Category string

const (
	CategoryBusiness Category = "business"
	CategoryPersonal Category = "personal"
)

// VerificationResult is the single verification record for a master email.
type VerificationResult struct {
	MasterID   int64              `json:"master_id" db:"master_id"`
	Status     VerificationStatus `json:"status" db:"status_enum"`
	Category   Category           `json:"category" db:"category"`
	Outcome    Outcome            `json:"outcome" db:"outcome"`
	Credential string             `json:"credential,omitempty" db:"key_used"`
	Domain     string             `json:"domain,omitempty" db:"domain"`
	MX         string             `json:"mx,omitempty" db:"mx"`
	Message    string             `json:"message,omitempty" db:"message"`
	Raw        json.RawMessage    `json:"details,omitempty" db:"details"`
	VerifiedAt time.Time          `json:"validated_at" db:"validated_at"`
}

// FinalEmail is one row in the business or personal partition.
type FinalEmail struct {
	BatchID  int64    `json:"batch_id" db:"batch_id"`
	MasterID int64    `json:"master_id" db:"master_id"`
	Email    string   `json:"email" db:"email"`
	Domain   string   `json:"domain" db:"domain"`
	Category Category `json:"category"`
	Outcome  Outcome  `json:"outcome" db:"outcome"`
	FreePool bool     `json:"is_free_pool" db:"is_free_pool"`
}

// CredentialStatus is the operator-visible health of a verification key.
type CredentialStatus string

const (
	CredentialActive   CredentialStatus = "active"
	CredentialDisabled CredentialStatus = "disabled"
)

// Credential is a verification key and its lifetime counters.
type Credential struct {
	ID                int64            `json:"id" db:"id"`
	Key               string           `json:"key" db:"key"`
	Status            CredentialStatus `json:"status" db:"status"`
	TotalRequests     int64            `json:"total_requests" db:"total_requests"`
	TotalSuccess      int64            `json:"total_success" db:"total_success"`
	TotalFailed       int64            `json:"total_failed" db:"total_failed"`
	ConsecutiveErrors int              `json:"consecutive_errors" db:"consecutive_errors"`
	LastUsedAt        *time.Time       `json:"last_used_at,omitempty" db:"last_used_at"`
}
