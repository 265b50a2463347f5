package verifier

import (
	"strings"

	"github.com/ignite/email-validator/internal/domain"
)

// MapOutcome reduces a provider message and code to an outcome. The checks
// run in a fixed order; anything unrecognized is rejected.
func MapOutcome(message, code string) domain.Outcome {
	msg := strings.ToLower(message)
	c := strings.ToLower(strings.TrimSpace(code))

	switch {
	case strings.Contains(msg, "accepted") || c == "ok":
		return domain.OutcomeAccepted
	case strings.Contains(msg, "catch") || strings.Contains(msg, "limited"):
		return domain.OutcomeCatchAll
	case strings.Contains(msg, "rejected"), strings.Contains(msg, "spam"),
		strings.Contains(msg, "no mx"), strings.Contains(msg, "mx error"),
		c == "invalid", c == "bad", c == "ko":
		return domain.OutcomeRejected
	case strings.Contains(msg, "timeout"):
		return domain.OutcomeTimeout
	}
	return domain.OutcomeRejected
}

// MapStatus derives the deliverability status from the provider code.
func MapStatus(message, code string) domain.VerificationStatus {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "ok":
		return domain.StatusValid
	case "ko", "invalid", "bad":
		return domain.StatusInvalid
	case "mb":
		msg := strings.ToLower(message)
		if strings.Contains(msg, "catch") {
			return domain.StatusCatchAll
		}
		if strings.Contains(msg, "mx") {
			return domain.StatusInvalid
		}
	}
	return domain.StatusUnknown
}
