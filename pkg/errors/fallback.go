package errors

import (
	"fmt"
	"net/http"
	"strings"
)

// Outcome classifies the result of one fallback attempt.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeRateLimited    Outcome = "rate_limited"
	OutcomeTransient      Outcome = "transient_error"
	OutcomeFatal          Outcome = "fatal_request_error"
	OutcomeDecommissioned Outcome = "model_decommissioned"
)

// Attempt records one candidate tried during fallback.
type Attempt struct {
	Provider string  `json:"provider"`
	Model    string  `json:"model"`
	Outcome  Outcome `json:"outcome"`
	Err      error   `json:"-"`
}

// FallbackExhaustedError aggregates every attempt once the candidate list is
// consumed without a success.
type FallbackExhaustedError struct {
	Attempts []Attempt
}

// Error implements the error interface.
func (e *FallbackExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s/%s: %s", a.Provider, a.Model, a.Outcome))
	}
	return fmt.Sprintf("all %d candidates failed: %s", len(e.Attempts), strings.Join(parts, "; "))
}

// HTTPStatusCode reports the exhausted chain as service unavailable.
func (e *FallbackExhaustedError) HTTPStatusCode() int {
	return http.StatusServiceUnavailable
}

// Code returns the stable machine-readable code.
func (e *FallbackExhaustedError) Code() string {
	return TypeFallbackExhausted
}
