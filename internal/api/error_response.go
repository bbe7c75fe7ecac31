package api

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	llmerrors "github.com/relayforge/llmrelay/pkg/errors"
)

// ErrorResponse is the OpenAI-compatible error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes the error payload.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// errorDetail normalizes any gateway error into the envelope payload and
// its HTTP status.
func errorDetail(err error) (int, ErrorDetail) {
	var exhausted *llmerrors.FallbackExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted.HTTPStatusCode(), ErrorDetail{
			Message: exhausted.Error(),
			Type:    exhausted.Code(),
		}
	}

	var llmErr *llmerrors.LLMError
	if errors.As(err, &llmErr) {
		return llmErr.HTTPStatusCode(), ErrorDetail{
			Message: llmErr.Message,
			Type:    llmErr.Type,
		}
	}

	return http.StatusInternalServerError, ErrorDetail{
		Message: "internal error",
		Type:    llmerrors.TypeInternalError,
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status, detail := errorDetail(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(ErrorResponse{Error: detail}); encErr != nil {
		h.logger.RedactedError("failed to encode error response", "error", encErr)
	}
}
