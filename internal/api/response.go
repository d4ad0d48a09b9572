package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/transfa/trustgroup-service/internal/domain"
)

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *errorBody  `json:"error,omitempty"`
}

type errorBody struct {
	Kind    domain.ErrorKind `json:"kind"`
	Code    string           `json:"code"`
	Message string           `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			log.Printf("level=warn component=api msg=\"failed to encode response\" err=%v", err)
		}
	}
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusUnauthorized, envelope{Error: &errorBody{Kind: domain.KindForbidden, Code: "UNAUTHORIZED", Message: message}})
}

// statusForKind maps an error kind to its HTTP status.
func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindPolicy:
		return http.StatusUnprocessableEntity
	case domain.KindSecurity, domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindIntegrity:
		return http.StatusInternalServerError
	default:
		return http.StatusServiceUnavailable
	}
}

// writeError renders a service error. Errors outside the taxonomy are reported as a
// generic infrastructure failure and logged. Every security error is written as the same
// body.
func writeError(w http.ResponseWriter, endpoint string, err error) {
	var rateLimit *domain.RateLimitError
	if errors.As(err, &rateLimit) {
		w.Header().Set("Retry-After", strconv.Itoa(rateLimit.RetryAfterSeconds))
		writeJSON(w, http.StatusTooManyRequests, envelope{Error: &errorBody{
			Kind:    domain.KindPolicy,
			Code:    domain.ErrRateLimited.Code,
			Message: domain.ErrRateLimited.Message,
		}})
		return
	}

	var domainErr *domain.Error
	if !errors.As(err, &domainErr) {
		domainErr = domain.ErrStoreUnavailable
	}
	if domainErr.Kind == domain.KindSecurity {
		domainErr = domain.ErrWalletAuthDenied
	}

	status := statusForKind(domainErr.Kind)
	if status >= http.StatusInternalServerError {
		log.Printf("level=error component=api endpoint=%s status=%d err=%v", endpoint, status, err)
	}
	writeJSON(w, status, envelope{Error: &errorBody{
		Kind:    domainErr.Kind,
		Code:    domainErr.Code,
		Message: domainErr.Message,
	}})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, "", domain.ErrInvalidInput.WithMessage("%s", message))
}
