package service

import (
	"errors"
	"net/http"

	"github.com/onexay/perf-ledger/internal/storage"
)

// Response statuses shared by the commit and report endpoints.
const (
	StatusOK                    = "OK"
	StatusRepositoryNotFound    = "RepositoryNotFound"
	StatusUnknownCommit         = "UnknownCommit"
	StatusAuthenticationFailure = "AuthenticationFailure"
	StatusMalformedEntry        = "MalformedEntry"
	StatusInvalidArguments      = "InvalidArguments"
	StatusInvalidPayload        = "InvalidPayload"
	StatusInternalError         = "InternalError"
)

// AuthError rejects a report batch whose agent credentials do not match.
type AuthError struct {
	Agent string
}

func (e *AuthError) Error() string {
	return "authentication failed for agent " + e.Agent
}

// statusFor maps an error to its response status and HTTP code.
func statusFor(err error) (string, int) {
	if err == nil {
		return StatusOK, http.StatusOK
	}

	var notFound *storage.NotFoundError
	if errors.As(err, &notFound) {
		switch notFound.Resource {
		case "repository":
			return StatusRepositoryNotFound, http.StatusNotFound
		case "commit":
			return StatusUnknownCommit, http.StatusNotFound
		}
	}

	var auth *AuthError
	if errors.As(err, &auth) {
		return StatusAuthenticationFailure, http.StatusUnauthorized
	}

	var validation *storage.ValidationError
	if errors.As(err, &validation) {
		return StatusInvalidArguments, http.StatusBadRequest
	}

	return StatusInternalError, http.StatusInternalServerError
}
