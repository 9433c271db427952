package bookingapi

import (
	"errors"
	"fmt"
)

// Kind is the coarse classification callers branch on. API errors never
// escape the coordinator unclassified.
type Kind string

const (
	KindSuccess     Kind = "SUCCESS"
	KindWAFBlocked  Kind = "WAF_BLOCKED"  // 500 with empty or {} body (anti-bot edge)
	KindServerError Kind = "SERVER_ERROR" // 500 with a real JSON body
	KindSoldOut     Kind = "SOLD_OUT"     // 412
	KindRateLimited Kind = "RATE_LIMITED" // 429
	KindAuthFailed  Kind = "AUTH_FAILED"  // 401 / 403 / 419
	KindUnknown     Kind = "UNKNOWN"

	// Internal kinds produced outside the HTTP layer.
	KindNoBookToken    Kind = "NO_BOOK_TOKEN"
	KindNoProxy        Kind = "NO_PROXY_AVAILABLE"
	KindAlreadyClaimed Kind = "ALREADY_CLAIMED"
)

// APIError is a structured non-2xx response from the upstream platform.
type APIError struct {
	Status  int
	Code    string
	RawBody []byte
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream status %d (code %s)", e.Status, e.Code)
	}
	return fmt.Sprintf("upstream status %d", e.Status)
}

// Kind classifies the error per the upstream contract.
func (e *APIError) Kind() Kind {
	switch e.Status {
	case 500:
		if isWAFBody(e.RawBody) {
			return KindWAFBlocked
		}
		return KindServerError
	case 412:
		return KindSoldOut
	case 429:
		return KindRateLimited
	case 401, 403, 419:
		return KindAuthFailed
	default:
		return KindUnknown
	}
}

// isWAFBody reports whether a 500 body matches the anti-bot edge
// signature: empty, or a bare JSON object with no fields.
func isWAFBody(body []byte) bool {
	trimmed := make([]byte, 0, len(body))
	for _, b := range body {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		trimmed = append(trimmed, b)
	}
	return len(trimmed) == 0 || string(trimmed) == "{}"
}

// ErrInvalidAuthToken marks a stored auth token that is not a legal
// header field value; classified AUTH_FAILED without touching the wire.
var ErrInvalidAuthToken = errors.New("bookingapi: auth token is not a valid header value")

// Classify maps any error from a client call onto the taxonomy.
// nil maps to SUCCESS; transport-level failures map to UNKNOWN.
func Classify(err error) Kind {
	if err == nil {
		return KindSuccess
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind()
	}
	if errors.Is(err, ErrInvalidAuthToken) {
		return KindAuthFailed
	}
	return KindUnknown
}
