package llm

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Kind classifies an upstream failure. The adapter owns the status and
// message mapping; callers branch on kinds only.
type Kind string

const (
	KindQuota        Kind = "quota"
	KindAuth         Kind = "auth"
	KindTransient    Kind = "transient"
	KindInputInvalid Kind = "input_invalid"
	KindEmpty        Kind = "empty"
	KindOther        Kind = "other"
)

// ErrEmptyCompletion marks a successful upstream call that returned no text.
var ErrEmptyCompletion = errors.New("empty completion")

// Classify maps an upstream error to its class. Substring matching is
// case-insensitive; status codes take effect when the error carries one.
func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}
	if errors.Is(err, ErrEmptyCompletion) {
		return KindEmpty
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}

	status := 0
	msg := err.Error()
	var ue *Error
	if errors.As(err, &ue) {
		status = ue.Status
		msg = ue.Message
	}
	lower := strings.ToLower(msg)

	switch status {
	case 429:
		return KindQuota
	case 401, 403:
		return KindAuth
	case 500, 502, 503, 504:
		return KindTransient
	}
	switch {
	case strings.Contains(lower, "quota"), strings.Contains(lower, "rate limit"):
		return KindQuota
	case strings.Contains(lower, "api key"), strings.Contains(lower, "unauthorized"), strings.Contains(lower, "auth"):
		return KindAuth
	case strings.Contains(lower, "service unavailable"), strings.Contains(lower, "timeout"):
		return KindTransient
	case strings.Contains(lower, "malformed"), strings.Contains(lower, "invalid prompt"), strings.Contains(lower, "unsupported content"):
		return KindInputInvalid
	}
	return KindOther
}
