package client

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrorCategory is a stable label for error classification in metrics and API responses.
type ErrorCategory string

const (
	ErrorCategoryTimeout     ErrorCategory = "timeout"
	ErrorCategoryNetwork     ErrorCategory = "network"
	ErrorCategoryRateLimited ErrorCategory = "rate_limited"
	ErrorCategoryUpstream5xx ErrorCategory = "upstream_5xx"
	ErrorCategoryUpstream4xx ErrorCategory = "upstream_4xx"
	ErrorCategoryParsing     ErrorCategory = "parsing"
	ErrorCategoryEmptyFeed   ErrorCategory = "empty_feed"
	ErrorCategoryValidation  ErrorCategory = "validation"
	ErrorCategoryPersist     ErrorCategory = "persist"
	ErrorCategoryCircuitOpen ErrorCategory = "circuit_open"
	ErrorCategoryUnknown     ErrorCategory = "unknown"
)

// CategorizeError maps an error to a stable ErrorCategory. Typed FetchErrors are
// classified by kind; other errors fall back to message inspection.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ""
	}

	var fe *FetchError
	if errors.As(err, &fe) {
		switch fe.Kind {
		case KindTimeout:
			return ErrorCategoryTimeout
		case KindNetwork:
			return ErrorCategoryNetwork
		case KindDecode:
			return ErrorCategoryParsing
		case KindEmptyFeed:
			return ErrorCategoryEmptyFeed
		case KindUpstreamStatus:
			switch {
			case fe.StatusCode == http.StatusTooManyRequests:
				return ErrorCategoryRateLimited
			case fe.StatusCode >= 500:
				return ErrorCategoryUpstream5xx
			default:
				return ErrorCategoryUpstream4xx
			}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryTimeout
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "circuit breaker open"):
		return ErrorCategoryCircuitOpen
	case strings.Contains(errStr, "persist"):
		return ErrorCategoryPersist
	case strings.Contains(errStr, "no valid records") || strings.Contains(errStr, "validation"):
		return ErrorCategoryValidation
	case strings.Contains(errStr, "timeout"):
		return ErrorCategoryTimeout
	case strings.Contains(errStr, "connection") || strings.Contains(errStr, "network"):
		return ErrorCategoryNetwork
	case strings.Contains(errStr, "parse") || strings.Contains(errStr, "unmarshal"):
		return ErrorCategoryParsing
	}

	return ErrorCategoryUnknown
}
