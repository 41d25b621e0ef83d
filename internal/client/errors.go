package client

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUpstreamFailure is matched by every FetchError so callers can test for "upstream
// did not give us a usable feed" without caring about the kind.
var ErrUpstreamFailure = errors.New("upstream failure")

// FetchErrorKind classifies why a fetch failed.
type FetchErrorKind string

const (
	KindTimeout        FetchErrorKind = "timeout"
	KindNetwork        FetchErrorKind = "network"
	KindUpstreamStatus FetchErrorKind = "upstream_status"
	KindDecode         FetchErrorKind = "decode"
	KindEmptyFeed      FetchErrorKind = "empty_feed"
)

// FetchError is returned by Fetch for every failure. StatusCode is set for KindUpstreamStatus.
type FetchError struct {
	Kind       FetchErrorKind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.Kind == KindUpstreamStatus:
		return fmt.Sprintf("fetch funvisis feed: %s: HTTP %d", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("fetch funvisis feed: %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("fetch funvisis feed: %s", e.Kind)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrUpstreamFailure) match any FetchError.
func (e *FetchError) Is(target error) bool {
	return target == ErrUpstreamFailure
}

// Retryable reports whether another attempt could succeed: timeouts, network errors,
// 5xx and 429 responses.
func (e *FetchError) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindNetwork:
		return true
	case KindUpstreamStatus:
		return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
	default:
		return false
	}
}

// IsRetryable reports whether err is a FetchError worth retrying.
func IsRetryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return false
}
