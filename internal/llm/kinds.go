package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind tags an error with its place in the orchestration error taxonomy.
type Kind string

const (
	KindConfiguration      Kind = "configuration_error"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindBackendFailed      Kind = "backend_failed"
	KindTransient          Kind = "transient_failure"
	KindTimeout            Kind = "timeout"
	KindParseFailure       Kind = "parse_failure"
	KindCancelled          Kind = "cancelled"
)

// ErrCancelled reports that a run or call was cancelled on request.
var ErrCancelled = errors.New("cancelled")

// BackendUnavailableError means the chosen backend cannot be contacted at all:
// missing executable, missing or rejected credentials, unreachable server.
type BackendUnavailableError struct {
	Backend string
	Reason  string
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	msg := fmt.Sprintf("%s unavailable", nonEmpty(e.Backend, "backend"))
	if r := strings.TrimSpace(e.Reason); r != "" {
		msg += ": " + r
	}
	return msg
}
func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// BackendFailedError is a non-zero exit or a non-success response.
type BackendFailedError struct {
	Backend    string
	ExitCode   int
	StderrTail string
	Message    string
	Err        error
}

func (e *BackendFailedError) Error() string {
	var b strings.Builder
	b.WriteString(nonEmpty(e.Backend, "backend"))
	b.WriteString(" failed")
	if e.ExitCode != 0 {
		fmt.Fprintf(&b, " (exit code %d)", e.ExitCode)
	}
	if m := strings.TrimSpace(e.Message); m != "" {
		b.WriteString(": ")
		b.WriteString(m)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if tail := strings.TrimSpace(e.StderrTail); tail != "" {
		b.WriteString(": ")
		b.WriteString(tail)
	}
	return b.String()
}
func (e *BackendFailedError) Unwrap() error { return e.Err }

// TransientError is a rate limit or network hiccup worth one retry.
type TransientError struct {
	Backend string
	Err     error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return nonEmpty(e.Backend, "backend") + " transient failure"
	}
	return fmt.Sprintf("%s transient failure: %v", nonEmpty(e.Backend, "backend"), e.Err)
}
func (e *TransientError) Unwrap() error { return e.Err }

// TimeoutError means a wall-clock limit was exceeded and the call was killed.
type TimeoutError struct {
	Backend string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", nonEmpty(e.Backend, "backend"), e.After)
}

// ParseFailure records that structured extraction degraded to a fallback.
type ParseFailure struct {
	Phase  string
	Key    string
	Detail string
}

func (e *ParseFailure) Error() string {
	msg := fmt.Sprintf("%s: no JSON object with key %q", nonEmpty(e.Phase, "parse"), e.Key)
	if d := strings.TrimSpace(e.Detail); d != "" {
		msg += ": " + d
	}
	return msg
}

// KindOf classifies any error into the taxonomy. Errors that match no known
// type are treated as backend failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var (
		cfg     *ConfigurationError
		unavail *BackendUnavailableError
		failed  *BackendFailedError
		trans   *TransientError
		tout    *TimeoutError
		parse   *ParseFailure
		auth    *AuthenticationError
		denied  *AccessDeniedError
		rate    *RateLimitError
		reqTO   *RequestTimeoutError
		netErr  *NetworkError
	)
	switch {
	case errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.As(err, &cfg):
		return KindConfiguration
	case errors.As(err, &failed):
		return KindBackendFailed
	case errors.As(err, &unavail), errors.As(err, &auth), errors.As(err, &denied):
		return KindBackendUnavailable
	case errors.As(err, &tout), errors.As(err, &reqTO), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &trans), errors.As(err, &rate), errors.As(err, &netErr):
		return KindTransient
	case errors.As(err, &parse):
		return KindParseFailure
	}
	return KindBackendFailed
}

// Tagged renders an error as "[kind] message".
func Tagged(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("[%s] %s", KindOf(err), err.Error())
}

func nonEmpty(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
