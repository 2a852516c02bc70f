// Package errs defines the error taxonomy shared across the stratum server:
// transport, auth, protocol, domain, upstream-logical, and fatal errors.
package errs

import "fmt"

// StratumError is a Stratum-wire error: a JSON-RPC [code, message, null]
// triple reported back to a miner.
type StratumError struct {
	Code    int
	Message string
}

func (e *StratumError) Error() string {
	return e.Message
}

// ToJSON renders the error in the canonical three-element Stratum array.
func (e *StratumError) ToJSON() []interface{} {
	return []interface{}{e.Code, e.Message, nil}
}

// NewStratum creates a new Stratum wire error.
func NewStratum(code int, message string) *StratumError {
	return &StratumError{Code: code, Message: message}
}

// Reserved Stratum error codes (spec §6).
const (
	CodeOther          = 20
	CodeJobNotFound    = 21
	CodeDuplicateShare = 22
	CodeLowDifficulty  = 23
	CodeUnauthorized   = 24
)

var (
	ErrJobNotFound    = NewStratum(CodeJobNotFound, "Job not found")
	ErrDuplicateShare = NewStratum(CodeDuplicateShare, "Duplicate share")
	ErrLowDifficulty  = NewStratum(CodeLowDifficulty, "Low difficulty share")
	ErrUnauthorized   = NewStratum(CodeUnauthorized, "Unauthorized worker")
	ErrOther          = NewStratum(CodeOther, "Other/Unknown")
)

// UpstreamKind classifies an error from the upstream coin daemon so callers
// can apply the retry policy from spec §7 without string-matching.
type UpstreamKind int

const (
	// UpstreamTransport covers connection refused/reset, timeout, DNS
	// failure, broken pipe — retryable per policy.
	UpstreamTransport UpstreamKind = iota
	// UpstreamAuth covers HTTP 401/403 — never retried.
	UpstreamAuth
	// UpstreamLogical covers a non-null RPC-level {error.code} response —
	// never retried, handled by the caller (e.g. downgrade block to share).
	UpstreamLogical
)

// UpstreamError wraps a failure talking to the coin daemon with enough
// context to decide whether a retry is allowed.
type UpstreamError struct {
	Kind   UpstreamKind
	Method string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Method, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the retry policy allows another attempt.
func (e *UpstreamError) Retryable() bool {
	return e.Kind == UpstreamTransport
}

// ProtocolError represents a client-local protocol violation (malformed
// JSON, unknown method, wrong state) that is tolerated up to a bound before
// the connection is closed.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return e.Reason
}

func NewProtocol(reason string) *ProtocolError {
	return &ProtocolError{Reason: reason}
}
