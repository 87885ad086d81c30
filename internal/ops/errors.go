package ops

import (
	"errors"
	"fmt"

	"github.com/termbench/benchd/internal/agent"
	"github.com/termbench/benchd/internal/pty"
	"github.com/termbench/benchd/internal/registry"
)

// Bridge-level sentinels live here so both bridge roles and remote callers
// share one error vocabulary with the session managers.
var (
	// ErrConnectionLost marks an in-flight remote call whose link dropped.
	ErrConnectionLost = errors.New("connection lost")
	// ErrAuthFailed marks a handshake with a wrong token.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrPortUnavailable marks a listener that could not bind.
	ErrPortUnavailable = errors.New("port unavailable")
)

// Wire error codes. Codes are stable; messages are advisory.
const (
	CodeUnknownSession   = "unknown_session"
	CodeDuplicateSession = "duplicate_session"
	CodeInvalidState     = "invalid_state"
	CodeSpawnFailed      = "spawn_failed"
	CodeNoPendingRequest = "no_pending_request"
	CodeResumeFailed     = "resume_failed"
	CodeConnectionLost   = "connection_lost"
	CodeAuthFailed       = "auth_failed"
	CodePortUnavailable  = "port_unavailable"
	CodeBadRequest       = "bad_request"
	CodeUnknownOp        = "unknown_op"
	CodeInternal         = "internal"
)

// codeSentinels maps wire codes back to the sentinel a local caller would
// have seen, so errors.Is works identically across the bridge.
var codeSentinels = map[string]error{
	CodeUnknownSession:   registry.ErrUnknownSession,
	CodeDuplicateSession: registry.ErrDuplicateSession,
	CodeInvalidState:     agent.ErrInvalidState,
	CodeSpawnFailed:      pty.ErrSpawn,
	CodeNoPendingRequest: agent.ErrNoPendingRequest,
	CodeResumeFailed:     agent.ErrResumeFailed,
	CodeConnectionLost:   ErrConnectionLost,
	CodeAuthFailed:       ErrAuthFailed,
	CodePortUnavailable:  ErrPortUnavailable,
}

// Error is an operation failure with a wire code.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the sentinel matching the code, if any.
func (e *Error) Unwrap() error {
	return codeSentinels[e.Code]
}

// BadRequest builds a CodeBadRequest error.
func BadRequest(format string, args ...any) *Error {
	return &Error{Code: CodeBadRequest, Message: fmt.Sprintf(format, args...)}
}

// CodeOf maps an error to its wire code.
func CodeOf(err error) string {
	var opErr *Error
	if errors.As(err, &opErr) {
		return opErr.Code
	}
	for code, sentinel := range codeSentinels {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

// FromWire reconstructs an operation error received from a peer.
func FromWire(code, message string) error {
	if code == "" {
		code = CodeInternal
	}
	return &Error{Code: code, Message: message}
}
