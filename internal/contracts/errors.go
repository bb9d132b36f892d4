package contracts

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is the single domain error shape crossing component boundaries.
// Status is the HTTP status the boundary serializes it with; Code is the
// stable machine-readable discriminator clients switch on; Meta carries
// reconciliation fields (maxCounter, used_at, ...) the client needs to
// repair its local state.
type Error struct {
	Status  int
	Code    string
	Message string
	Meta    map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

const (
	CodeBadRequest                   = "BadRequest"
	CodeInviteSchemaMismatch         = "InviteSchemaMismatch"
	CodeInviteEnvelopeInvalid        = "InviteEnvelopeInvalid"
	CodeInvalidWrappedPayload        = "InvalidWrappedPayload"
	CodeInvalidWrapContext           = "InvalidWrapContext"
	CodeUnauthorized                 = "Unauthorized"
	CodeForbidden                    = "Forbidden"
	CodeNotFound                     = "NotFound"
	CodePrekeyUnavailable            = "PrekeyUnavailable"
	CodeReplay                       = "Replay"
	CodeCounterTooLow                = "CounterTooLow"
	CodeConflict                     = "Conflict"
	CodeInviteAlreadyExists          = "InviteAlreadyExists"
	CodeInviteAlreadyDelivered       = "InviteAlreadyDelivered"
	CodeTokenUsed                    = "TokenUsed"
	CodeContactSecretsBackupRejected = "ContactSecretsBackupRejected"
	CodeExpired                      = "Expired"
	CodeInternal                     = "Internal"
	CodeSchemaMissing                = "SchemaMissing"
	CodePayloadMissing               = "PayloadMissing"
)

func newError(status int, code, format string, args ...any) *Error {
	return &Error{Status: status, Code: code, Message: fmt.Sprintf(format, args...)}
}

func BadRequest(format string, args ...any) *Error {
	return newError(http.StatusBadRequest, CodeBadRequest, format, args...)
}

func InviteSchemaMismatch(format string, args ...any) *Error {
	return newError(http.StatusBadRequest, CodeInviteSchemaMismatch, format, args...)
}

func InviteEnvelopeInvalid(format string, args ...any) *Error {
	return newError(http.StatusBadRequest, CodeInviteEnvelopeInvalid, format, args...)
}

func InvalidWrappedPayload(format string, args ...any) *Error {
	return newError(http.StatusBadRequest, CodeInvalidWrappedPayload, format, args...)
}

func InvalidWrapContext(format string, args ...any) *Error {
	return newError(http.StatusBadRequest, CodeInvalidWrapContext, format, args...)
}

func Unauthorized() *Error {
	return newError(http.StatusUnauthorized, CodeUnauthorized, "unauthorized")
}

func Forbidden(format string, args ...any) *Error {
	return newError(http.StatusForbidden, CodeForbidden, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newError(http.StatusNotFound, CodeNotFound, format, args...)
}

func PrekeyUnavailable(format string, args ...any) *Error {
	return newError(http.StatusNotFound, CodePrekeyUnavailable, format, args...)
}

func Replay(lastCtr int64) *Error {
	e := newError(http.StatusConflict, CodeReplay, "counter already used")
	e.Meta = map[string]any{"lastCtr": lastCtr}
	return e
}

func CounterTooLow(maxCounter int64) *Error {
	e := newError(http.StatusConflict, CodeCounterTooLow, "counter must exceed current maximum")
	e.Meta = map[string]any{"maxCounter": maxCounter}
	return e
}

func Conflict(format string, args ...any) *Error {
	return newError(http.StatusConflict, CodeConflict, format, args...)
}

func InviteAlreadyExists(inviteID string) *Error {
	return newError(http.StatusConflict, CodeInviteAlreadyExists, "invite %s already exists", inviteID)
}

func InviteAlreadyDelivered() *Error {
	return newError(http.StatusConflict, CodeInviteAlreadyDelivered, "invite was already delivered")
}

func TokenUsed(usedAt int64, usedByDigest string) *Error {
	e := newError(http.StatusConflict, CodeTokenUsed, "token was already redeemed")
	e.Meta = map[string]any{"used_at": usedAt, "used_by_digest": usedByDigest}
	return e
}

func ContactSecretsBackupRejected(format string, args ...any) *Error {
	return newError(http.StatusConflict, CodeContactSecretsBackupRejected, format, args...)
}

func Expired(format string, args ...any) *Error {
	return newError(http.StatusGone, CodeExpired, format, args...)
}

func Internal(format string, args ...any) *Error {
	return newError(http.StatusInternalServerError, CodeInternal, format, args...)
}

func SchemaMissing(missing []string) *Error {
	return newError(http.StatusInternalServerError, CodeSchemaMissing, "schema missing: %v", missing)
}

// AsError unwraps err into a domain *Error, or wraps it as Internal with a
// message truncated so driver internals never cross the boundary whole.
func AsError(err error) *Error {
	var domain *Error
	if errors.As(err, &domain) {
		return domain
	}
	msg := err.Error()
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return &Error{Status: http.StatusInternalServerError, Code: CodeInternal, Message: msg}
}
