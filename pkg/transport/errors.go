package transport

import (
    "errors"
    "fmt"
    "net/http"
)

// Error codes carried by *Error.
const (
    CodeProposalNotFound = "ProposalNotFound"
    CodeProposalNotOpen  = "ProposalNotOpen"
    CodeMemberNotActive  = "MemberNotActive"
    CodeVoteNotSigned    = "VoteNotSigned"
    CodeInvalidSignature = "InvalidSignature"
    CodeUnknownAction    = "UnknownAction"
    CodeInvalidRequest   = "InvalidRequest"
    CodeNotPrimary       = "NotPrimary"
    CodeServiceNotOpen   = "ServiceNotOpen"
    CodeUserNotFound     = "UserNotFound"
    CodeNotSupported     = "NotSupported"
    CodeInternal         = "Internal"
)

// Error is a structured protocol error returned by a node. Status is the HTTP
// status equivalent and is not part of the JSON body.
type Error struct {
    Status  int    `json:"-"`
    Code    string `json:"code"`
    Message string `json:"message"`
}

func (e *Error) Error() string {
    if e.Status != 0 { return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message) }
    return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches another *Error with the same code, so callers can write
// errors.Is(err, &transport.Error{Code: transport.CodeProposalNotOpen}).
func (e *Error) Is(target error) bool {
    var t *Error
    if !errors.As(target, &t) { return false }
    return t.Code != "" && t.Code == e.Code
}

// ErrorBody is the JSON envelope of a failed request.
type ErrorBody struct {
    Error *Error `json:"error"`
}

// Errorf builds an *Error with the conventional status for code.
func Errorf(code, format string, args ...any) *Error {
    return &Error{Status: StatusFor(code), Code: code, Message: fmt.Sprintf(format, args...)}
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code string) int {
    switch code {
    case CodeProposalNotFound, CodeUserNotFound:
        return http.StatusNotFound
    case CodeVoteNotSigned, CodeInvalidSignature:
        return http.StatusUnauthorized
    case CodeMemberNotActive:
        return http.StatusForbidden
    case CodeProposalNotOpen:
        return http.StatusConflict
    case CodeUnknownAction, CodeInvalidRequest:
        return http.StatusBadRequest
    case CodeNotPrimary, CodeServiceNotOpen:
        return http.StatusServiceUnavailable
    case CodeNotSupported:
        return http.StatusNotImplemented
    default:
        return http.StatusInternalServerError
    }
}

// AsError returns a copy of the *Error in err's chain with Status filled in,
// wrapping foreign errors as Internal. err itself is never modified.
func AsError(err error) *Error {
    if err == nil { return nil }
    var e *Error
    if errors.As(err, &e) {
        out := *e
        if out.Status == 0 { out.Status = StatusFor(out.Code) }
        return &out
    }
    return &Error{Status: http.StatusInternalServerError, Code: CodeInternal, Message: err.Error()}
}

// ErrorCode returns the code of a protocol error, or "" for other errors.
func ErrorCode(err error) string {
    var e *Error
    if errors.As(err, &e) { return e.Code }
    return ""
}
