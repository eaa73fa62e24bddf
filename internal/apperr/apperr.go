package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of business failure.
type Kind string

const (
	ClientNotFound          Kind = "ClientNotFound"
	InvalidCredentials      Kind = "InvalidCredentials"
	InvalidRedirectURI      Kind = "InvalidRedirectUri"
	InvalidScope            Kind = "InvalidScope"
	CodeNotFound            Kind = "CodeNotFound"
	CodeExpired             Kind = "CodeExpired"
	CodeMismatch            Kind = "CodeMismatch"
	RefreshTokenNotFound    Kind = "RefreshTokenNotFound"
	RefreshTokenExpired     Kind = "RefreshTokenExpired"
	ClientMismatch          Kind = "ClientMismatch"
	InvalidToken            Kind = "InvalidToken"
	InvalidIdentifier       Kind = "InvalidIdentifier"
	TransactionIDExhausted  Kind = "TransactionIdExhausted"
	InvalidRequest          Kind = "InvalidRequest"
	UnsupportedGrantType    Kind = "UnsupportedGrantType"
	UnsupportedResponseType Kind = "UnsupportedResponseType"
	Internal                Kind = "Internal"
)

type descriptor struct {
	code      string
	oauthCode string
	status    int
}

// Stable rsp_code values; calling applications match on these.
var descriptors = map[Kind]descriptor{
	ClientNotFound:          {"O0001", "invalid_client", http.StatusUnauthorized},
	InvalidCredentials:      {"O0002", "invalid_client", http.StatusUnauthorized},
	InvalidRedirectURI:      {"O0003", "invalid_request", http.StatusBadRequest},
	InvalidScope:            {"O0004", "invalid_scope", http.StatusBadRequest},
	CodeNotFound:            {"O0005", "invalid_grant", http.StatusBadRequest},
	CodeExpired:             {"O0006", "invalid_grant", http.StatusBadRequest},
	CodeMismatch:            {"O0007", "invalid_grant", http.StatusBadRequest},
	RefreshTokenNotFound:    {"O0008", "invalid_grant", http.StatusBadRequest},
	RefreshTokenExpired:     {"O0009", "invalid_grant", http.StatusBadRequest},
	ClientMismatch:          {"O0010", "invalid_grant", http.StatusBadRequest},
	InvalidToken:            {"O0011", "invalid_token", http.StatusUnauthorized},
	InvalidIdentifier:       {"O0012", "invalid_request", http.StatusBadRequest},
	TransactionIDExhausted:  {"O0013", "server_error", http.StatusInternalServerError},
	InvalidRequest:          {"O0014", "invalid_request", http.StatusBadRequest},
	UnsupportedGrantType:    {"O0015", "unsupported_grant_type", http.StatusBadRequest},
	UnsupportedResponseType: {"O0016", "unsupported_response_type", http.StatusBadRequest},
	Internal:                {"O9999", "server_error", http.StatusInternalServerError},
}

// Error is a typed business error with a stable code/message pair that can be
// surfaced to the calling application as is.
type Error struct {
	Kind      Kind   `json:"-"`
	Code      string `json:"rsp_code"`
	Message   string `json:"rsp_message"`
	OAuthCode string `json:"error"`
	Status    int    `json:"-"`
	Cause     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind, so that
// errors.Is(err, apperr.New(apperr.CodeExpired, "")) works.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

func New(kind Kind, message string) *Error {
	return Wrap(kind, message, nil)
}

func Wrap(kind Kind, message string, cause error) *Error {
	d, ok := descriptors[kind]
	if !ok {
		d = descriptors[Internal]
	}
	return &Error{
		Kind:      kind,
		Code:      d.code,
		Message:   message,
		OAuthCode: d.oauthCode,
		Status:    d.status,
		Cause:     cause,
	}
}

// KindOf returns the kind of err, or Internal when err is not an *Error.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return Internal
}

// Is checks whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// From returns err as an *Error, wrapping unknown errors as Internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(Internal, "internal server error", err)
}

func HTTPStatus(err error) int {
	return From(err).Status
}
