package social

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a publish or authorization attempt failed. Only
// KindNetwork is safe to retry automatically, and then only for idempotent
// steps (a status poll); everything else requires user action.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration"   // missing/invalid credentials
	KindAuthExchange  ErrorKind = "auth_exchange"   // code exchange rejected
	KindRefresh       ErrorKind = "refresh"         // refresh token rejected, re-auth required
	KindUploadStep    ErrorKind = "upload_step"     // an upload step rejected by upstream
	KindUploadTimeout ErrorKind = "upload_timeout"  // poll ceiling exceeded
	KindNetwork       ErrorKind = "network"         // transient transport failure
	KindSessionActive ErrorKind = "session_active"  // concurrent publish for same (user, service)
	KindQuota         ErrorKind = "quota"           // daily request quota exhausted
)

// Error is the typed failure surfaced at the provider facade boundary. The
// message always carries the upstream text verbatim, prefixed with the
// service name, so callers can display it without further mapping.
type Error struct {
	Kind    ErrorKind
	Service string
	Step    string // upload step name, when applicable
	Status  int    // upstream HTTP status, when known
	Message string
	cause   error
}

func (e *Error) Error() string {
	s := e.Service
	if s == "" {
		s = "social"
	}
	if e.Step != "" {
		return fmt.Sprintf("%s: %s %s: %s", s, e.Kind, e.Step, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", s, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the same step may be safely re-attempted.
func (e *Error) Retryable() bool { return e.Kind == KindNetwork }

// KindOf extracts the error kind, or "" for foreign errors.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

func newError(kind ErrorKind, service, message string) *Error {
	return &Error{Kind: kind, Service: service, Message: message}
}

func configErr(service, message string) *Error {
	return newError(KindConfiguration, service, message)
}

func exchangeErr(service string, status int, message string) *Error {
	return &Error{Kind: KindAuthExchange, Service: service, Status: status, Message: message}
}

func refreshErr(service string, status int, message string, cause error) *Error {
	return &Error{Kind: KindRefresh, Service: service, Status: status, Message: message, cause: cause}
}

func stepErr(service, step string, status int, message string) *Error {
	return &Error{Kind: KindUploadStep, Service: service, Step: step, Status: status, Message: message}
}

func timeoutErr(service, step, message string) *Error {
	return &Error{Kind: KindUploadTimeout, Service: service, Step: step, Message: message}
}

func netErr(service, step string, cause error) *Error {
	return &Error{Kind: KindNetwork, Service: service, Step: step, Message: cause.Error(), cause: cause}
}
