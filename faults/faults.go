// Package faults defines the closed error taxonomy shared by the API and
// worker surfaces. Every failure crossing a package boundary is classified
// into one of these kinds so transports map it deterministically and retry
// policy stays uniform across handlers.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies the failure class of a Fault.
type Kind string

const (
	// KindValidation marks malformed or semantically invalid input.
	KindValidation Kind = "validation"
	// KindAuth marks missing or insufficient credentials.
	KindAuth Kind = "auth"
	// KindNotFound marks a missing entity.
	KindNotFound Kind = "not_found"
	// KindConflictReplay marks an idempotent replay of an already
	// processed request. Callers usually surface the original result.
	KindConflictReplay Kind = "conflict_replay"
	// KindConflictBusiness marks a true state conflict such as a double
	// room assignment or an invalid status transition.
	KindConflictBusiness Kind = "conflict_business"
	// KindUnavailable marks insufficient inventory for the requested stay.
	KindUnavailable Kind = "unavailable"
	// KindProviderTransient marks a retryable downstream failure
	// (timeouts, 5xx responses, database contention).
	KindProviderTransient Kind = "provider_transient"
	// KindProviderPermanent marks a downstream rejection that retrying
	// cannot fix, such as a 4xx from the payment provider.
	KindProviderPermanent Kind = "provider_permanent"
	// KindInventoryConsistency marks an impossible inventory state, e.g.
	// a decrement that would push a counter negative.
	KindInventoryConsistency Kind = "inventory_consistency"
	// KindConfigurationMissing marks an absent secret or setting. Fatal
	// at startup, an internal error when discovered at use.
	KindConfigurationMissing Kind = "configuration_missing"
)

// Fault is the concrete error carried across layers. Code is a stable
// machine-readable token (e.g. "room_conflict") and Message is safe to
// return to API callers; neither may contain guest PII.
type Fault struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (f *Fault) Error() string {
	var b strings.Builder
	b.WriteString(string(f.Kind))
	if f.Code != "" {
		b.WriteString("/")
		b.WriteString(f.Code)
	}
	if f.Message != "" {
		b.WriteString(": ")
		b.WriteString(f.Message)
	}
	if f.Err != nil {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As chains.
func (f *Fault) Unwrap() error { return f.Err }

// New builds a Fault with a stable code and a caller-safe message.
func New(kind Kind, code, message string) *Fault {
	return &Fault{Kind: kind, Code: code, Message: message}
}

// Newf builds a Fault formatting the caller-safe message.
func Newf(kind Kind, code, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches taxonomy metadata to an underlying error.
func Wrap(kind Kind, code string, err error) *Fault {
	return &Fault{Kind: kind, Code: code, Err: err}
}

// Wrapf attaches taxonomy metadata and a formatted message to an error.
func Wrapf(kind Kind, code string, err error, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation is shorthand for the most common kind.
func Validation(code, format string, args ...any) *Fault {
	return Newf(KindValidation, code, format, args...)
}

// KindOf extracts the Kind from an error chain. Unclassified errors report
// an empty Kind so callers fall through to their internal-error path.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// CodeOf extracts the stable code from an error chain, if any.
func CodeOf(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// MessageOf extracts the caller-safe message from an error chain. It never
// falls back to Error(), which may embed wrapped internals.
func MessageOf(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Message
	}
	return ""
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a task handler should signal its queue to
// redeliver. Only transient downstream failures qualify; everything else
// would replay a deterministic failure.
func Retryable(err error) bool {
	return KindOf(err) == KindProviderTransient
}
