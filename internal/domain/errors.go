package domain

import (
	"errors"
	"fmt"
)

// Kind classifies why processing a post failed.
type Kind int

const (
	KindUnknown Kind = iota
	// KindDataIntegrity: the post references a user that does not exist. Terminal.
	KindDataIntegrity
	// KindNoRefreshAvailable: the access token is (nearly) expired and no refresh token is stored.
	KindNoRefreshAvailable
	// KindRefreshFailed: the platform rejected or failed the refresh call.
	KindRefreshFailed
	// KindRemote: the publish call failed (transport error or non-2xx).
	KindRemote
	// KindTimeout: an external call exceeded its deadline. Treated like KindRemote.
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindDataIntegrity:
		return "data_integrity"
	case KindNoRefreshAvailable:
		return "no_refresh_available"
	case KindRefreshFailed:
		return "refresh_failed"
	case KindRemote:
		return "remote"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this kind counts as an attempt
// and leaves the post eligible for the next cycle.
func (k Kind) Retryable() bool { return k != KindDataIntegrity }

// Credential reports whether the kind belongs to the credential family.
func (k Kind) Credential() bool { return k == KindNoRefreshAvailable || k == KindRefreshFailed }

// DispatchError is the structured per-post failure.
//
// Detail is a human-readable message stored as the post's last error.
// Meta carries opaque key/values (e.g. remote status code) for the audit log.
type DispatchError struct {
	Kind   Kind
	Detail string
	Meta   map[string]any
	Err    error
}

func (e *DispatchError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *DispatchError) Unwrap() error { return e.Err }

var (
	ErrNoAssociatedUser   = errors.New("no associated user")
	ErrNoRefreshAvailable = errors.New("no refresh token available for user")
)

// NewError builds a DispatchError with a formatted detail.
func NewError(kind Kind, err error, format string, args ...any) *DispatchError {
	return &DispatchError{Kind: kind, Detail: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}
