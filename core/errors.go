package core

import "errors"

var (
	// Client input errors.
	ErrInvalidAddress     = errors.New("invalid ethereum address")
	ErrMalformedSignature = errors.New("malformed signature")
	ErrInvalidRequest     = errors.New("invalid request")

	// Protocol state errors.
	ErrChallengeNotFound    = errors.New("challenge not found")
	ErrChallengeExpired     = errors.New("challenge has expired")
	ErrChallengeAlreadyUsed = errors.New("challenge already used")
	ErrSignatureMismatch    = errors.New("signature does not match address")
	ErrRefreshExpired       = errors.New("refresh token has expired")
	ErrInvalidRefreshToken  = errors.New("invalid refresh token")
	ErrRefreshReuseDetected = errors.New("refresh token reuse detected")
	ErrInvalidToken         = errors.New("invalid token")
	ErrTokenExpired         = errors.New("token has expired")
	ErrTokenRevoked         = errors.New("token has been revoked")
	ErrSessionNotFound      = errors.New("session not found")
	ErrStepUpNotPending     = errors.New("no pending step-up for session")

	// Security policy errors.
	ErrAuthenticationBlocked = errors.New("authentication blocked by risk policy")
	ErrDPoPMissing           = errors.New("dpop proof required")
	ErrDPoPInvalid           = errors.New("invalid dpop proof")
	ErrDPoPStale             = errors.New("dpop proof outside acceptance window")
	ErrDPoPKeyMismatch       = errors.New("dpop key does not match session binding")
	ErrDPoPMethodMismatch    = errors.New("dpop proof bound to a different request")
	ErrDPoPRebind            = errors.New("session is already bound to a dpop key")

	// Transient infrastructure errors.
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrRateLimited        = errors.New("rate limited")

	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPreconditionFailed is returned by stores when a compare-and-swap loses.
	ErrPreconditionFailed = errors.New("precondition failed")
)

// Kind groups errors by how callers are expected to react to them.
type Kind string

const (
	KindClientInput    Kind = "client_input"
	KindProtocolState  Kind = "protocol_state"
	KindSecurityPolicy Kind = "security_policy"
	KindTransient      Kind = "transient"
	KindInternal       Kind = "internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidAddress, KindClientInput},
	{ErrMalformedSignature, KindClientInput},
	{ErrInvalidRequest, KindClientInput},
	{ErrChallengeNotFound, KindProtocolState},
	{ErrChallengeExpired, KindProtocolState},
	{ErrChallengeAlreadyUsed, KindProtocolState},
	{ErrSignatureMismatch, KindProtocolState},
	{ErrRefreshExpired, KindProtocolState},
	{ErrInvalidRefreshToken, KindProtocolState},
	{ErrRefreshReuseDetected, KindProtocolState},
	{ErrInvalidToken, KindProtocolState},
	{ErrTokenExpired, KindProtocolState},
	{ErrTokenRevoked, KindProtocolState},
	{ErrSessionNotFound, KindProtocolState},
	{ErrStepUpNotPending, KindProtocolState},
	{ErrAuthenticationBlocked, KindSecurityPolicy},
	{ErrDPoPMissing, KindSecurityPolicy},
	{ErrDPoPInvalid, KindSecurityPolicy},
	{ErrDPoPStale, KindSecurityPolicy},
	{ErrDPoPKeyMismatch, KindSecurityPolicy},
	{ErrDPoPMethodMismatch, KindSecurityPolicy},
	{ErrDPoPRebind, KindSecurityPolicy},
	{ErrStorageUnavailable, KindTransient},
	{ErrRateLimited, KindTransient},
}

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// Retryable reports whether the caller may retry the operation with backoff.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}
