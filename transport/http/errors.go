package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/internal/logx"
)

var errorStatuses = []struct {
	err    error
	status int
	code   string
}{
	{core.ErrInvalidAddress, http.StatusBadRequest, "invalid_address"},
	{core.ErrMalformedSignature, http.StatusBadRequest, "malformed_signature"},
	{core.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{core.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
	{core.ErrChallengeNotFound, http.StatusNotFound, "challenge_not_found"},
	{core.ErrChallengeExpired, http.StatusGone, "challenge_expired"},
	{core.ErrChallengeAlreadyUsed, http.StatusConflict, "challenge_already_used"},
	{core.ErrSignatureMismatch, http.StatusUnauthorized, "signature_mismatch"},
	{core.ErrAuthenticationBlocked, http.StatusForbidden, "authentication_blocked"},
	{core.ErrRefreshExpired, http.StatusUnauthorized, "refresh_expired"},
	{core.ErrInvalidRefreshToken, http.StatusUnauthorized, "invalid_refresh_token"},
	{core.ErrRefreshReuseDetected, http.StatusUnauthorized, "refresh_reuse_detected"},
	{core.ErrInvalidToken, http.StatusUnauthorized, "invalid_token"},
	{core.ErrTokenExpired, http.StatusUnauthorized, "token_expired"},
	{core.ErrTokenRevoked, http.StatusUnauthorized, "token_revoked"},
	{core.ErrSessionNotFound, http.StatusUnauthorized, "session_not_found"},
	{core.ErrDPoPMissing, http.StatusUnauthorized, "dpop_missing"},
	{core.ErrDPoPInvalid, http.StatusUnauthorized, "invalid_dpop_proof"},
	{core.ErrDPoPStale, http.StatusUnauthorized, "dpop_stale"},
	{core.ErrDPoPKeyMismatch, http.StatusUnauthorized, "dpop_key_mismatch"},
	{core.ErrDPoPMethodMismatch, http.StatusUnauthorized, "dpop_method_mismatch"},
	{core.ErrDPoPRebind, http.StatusForbidden, "dpop_rebind"},
	{core.ErrStepUpNotPending, http.StatusConflict, "step_up_not_pending"},
	{core.ErrStorageUnavailable, http.StatusServiceUnavailable, "storage_unavailable"},
}

// statusOf maps a service error to its HTTP status and stable error code.
func statusOf(err error) (int, string, error) {
	for _, s := range errorStatuses {
		if errors.Is(err, s.err) {
			return s.status, s.code, s.err
		}
	}
	return http.StatusInternalServerError, "internal_error", nil
}

// abortWithError writes the error response. Only the sentinel's message is
// exposed; wrapped detail stays in the logs.
func abortWithError(c *gin.Context, err error) {
	status, code, sentinel := statusOf(err)
	logger := logx.FromContext(c.Request.Context(), nil)

	message := "internal error"
	if sentinel != nil {
		message = sentinel.Error()
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request_failed", "code", code, "error", err)
	} else {
		logger.Debug("request_rejected", "code", code, "error", err)
	}

	switch {
	case status == http.StatusTooManyRequests:
		c.Header("Retry-After", "60")
	case status == http.StatusServiceUnavailable:
		c.Header("Retry-After", "1")
	case core.KindOf(err) == core.KindSecurityPolicy && status == http.StatusUnauthorized:
		c.Header("WWW-Authenticate", `DPoP error="invalid_dpop_proof", algs="ES256 EdDSA"`)
	}

	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}
