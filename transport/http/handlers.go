package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/service"
	"github.com/shopspring/decimal"
)

// AuthHandlers contains HTTP handlers for auth endpoints
type AuthHandlers struct {
	authService *service.AuthService
}

// NewAuthHandlers creates new auth handlers
func NewAuthHandlers(authService *service.AuthService) *AuthHandlers {
	return &AuthHandlers{
		authService: authService,
	}
}

type challengeResponse struct {
	ChallengeID string    `json:"challenge_id"`
	Message     string    `json:"message"`
	Purpose     string    `json:"purpose"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func newChallengeResponse(ch *core.Challenge) challengeResponse {
	return challengeResponse{
		ChallengeID: ch.ID,
		Message:     ch.Message,
		Purpose:     string(ch.Purpose),
		ExpiresAt:   ch.ExpiresAt,
	}
}

type tokenResponse struct {
	SessionID        string    `json:"session_id"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	RequiresStepUp   bool      `json:"requires_step_up"`
}

func newTokenResponse(p *core.TokenPair) tokenResponse {
	return tokenResponse{
		SessionID:        p.SessionID,
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		TokenType:        p.TokenType,
		ExpiresIn:        int64(time.Until(p.AccessExpiresAt).Seconds()),
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshExpiresAt: p.RefreshExpiresAt,
		RequiresStepUp:   p.RequiresStepUp,
	}
}

// Challenge handles the challenge request
func (h *AuthHandlers) Challenge(c *gin.Context) {
	var req struct {
		Address string `json:"address" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, core.ErrInvalidRequest)
		return
	}

	ch, err := h.authService.Challenge(c.Request.Context(), req.Address, requestContext(c))
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newChallengeResponse(ch))
}

// Login handles the login request
func (h *AuthHandlers) Login(c *gin.Context) {
	var req struct {
		ChallengeID     string          `json:"challenge_id" binding:"required"`
		Address         string          `json:"address" binding:"required"`
		Signature       string          `json:"signature" binding:"required"`
		ClientPublicKey json.RawMessage `json:"client_public_key"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, core.ErrInvalidRequest)
		return
	}

	pair, err := h.authService.Login(c.Request.Context(), service.ConsumeRequest{
		ChallengeID: req.ChallengeID,
		Address:     req.Address,
		Signature:   req.Signature,
		ClientKey:   clientKey(req.ClientPublicKey),
		Client:      requestContext(c),
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newTokenResponse(pair))
}

// Refresh handles token refresh
func (h *AuthHandlers) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, core.ErrInvalidRequest)
		return
	}

	pair, err := h.authService.Refresh(c.Request.Context(), req.RefreshToken, requestContext(c))
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, newTokenResponse(pair))
}

// Logout revokes the session behind an access or refresh token. The token
// may come in the body or the Authorization header.
func (h *AuthHandlers) Logout(c *gin.Context) {
	var req struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refresh_token"`
	}
	_ = c.ShouldBindJSON(&req)

	token := req.Token
	if token == "" {
		token = req.RefreshToken
	}
	if token == "" {
		_, token = bearerToken(c)
	}

	if token != "" {
		if err := h.authService.Logout(c.Request.Context(), token); err != nil {
			abortWithError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// StepUp completes a pending step-up with a signed step-up challenge.
func (h *AuthHandlers) StepUp(c *gin.Context) {
	var req struct {
		ChallengeID     string          `json:"challenge_id" binding:"required"`
		Signature       string          `json:"signature" binding:"required"`
		ClientPublicKey json.RawMessage `json:"client_public_key"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, core.ErrInvalidRequest)
		return
	}

	p := mustPrincipal(c)
	st, err := h.authService.CompleteStepUp(c.Request.Context(), p, service.ConsumeRequest{
		ChallengeID: req.ChallengeID,
		Address:     p.Address.String(),
		Signature:   req.Signature,
		ClientKey:   clientKey(req.ClientPublicKey),
		Client:      requestContext(c),
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":          st.Status,
		"class":           st.Class.String(),
		"satisfied_until": st.SatisfiedTil,
	})
}

// Me returns information about the authenticated user
func (h *AuthHandlers) Me(c *gin.Context) {
	p := mustPrincipal(c)

	c.JSON(http.StatusOK, gin.H{
		"address":          p.Address.String(),
		"session_id":       p.SessionID,
		"dpop_bound":       p.DPoPJKT != "",
		"requires_step_up": p.RequiresStepUp,
		"expires_at":       p.ExpiresAt,
	})
}

// Authorize runs the step-up gate for an operation. It answers 428 with a
// fresh step-up challenge when the session must re-prove key ownership.
func (h *AuthHandlers) Authorize(c *gin.Context) {
	var req struct {
		Operation      string `json:"operation" binding:"required"`
		Amount         string `json:"amount"`
		Administrative bool   `json:"administrative"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, core.ErrInvalidRequest)
		return
	}

	op := core.Operation{Name: req.Operation, Administrative: req.Administrative}
	if req.Amount != "" {
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil || amount.IsNegative() {
			abortWithError(c, core.ErrInvalidRequest)
			return
		}
		op.Amount = decimal.NewNullDecimal(amount)
	}

	res, err := h.authService.Authorize(c.Request.Context(), mustPrincipal(c), op, requestContext(c))
	if err != nil {
		abortWithError(c, err)
		return
	}

	if !res.Satisfied {
		c.JSON(http.StatusPreconditionRequired, gin.H{
			"error":     "step_up_required",
			"class":     res.Class.String(),
			"challenge": newChallengeResponse(res.Challenge),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"authorized": true,
		"class":      res.Class.String(),
	})
}

// JWKS publishes the token signing key.
func (h *AuthHandlers) JWKS(c *gin.Context) {
	set, err := h.authService.JWKS()
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Header("Cache-Control", "public, max-age=300")
	c.JSON(http.StatusOK, set)
}

// requestContext captures the client information used by risk scoring.
// Geolocation is taken from headers set by the edge proxy.
func requestContext(c *gin.Context) core.RequestContext {
	rc := core.RequestContext{
		IP:                c.ClientIP(),
		UserAgent:         c.Request.UserAgent(),
		DeviceFingerprint: c.GetHeader("X-Device-Fingerprint"),
	}
	lat, errLat := strconv.ParseFloat(c.GetHeader("X-Geo-Lat"), 64)
	lon, errLon := strconv.ParseFloat(c.GetHeader("X-Geo-Lon"), 64)
	if errLat == nil && errLon == nil && lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180 {
		rc.Geo = &core.GeoPoint{Lat: lat, Lon: lon}
	}
	return rc
}

func clientKey(raw json.RawMessage) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
