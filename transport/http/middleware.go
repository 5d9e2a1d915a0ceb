package http

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/walletauth/core"
	"github.com/layer-3/walletauth/service"
)

const principalKey = "principal"

// AuthMiddleware validates the access token and, for DPoP-bound sessions,
// the per-request proof.
func AuthMiddleware(authService *service.AuthService, proxies trustedProxies) gin.HandlerFunc {
	return func(c *gin.Context) {
		scheme, token := bearerToken(c)
		if token == "" {
			abortWithError(c, core.ErrInvalidToken)
			return
		}

		proof := c.GetHeader("DPoP")
		if scheme == "DPoP" && proof == "" {
			abortWithError(c, core.ErrDPoPMissing)
			return
		}

		p, err := authService.AuthenticateRequest(c.Request.Context(), service.DPoPRequest{
			AccessToken: token,
			Proof:       proof,
			Method:      c.Request.Method,
			URL:         requestURL(c, proxies),
			Client:      requestContext(c),
		})
		if err != nil {
			abortWithError(c, err)
			return
		}

		c.Set(principalKey, p)
		c.Next()
	}
}

// bearerToken splits an "Authorization: Bearer|DPoP <token>" header.
func bearerToken(c *gin.Context) (string, string) {
	scheme, token, ok := strings.Cut(c.GetHeader("Authorization"), " ")
	if !ok {
		return "", ""
	}
	switch {
	case strings.EqualFold(scheme, "Bearer"):
		return "Bearer", strings.TrimSpace(token)
	case strings.EqualFold(scheme, "DPoP"):
		return "DPoP", strings.TrimSpace(token)
	}
	return "", ""
}

// requestURL reconstructs the absolute URL the client addressed. Forwarded
// scheme and host are honoured only when the peer is a trusted proxy.
func requestURL(c *gin.Context, proxies trustedProxies) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	host := c.Request.Host
	if proxies.trusts(c) {
		if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		if fwd := c.GetHeader("X-Forwarded-Host"); fwd != "" {
			host = fwd
		}
	}
	return scheme + "://" + host + c.Request.URL.Path
}

func mustPrincipal(c *gin.Context) *core.Principal {
	return c.MustGet(principalKey).(*core.Principal)
}
