package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/beaconevents/beacon/internal/atproto"
	"github.com/beaconevents/beacon/internal/infra/config"
	"github.com/beaconevents/beacon/internal/infra/security"
	"github.com/beaconevents/beacon/internal/transport/http/middleware"
	"github.com/beaconevents/beacon/internal/usecase"
)

const metadataCacheControl = "public, max-age=3600"

// OAuthHandler drives the authorization flow and serves the client's
// published documents: the client metadata and the assertion-key JWKS.
type OAuthHandler struct {
	auth       *usecase.AuthService
	cfg        config.OAuthSettings
	signingKey *security.Key
}

// NewOAuthHandler constructs an OAuth handler.
func NewOAuthHandler(auth *usecase.AuthService, cfg config.OAuthSettings, signingKey *security.Key) *OAuthHandler {
	return &OAuthHandler{auth: auth, cfg: cfg, signingKey: signingKey}
}

// RegisterRoutes wires the OAuth endpoints onto the router.
func (h *OAuthHandler) RegisterRoutes(r gin.IRouter) {
	group := r.Group("/oauth")
	group.POST("/login", h.Login)
	group.GET("/callback", h.Callback)
	group.POST("/logout", h.Logout)
	group.GET("/client-metadata.json", h.ClientMetadata)
	group.GET("/jwks.json", h.JWKS)
}

// Login resolves the subject, pushes an authorization request to its server,
// and returns the URL the user agent continues at.
func (h *OAuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "subject is required"))
		return
	}

	authorizeURL, err := h.auth.StartAuthorization(c.Request.Context(), req.Subject, req.Destination)
	if err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrResolutionFailed, Status: http.StatusNotFound, Message: "could not resolve subject"},
			{Err: usecase.ErrSubjectBlocked, Status: http.StatusForbidden, Message: "subject is blocked"},
			{Err: atproto.ErrUnsupportedAuthServer, Status: http.StatusBadGateway, Message: "authorization server unsupported"},
			{Err: atproto.ErrUpstream, Status: http.StatusBadGateway, Message: "authorization server unavailable"},
		}, http.StatusInternalServerError, "failed to start authorization")
		return
	}

	c.JSON(http.StatusOK, LoginResponse{AuthorizeURL: authorizeURL})
}

// Callback consumes the authorization server's redirect, exchanges the code,
// and returns the established session.
func (h *OAuthHandler) Callback(c *gin.Context) {
	if oauthErr := c.Query("error"); oauthErr != "" {
		message := oauthErr
		if desc := c.Query("error_description"); desc != "" {
			message = message + ": " + desc
		}
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, message))
		return
	}

	state := c.Query("state")
	code := c.Query("code")
	issuer := c.Query("iss")
	if state == "" || code == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "state and code are required"))
		return
	}

	session, destination, err := h.auth.HandleCallback(c.Request.Context(), state, code, issuer)
	if err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrInvalidState, Status: http.StatusBadRequest, Message: "unknown or mismatched authorization state"},
			{Err: usecase.ErrRequestExpired, Status: http.StatusBadRequest, Message: "authorization request expired"},
			{Err: atproto.ErrTokenRejected, Status: http.StatusBadRequest, Message: "authorization code rejected"},
			{Err: atproto.ErrUpstream, Status: http.StatusBadGateway, Message: "authorization server unavailable"},
		}, http.StatusInternalServerError, "failed to complete authorization")
		return
	}

	c.JSON(http.StatusOK, CallbackResponse{
		Session:     newSessionPayload(*session),
		Destination: destination,
	})
}

// Logout tears the bearer session down. Unknown sessions are a no-op.
func (h *OAuthHandler) Logout(c *gin.Context) {
	group := bearerToken(c)
	if group == "" {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "missing session identifier"))
		return
	}

	if err := h.auth.Logout(c.Request.Context(), group); err != nil {
		c.JSON(http.StatusInternalServerError, NewErrorResponse(c, "failed to log out"))
		return
	}

	c.JSON(http.StatusOK, MessageResponse{Message: "logged out"})
}

// Session returns the caller's live session, post-refresh when one was due.
func (h *OAuthHandler) Session(c *gin.Context) {
	session, ok := middleware.GetSession(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, "session required"))
		return
	}

	c.JSON(http.StatusOK, newSessionPayload(*session))
}

// ClientMetadata serves the OAuth client metadata document the client_id
// points at.
func (h *OAuthHandler) ClientMetadata(c *gin.Context) {
	jwksURI := strings.TrimSuffix(h.cfg.ClientID, "/client-metadata.json") + "/jwks.json"

	c.Header("Cache-Control", metadataCacheControl)
	c.JSON(http.StatusOK, gin.H{
		"client_id":                       h.cfg.ClientID,
		"client_name":                     "Beacon",
		"application_type":                "web",
		"grant_types":                     []string{"authorization_code", "refresh_token"},
		"response_types":                  []string{"code"},
		"redirect_uris":                   []string{h.cfg.RedirectURI},
		"scope":                           atproto.OAuthScope,
		"dpop_bound_access_tokens":        true,
		"token_endpoint_auth_method":      "private_key_jwt",
		"token_endpoint_auth_signing_alg": "ES256",
		"jwks_uri":                        jwksURI,
	})
}

// JWKS serves the public half of the client-assertion key.
func (h *OAuthHandler) JWKS(c *gin.Context) {
	if h.signingKey == nil {
		c.JSON(http.StatusServiceUnavailable, NewErrorResponse(c, "jwks not available"))
		return
	}

	key := h.signingKey.PublicJWK()
	key["kid"] = h.signingKey.ID
	key["use"] = "sig"
	key["alg"] = "ES256"

	c.Header("Cache-Control", metadataCacheControl)
	c.JSON(http.StatusOK, gin.H{"keys": []map[string]any{key}})
}

// bearerToken extracts the bearer credential from the Authorization header.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
