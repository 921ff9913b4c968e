package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/playground/internal/auth"
	"github.com/loykin/playground/internal/store"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userResp struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type loginResp struct {
	Message   string    `json:"message"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	User      userResp  `json:"user"`
}

type messageResp struct {
	Message string `json:"message"`
}

type verifyResp struct {
	Valid    bool   `json:"valid"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type registerResp struct {
	Message string   `json:"message"`
	User    userResp `json:"user"`
}

// AuthAPI provides authentication-related HTTP endpoints
type AuthAPI struct {
	sessions Sessions
	limiter  *clientLimiter
}

// NewAuthAPI builds the auth endpoints. Login and register share rl.
func NewAuthAPI(s Sessions, rl RateLimit) *AuthAPI {
	api := &AuthAPI{sessions: s}
	if rl.enabled() {
		api.limiter = newClientLimiter(rl)
	}
	return api
}

// RegisterAuthEndpoints registers authentication endpoints to the router
func (api *AuthAPI) RegisterAuthEndpoints(r *gin.RouterGroup) {
	group := r.Group("/auth")
	{
		limited := []gin.HandlerFunc{}
		if api.limiter != nil {
			limited = append(limited, api.limiter.middleware())
		}
		group.POST("/register", append(limited, api.register)...)
		group.POST("/login", append(limited, api.login)...)
		group.POST("/logout", api.logout)
		group.GET("/verify", api.verify)
	}
}

func (api *AuthAPI) register(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleBindingError(c, err)
		return
	}
	u, err := api.sessions.Register(c.Request.Context(), req.Username, req.Password)
	var ve *auth.ValidationError
	switch {
	case errors.As(err, &ve):
		respondError(c, http.StatusBadRequest, "invalid_request", ve.Message)
		return
	case errors.Is(err, store.ErrUserExists):
		respondError(c, http.StatusConflict, "user_exists", "Username already exists")
		return
	case err != nil:
		respondError(c, http.StatusInternalServerError, "registration_failed", "Failed to register user")
		return
	}
	writeJSON(c, http.StatusCreated, registerResp{
		Message: "User registered successfully",
		User:    userResp{ID: u.ID, Username: u.Username},
	})
}

func (api *AuthAPI) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		handleBindingError(c, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", "Username and password are required")
		return
	}
	tok, u, err := api.sessions.Login(c.Request.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrUserInactive):
		respondError(c, http.StatusForbidden, "account_disabled", auth.Message(err))
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		respondError(c, http.StatusUnauthorized, "authentication_failed", auth.Message(err))
		return
	case err != nil:
		respondError(c, http.StatusInternalServerError, "login_failed", "Login failed")
		return
	}
	writeJSON(c, http.StatusOK, loginResp{
		Message:   "Login successful",
		Token:     tok.Value,
		ExpiresAt: tok.ExpiresAt,
		User:      userResp{ID: u.ID, Username: u.Username},
	})
}

// logout revokes the session of the bearer token. Unknown or expired
// sessions are already gone and still log out successfully.
func (api *AuthAPI) logout(c *gin.Context) {
	token := auth.BearerToken(c.Request)
	if token == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", "No token provided")
		return
	}
	if err := api.sessions.Revoke(c.Request.Context(), token); err != nil && !errors.Is(err, auth.ErrInvalidToken) {
		respondError(c, http.StatusInternalServerError, "logout_failed", "Logout failed")
		return
	}
	writeJSON(c, http.StatusOK, messageResp{Message: "Logout successful"})
}

func (api *AuthAPI) verify(c *gin.Context) {
	token := auth.BearerToken(c.Request)
	if token == "" {
		respondError(c, http.StatusUnauthorized, "authentication_failed", "No token provided")
		return
	}
	p, err := api.sessions.Authenticate(c.Request.Context(), token)
	if err != nil {
		respondError(c, http.StatusUnauthorized, "authentication_failed", auth.Message(err))
		return
	}
	writeJSON(c, http.StatusOK, verifyResp{Valid: true, UserID: p.UserID, Username: p.Username})
}
