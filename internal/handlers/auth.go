package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nizigama/trading-platform-be/internal/rate"
	"github.com/nizigama/trading-platform-be/internal/security"
	"github.com/nizigama/trading-platform-be/internal/storage"
	"github.com/nizigama/trading-platform-be/internal/validation"
	"github.com/nizigama/trading-platform-be/libs/auth"
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type UserStore interface {
	CreateUser(ctx context.Context, email, passwordHash string) (int64, error)
	GetUserByEmail(ctx context.Context, email string) (storage.User, error)
}

type AuthHandler struct {
	Store       UserStore
	Logger      *slog.Logger
	JWTSecret   []byte
	AccessTTL   time.Duration
	RateLimiter rate.Limiter
	Clock       Clock
	Issuer      string
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func NewAuthHandler(store UserStore, logger *slog.Logger, jwtSecret string, accessTTL time.Duration, limiter rate.Limiter, issuer string) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		Store:       store,
		Logger:      logger,
		JWTSecret:   []byte(jwtSecret),
		AccessTTL:   accessTTL,
		RateLimiter: limiter,
		Clock:       systemClock{},
		Issuer:      issuer,
	}
}

func (h *AuthHandler) Register(r *gin.Engine) {
	r.POST("/auth/register", h.RegisterUser)
	r.POST("/auth/login", h.Login)
}

func (h *AuthHandler) RegisterUser(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}

	if !h.allow(c) {
		return
	}

	errs := validation.ValidateRegisterRequest(req.Email, req.Password)
	if len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", errs)
		return
	}

	hash, err := security.HashPassword(req.Password, security.DefaultArgon2Params())
	if err != nil {
		h.Logger.Error("hash password failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	userID, err := h.Store.CreateUser(c.Request.Context(), email, hash)
	if err != nil {
		if errors.Is(err, storage.ErrEmailExists) {
			writeError(c, http.StatusConflict, "EMAIL_EXISTS", "email already registered", nil)
			return
		}
		h.Logger.Error("create user failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	h.issueToken(c, userID, http.StatusCreated)
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}

	if !h.allow(c) {
		return
	}

	user, err := h.Store.GetUserByEmail(c.Request.Context(), strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials", nil)
			return
		}
		h.Logger.Error("login lookup failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	ok, err := security.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil || !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials", nil)
		return
	}

	h.issueToken(c, user.ID, http.StatusOK)
}

func (h *AuthHandler) allow(c *gin.Context) bool {
	if h.RateLimiter == nil {
		return true
	}
	allowed, retryAfter, err := h.RateLimiter.Allow(c.Request.Context(), c.ClientIP(), h.Clock.Now())
	if err != nil {
		h.Logger.Error("rate limiter failed", "error", err)
		return true
	}
	if !allowed {
		c.Header("Retry-After", retryAfter.Truncate(time.Second).String())
		writeError(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
		return false
	}
	return true
}

func (h *AuthHandler) issueToken(c *gin.Context, userID int64, status int) {
	token, err := auth.NewAccessToken(userID, []string{"trader"}, h.JWTSecret, h.AccessTTL, h.Clock.Now(), h.Issuer)
	if err != nil {
		h.Logger.Error("issue token failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}
	c.JSON(status, authResponse{
		AccessToken: token,
		ExpiresIn:   int64(h.AccessTTL.Seconds()),
	})
}
