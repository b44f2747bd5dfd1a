package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/render"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"licensegate.app/cloud/internal/logger"
)

const tokenTTL = 24 * time.Hour

type contextKey string

const adminKey contextKey = "admin"

// Auth issues and checks HS256 tokens for the single configured administrator.
type Auth struct {
	secret       []byte
	username     string
	passwordHash []byte
	ttl          time.Duration
	now          func() time.Time
}

func NewAuth(secret, username, passwordHash string) *Auth {
	return &Auth{
		secret:       []byte(secret),
		username:     username,
		passwordHash: []byte(passwordHash),
		ttl:          tokenTTL,
		now:          time.Now,
	}
}

type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (req *LoginRequest) Bind(r *http.Request) error {
	req.Username = strings.TrimSpace(req.Username)
	return nil
}

type LoginResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
}

func (a *Auth) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := render.Bind(r, &req); err != nil || req.Username == "" || req.Password == "" {
		writeAdminError(w, r, http.StatusBadRequest, "username and password are required")
		return
	}

	if !a.checkCredentials(req.Username, req.Password) {
		logger.Warn("Admin login failed", map[string]interface{}{
			"username": req.Username,
			"ip":       clientIP(r),
		})
		writeAdminError(w, r, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	token, err := a.Sign(req.Username)
	if err != nil {
		reportError(r, err)
		writeAdminError(w, r, http.StatusInternalServerError, "Internal server error")
		return
	}

	logger.Info("Admin logged in", map[string]interface{}{
		"username": req.Username,
		"ip":       clientIP(r),
	})
	render.JSON(w, r, LoginResponse{Success: true, Token: token})
}

func (a *Auth) checkCredentials(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	// bcrypt runs even for an unknown username.
	passErr := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password))
	return userOK && passErr == nil
}

// Sign returns a token for username valid for 24 hours.
func (a *Auth) Sign(username string) (string, error) {
	now := a.now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Parse validates a token and returns its claims.
func (a *Auth) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			writeAdminError(w, r, http.StatusUnauthorized, "Missing bearer token")
			return
		}

		claims, err := a.Parse(tokenStr)
		if err != nil {
			writeAdminError(w, r, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), adminKey, claims.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminFromContext returns the authenticated admin username.
func AdminFromContext(ctx context.Context) string {
	name, _ := ctx.Value(adminKey).(string)
	return name
}
