// Package auth authenticates operators. An operator exchanges the shared admin
// key for a short-lived HS256 token and presents it as a Bearer credential on
// every operator endpoint.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTTL      = 12 * time.Hour
	DefaultOperator = "admin"
	issuer          = "device-relay"
)

var (
	ErrInvalidAdminKey = errors.New("invalid admin key")
	ErrUnauthorized    = errors.New("unauthorized")
)

// HashAdminKey produces the bcrypt hash stored in configuration.
func HashAdminKey(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidAdminKey
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// RandomSecret returns a fresh 32-byte signing secret.
func RandomSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	return secret, nil
}

type Claims struct {
	jwt.RegisteredClaims
}

type Authenticator struct {
	adminKeyHash []byte
	secret       []byte
	ttl          time.Duration
	now          func() time.Time
	log          *slog.Logger
}

type Option func(*Authenticator)

func WithTTL(ttl time.Duration) Option {
	return func(a *Authenticator) {
		if ttl > 0 {
			a.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

func NewAuthenticator(adminKeyHash string, secret []byte, log *slog.Logger, opts ...Option) (*Authenticator, error) {
	if _, err := bcrypt.Cost([]byte(adminKeyHash)); err != nil {
		return nil, fmt.Errorf("admin key hash is not a bcrypt hash: %w", err)
	}
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes")
	}
	a := &Authenticator{
		adminKeyHash: []byte(adminKeyHash),
		secret:       secret,
		ttl:          DefaultTTL,
		now:          time.Now,
		log:          log,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Login checks the admin key and issues a token for operator.
func (a *Authenticator) Login(adminKey, operator string) (string, time.Time, error) {
	if err := bcrypt.CompareHashAndPassword(a.adminKeyHash, []byte(adminKey)); err != nil {
		return "", time.Time{}, ErrInvalidAdminKey
	}
	if operator == "" {
		operator = DefaultOperator
	}

	now := a.now()
	expiresAt := now.Add(a.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   operator,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a token, returning the operator name.
func (a *Authenticator) Verify(raw string) (string, error) {
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(token *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}

type operatorKey struct{}

// OperatorFrom returns the operator authenticated by Middleware.
func OperatorFrom(ctx context.Context) string {
	operator, _ := ctx.Value(operatorKey{}).(string)
	return operator
}

func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey{}, operator)
}

// Middleware rejects requests without a valid Bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		operator, err := a.Verify(raw)
		if err != nil {
			a.log.Debug("operator token rejected", "err", err)
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), operator)))
	})
}

type LoginRequest struct {
	AdminKey string `json:"adminKey"`
	Operator string `json:"operator,omitempty"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RegisterRoutes mounts the unauthenticated login endpoint.
func (a *Authenticator) RegisterRoutes(r chi.Router) {
	r.Post("/admin/login", a.handleLogin)
}

func (a *Authenticator) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, expiresAt, err := a.Login(req.AdminKey, req.Operator)
	if err != nil {
		a.log.Warn("operator login failed", "operator", req.Operator, "remoteAddr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "Invalid admin key")
		return
	}

	a.log.Info("operator logged in", "operator", req.Operator)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(LoginResponse{Token: token, ExpiresAt: expiresAt})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
