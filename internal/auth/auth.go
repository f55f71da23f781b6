// Package auth guards the HTTP surfaces: JWT bearer tokens with roles for the
// API and static API keys for device ingestion.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"golang.org/x/crypto/bcrypt"
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"

	issuer       = "iiot-gateway"
	headerAPIKey = "X-API-Key"
)

var ErrInvalidCredentials = errors.New("invalid username or password")

// Config holds authentication configuration
type Config struct {
	Disabled      bool     `mapstructure:"disabled"`
	JWTSecret     string   `mapstructure:"jwt_secret"`
	JWTExpiration int      `mapstructure:"jwt_expiration"` // in minutes
	APIKeys       []string `mapstructure:"api_keys"`
	Users         []User   `mapstructure:"users"`
}

type User struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         Role   `mapstructure:"role"`
}

// Claims represents JWT claims
type Claims struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
	jwt.StandardClaims
}

// Identity is the authenticated caller attached to a request context.
type Identity struct {
	Username string
	Role     Role
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// Manager handles authentication and authorization
type Manager struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.JWTExpiration <= 0 {
		cfg.JWTExpiration = 60
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, now: time.Now, logger: logger.With("component", "auth")}
}

// GenerateJWT signs a token for username and returns it with its expiry.
func (m *Manager) GenerateJWT(username string, role Role) (string, time.Time, error) {
	now := m.now()
	expires := now.Add(time.Duration(m.cfg.JWTExpiration) * time.Minute)
	claims := &Claims{
		Username: username,
		Role:     role,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: expires.Unix(),
			IssuedAt:  now.Unix(),
			Issuer:    issuer,
			Subject:   username,
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expires, nil
}

// ValidateJWT parses the token and checks signature and expiry.
func (m *Manager) ValidateJWT(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// ValidateAPIKey checks if the provided API key is valid
func (m *Manager) ValidateAPIKey(apiKey string) bool {
	for _, valid := range m.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(valid)) == 1 {
			return true
		}
	}
	return false
}

// Authenticate checks a username and password against the configured users.
// Unknown users and wrong passwords fail the same way.
func (m *Manager) Authenticate(username, password string) (User, error) {
	for _, u := range m.cfg.Users {
		if u.Username != username {
			continue
		}
		if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
			return User{}, ErrInvalidCredentials
		}
		return u, nil
	}
	return User{}, ErrInvalidCredentials
}

// Login authenticates and issues a token.
func (m *Manager) Login(username, password string) (string, time.Time, User, error) {
	u, err := m.Authenticate(username, password)
	if err != nil {
		m.logger.Warn("login failed", "username", username)
		return "", time.Time{}, User{}, err
	}
	token, expires, err := m.GenerateJWT(u.Username, u.Role)
	if err != nil {
		return "", time.Time{}, User{}, err
	}
	m.logger.Info("login", "username", u.Username, "role", u.Role)
	return token, expires, u, nil
}

// HashPassword creates a bcrypt hash for a users entry in config.yaml.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(b), err
}

// JWTMiddleware requires a valid bearer token and stores the caller's
// Identity in the request context. With auth disabled every caller is an
// anonymous admin.
func (m *Manager) JWTMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.cfg.Disabled {
			ctx := WithIdentity(r.Context(), Identity{Username: "anonymous", Role: RoleAdmin})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			deny(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			deny(w, http.StatusUnauthorized, "Invalid authorization format")
			return
		}
		claims, err := m.ValidateJWT(strings.TrimSpace(token))
		if err != nil {
			deny(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := WithIdentity(r.Context(), Identity{Username: claims.Username, Role: claims.Role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRoles lets through only callers whose role is listed. It must run
// after JWTMiddleware.
func RequireRoles(roles ...Role) func(http.Handler) http.Handler {
	allowed := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			if !ok {
				deny(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if _, ok := allowed[id.Role]; !ok {
				deny(w, http.StatusForbidden, fmt.Sprintf("role %q may not perform this action", id.Role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// APIKeyMiddleware requires a known X-API-Key header.
func (m *Manager) APIKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.cfg.Disabled {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get(headerAPIKey)
		if key == "" {
			deny(w, http.StatusUnauthorized, "API key required")
			return
		}
		if !m.ValidateAPIKey(key) {
			deny(w, http.StatusUnauthorized, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func deny(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_")),
		"message": msg,
	})
}
