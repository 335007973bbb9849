package langtars

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const defaultTokenExpiry = 24 * time.Hour

type contextKey int

const userCtxKey contextKey = 0

// AuthUser is the caller of a control API request.
type AuthUser struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

var localUser = &AuthUser{Username: "local", Role: "admin"}

// Auth issues and checks HS256 tokens for the accounts in the config
// file. An Auth with no secret is disabled: every request runs as the
// local admin.
type Auth struct {
	secret []byte
	expiry time.Duration
	users  map[string]UserEntry
	now    func() time.Time
}

// NewAuth creates an authenticator. secret may be empty.
func NewAuth(secret string, users map[string]UserEntry) *Auth {
	return &Auth{
		secret: []byte(secret),
		expiry: defaultTokenExpiry,
		users:  users,
		now:    time.Now,
	}
}

// Enabled reports whether requests need a token.
func (a *Auth) Enabled() bool { return a != nil && len(a.secret) > 0 }

// VerifyPassword checks a username and password against the bcrypt
// hashes in the config.
func (a *Auth) VerifyPassword(username, password string) (*AuthUser, error) {
	entry, ok := a.users[username]
	if !ok {
		return nil, fmt.Errorf("user not found")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(entry.PasswordHash), []byte(password)); err != nil {
		return nil, fmt.Errorf("invalid password")
	}
	role := entry.Role
	if role == "" {
		role = "user"
	}
	return &AuthUser{Username: username, Role: role}, nil
}

// GenerateToken creates a signed JWT for the given user.
func (a *Auth) GenerateToken(user *AuthUser) (string, error) {
	now := a.now()
	claims := jwt.MapClaims{
		"sub":  user.Username,
		"role": user.Role,
		"iat":  now.Unix(),
		"exp":  now.Add(a.expiry).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken parses and validates a JWT.
func (a *Auth) ValidateToken(tokenStr string) (*AuthUser, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	username, _ := claims["sub"].(string)
	if username == "" {
		return nil, errors.New("missing sub claim")
	}
	if _, exists := a.users[username]; !exists {
		return nil, fmt.Errorf("user %q no longer exists", username)
	}
	role, _ := claims["role"].(string)
	return &AuthUser{Username: username, Role: role}, nil
}

// HashPassword returns a bcrypt hash for the users section.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// userFromContext returns the AuthUser from the request context.
func userFromContext(ctx context.Context) *AuthUser {
	u, _ := ctx.Value(userCtxKey).(*AuthUser)
	return u
}

// ResolveUser returns the username from the request context.
// Falls back to "local" when no auth user is present.
func ResolveUser(r *http.Request) string {
	if u := userFromContext(r.Context()); u != nil {
		return u.Username
	}
	return localUser.Username
}

// ResolveRole returns the role from the request context.
// Falls back to "admin" when no auth user is present (local mode).
func ResolveRole(r *http.Request) string {
	if u := userFromContext(r.Context()); u != nil {
		return u.Role
	}
	return localUser.Role
}

// extractBearerToken reads the Authorization header, or the token query
// parameter that browsers use for WebSocket and EventSource requests.
func extractBearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return r.URL.Query().Get("token")
}

// authMiddleware validates Bearer tokens. When auth is disabled all
// requests pass through as the local admin.
func authMiddleware(a *Auth, next http.Handler) http.Handler {
	if !a.Enabled() {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), userCtxKey, localUser)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractBearerToken(r)
		if tokenStr == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
			return
		}
		user, err := a.ValidateToken(tokenStr)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), userCtxKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// handleLogin exchanges a username and password for a token.
func (a *Auth) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.Enabled() {
		writeJSONError(w, http.StatusNotImplemented, "auth is disabled")
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	user, err := a.VerifyPassword(req.Username, req.Password)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	token, err := a.GenerateToken(user)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to sign token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(a.expiry.Seconds()),
		"user":         user,
	})
}
