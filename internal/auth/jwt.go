// Package auth provides authentication and authorization utilities
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/brandon/cotex-billing/internal/logger"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"
)

// Define the context key for user claims
type contextKey string

const UserContextKey contextKey = "user"

var (
	// ErrNoAuthHeader is returned when no Authorization header is present
	ErrNoAuthHeader = errors.New("no authorization header present")
	// ErrInvalidAuthHeader is returned when Authorization header is malformed
	ErrInvalidAuthHeader = errors.New("invalid authorization header format")
	// ErrInvalidToken is returned when JWT token validation fails
	ErrInvalidToken = errors.New("invalid token")
)

// Authenticator handles JWT validation from Supabase
type Authenticator struct {
	jwksURL   string
	jwtSecret string
	cacheTTL  time.Duration

	mu        sync.RWMutex
	keySet    jwk.Set
	lastFetch time.Time

	log zerolog.Logger
}

// UserClaims represents user information from the JWT token
type UserClaims struct {
	UserID    string `json:"sub"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	ExpiresAt int64  `json:"exp"`
}

// NewAuthenticator creates a new Authenticator instance. With an empty
// supabaseURL only HS256 tokens signed with jwtSecret are accepted.
func NewAuthenticator(supabaseURL, jwtSecret string) *Authenticator {
	a := &Authenticator{
		jwtSecret: jwtSecret,
		cacheTTL:  12 * time.Hour,
		log:       logger.Logger(map[string]interface{}{"component": "authenticator"}),
	}
	if supabaseURL == "" {
		return a
	}

	a.jwksURL = strings.TrimRight(supabaseURL, "/") + "/auth/v1/.well-known/jwks.json"
	if err := a.refreshKeys(context.Background()); err != nil {
		a.log.Warn().Err(err).Msg("Failed to fetch initial JWKS")
	} else {
		a.log.Info().Int("keys", a.keyCount()).Msg("Initial JWKS fetched successfully")
	}
	return a
}

// refreshKeys fetches the latest JWKS from Supabase
func (a *Authenticator) refreshKeys(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	set, err := jwk.Fetch(ctx, a.jwksURL)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.keySet = set
	a.lastFetch = time.Now()
	a.mu.Unlock()

	a.log.Debug().Int("keys", set.Len()).Msg("JWKS refreshed successfully")
	return nil
}

func (a *Authenticator) keys(ctx context.Context) jwk.Set {
	if a.jwksURL == "" {
		return nil
	}

	a.mu.RLock()
	stale := time.Since(a.lastFetch) > a.cacheTTL
	a.mu.RUnlock()
	if stale {
		if err := a.refreshKeys(ctx); err != nil {
			a.log.Warn().Err(err).Msg("Failed to refresh JWKS, continuing with existing keys")
		}
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.keySet
}

func (a *Authenticator) keyCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.keySet == nil {
		return 0
	}
	return a.keySet.Len()
}

// ExtractToken gets the token from the Authorization header
func ExtractToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrNoAuthHeader
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", ErrInvalidAuthHeader
	}

	return parts[1], nil
}

// ValidateToken validates a JWT with SUPABASE_JWT_SECRET (HS256) first, then the JWKS
func (a *Authenticator) ValidateToken(ctx context.Context, tokenString string) (*UserClaims, error) {
	// Accept small clock skew to avoid strict iat/nbf issues
	const skew = 5 * time.Minute

	if a.jwtSecret != "" {
		token, err := jwt.Parse(
			[]byte(tokenString),
			jwt.WithKey(jwa.HS256, []byte(a.jwtSecret)),
			jwt.WithValidate(true),
			jwt.WithAcceptableSkew(skew),
		)
		if err == nil {
			return extractClaims(token)
		}
		a.log.Debug().Err(err).Msg("HS256 validation failed; will try JWKS if available")
	}

	if set := a.keys(ctx); set != nil && set.Len() > 0 {
		token, err := jwt.Parse(
			[]byte(tokenString),
			jwt.WithKeySet(set),
			jwt.WithValidate(true),
			jwt.WithAcceptableSkew(skew),
		)
		if err == nil {
			return extractClaims(token)
		}
		a.log.Debug().Err(err).Msg("JWKS validation failed")
	}

	return nil, fmt.Errorf("%w: token validation failed with both HS256 and JWKS", ErrInvalidToken)
}

// extractClaims builds UserClaims from a validated token
func extractClaims(token jwt.Token) (*UserClaims, error) {
	if token.Subject() == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	claims := &UserClaims{UserID: token.Subject()}

	if email, ok := token.Get("email"); ok {
		if s, ok := email.(string); ok {
			claims.Email = s
		}
	}
	if role, ok := token.Get("role"); ok {
		if s, ok := role.(string); ok {
			claims.Role = s
		}
	}
	if exp := token.Expiration(); !exp.IsZero() {
		claims.ExpiresAt = exp.Unix()
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return a.middleware(next, true)
}

// OptionalMiddleware validates a bearer token when one is sent. Requests
// without an Authorization header pass through unauthenticated.
func (a *Authenticator) OptionalMiddleware(next http.Handler) http.Handler {
	return a.middleware(next, false)
}

func (a *Authenticator) middleware(next http.Handler, required bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := ExtractToken(r)
		if errors.Is(err, ErrNoAuthHeader) && !required {
			next.ServeHTTP(w, r)
			return
		}
		if err != nil {
			a.log.Warn().
				Err(err).
				Str("path", r.URL.Path).
				Msg("Authentication failed: no token")
			writeUnauthorized(w, "Unauthorized")
			return
		}

		claims, err := a.ValidateToken(r.Context(), token)
		if err != nil {
			a.log.Warn().
				Err(err).
				Str("path", r.URL.Path).
				Msg("Authentication failed: invalid token")
			writeUnauthorized(w, "Invalid token")
			return
		}

		a.log.Debug().
			Str("user_id", claims.UserID).
			Str("path", r.URL.Path).
			Msg("User authenticated")
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), claims)))
	})
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, "{\"error\":%q}\n", msg)
}

// WithUser stores claims in ctx
func WithUser(ctx context.Context, claims *UserClaims) context.Context {
	return context.WithValue(ctx, UserContextKey, claims)
}

// GetUserFromContext extracts user claims from the request context
func GetUserFromContext(ctx context.Context) (*UserClaims, bool) {
	user, ok := ctx.Value(UserContextKey).(*UserClaims)
	return user, ok
}
