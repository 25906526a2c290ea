package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLen is the shortest accepted HMAC secret.
const MinSecretLen = 32

var ErrWeakSecret = errors.New("jwt secret too short")

// Claims carried by engine bearer tokens. The registered subject claim is
// the ledger subject id.
type Claims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for subjectID valid for ttl.
func IssueToken(secret []byte, subjectID string, scopes []string, ttl time.Duration) (string, error) {
	if len(secret) < MinSecretLen {
		return "", ErrWeakSecret
	}
	now := time.Now()
	claims := &Claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken validates a token, pinned to HS256.
func ParseToken(secret []byte, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v (only HS256 allowed)", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// BearerMiddleware authenticates "Authorization: Bearer <jwt>" requests and
// binds the token subject and scopes to the context.
func BearerMiddleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bypass(r.URL.Path, true, true) {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			tokenStr, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenStr == "" {
				sendError(w, http.StatusUnauthorized, "Unauthorized: missing bearer token")
				return
			}

			claims, err := ParseToken(secret, tokenStr)
			if err != nil {
				sendError(w, http.StatusUnauthorized, "Unauthorized: invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), claims.Subject, claims.Scopes)))
		})
	}
}

// Middleware selects the auth mode: "gateway", "jwt" or "none".
func Middleware(mode string, secret []byte) (func(http.Handler) http.Handler, error) {
	switch mode {
	case "", "none":
		return func(next http.Handler) http.Handler { return next }, nil
	case "gateway":
		return GatewayMiddleware(DefaultGatewayConfig()), nil
	case "jwt":
		if len(secret) < MinSecretLen {
			return nil, ErrWeakSecret
		}
		return BearerMiddleware(secret), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
}
