package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey string

const (
	SubjectIDKey contextKey = "subject_id"
	ScopesKey    contextKey = "scopes"
)

// ScopeAdmin grants access to every subject's ledger.
const ScopeAdmin = "admin"

// GatewayConfig configures trust in identity headers set by an upstream
// gateway that already verified the caller's token.
type GatewayConfig struct {
	Enabled          bool
	RequireVerified  bool   // Require X-Auth-Verified header
	SubjectIDHeader  string // Default: "X-Subject-ID"
	ScopesHeader     string // Default: "X-Scopes"
	VerifiedHeader   string // Default: "X-Auth-Verified"
	BypassForHealth  bool
	BypassForMetrics bool
}

// DefaultGatewayConfig returns production defaults
func DefaultGatewayConfig() *GatewayConfig {
	return &GatewayConfig{
		Enabled:          true,
		RequireVerified:  true,
		SubjectIDHeader:  "X-Subject-ID",
		ScopesHeader:     "X-Scopes",
		VerifiedHeader:   "X-Auth-Verified",
		BypassForHealth:  true,
		BypassForMetrics: true,
	}
}

// GatewayMiddleware binds the gateway-asserted subject and scopes to the
// request context.
func GatewayMiddleware(config *GatewayConfig) func(http.Handler) http.Handler {
	if config == nil {
		config = DefaultGatewayConfig()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !config.Enabled || bypass(r.URL.Path, config.BypassForHealth, config.BypassForMetrics) {
				next.ServeHTTP(w, r)
				return
			}

			if config.RequireVerified && r.Header.Get(config.VerifiedHeader) != "true" {
				sendError(w, http.StatusUnauthorized, "Unauthorized: verification required at gateway")
				return
			}

			subjectID := r.Header.Get(config.SubjectIDHeader)
			if subjectID == "" {
				sendError(w, http.StatusUnauthorized, "Unauthorized: missing subject id")
				return
			}

			scopes := parseScopes(r.Header.Get(config.ScopesHeader))
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), subjectID, scopes)))
		})
	}
}

func bypass(path string, health, metrics bool) bool {
	return (health && path == "/health") || (metrics && path == "/metrics")
}

// parseScopes accepts a JSON array or a comma-separated list.
func parseScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	var scopes []string
	if err := json.Unmarshal([]byte(raw), &scopes); err == nil {
		return scopes
	}
	scopes = strings.Split(raw, ",")
	for i := range scopes {
		scopes[i] = strings.TrimSpace(scopes[i])
	}
	return scopes
}

// WithIdentity returns ctx carrying the caller identity.
func WithIdentity(ctx context.Context, subjectID string, scopes []string) context.Context {
	ctx = context.WithValue(ctx, SubjectIDKey, subjectID)
	if len(scopes) > 0 {
		ctx = context.WithValue(ctx, ScopesKey, scopes)
	}
	return ctx
}

// GetSubjectID extracts the caller's subject id.
func GetSubjectID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(SubjectIDKey).(string)
	return id, ok
}

// GetScopes extracts scopes from request context
func GetScopes(ctx context.Context) ([]string, bool) {
	scopes, ok := ctx.Value(ScopesKey).([]string)
	return scopes, ok
}

// RequireScope checks if request has required scope
func RequireScope(ctx context.Context, requiredScope string) bool {
	scopes, ok := GetScopes(ctx)
	if !ok {
		return false
	}
	for _, scope := range scopes {
		if scope == requiredScope {
			return true
		}
	}
	return false
}

// CanAccess reports whether the caller may act on subjectID. A context
// without identity (auth disabled) is allowed.
func CanAccess(ctx context.Context, subjectID string) bool {
	caller, ok := GetSubjectID(ctx)
	if !ok {
		return true
	}
	return caller == subjectID || RequireScope(ctx, ScopeAdmin)
}

// IsAdmin reports whether the caller holds the admin scope. A context
// without identity (auth disabled) is allowed.
func IsAdmin(ctx context.Context) bool {
	if _, ok := GetSubjectID(ctx); !ok {
		return true
	}
	return RequireScope(ctx, ScopeAdmin)
}

func sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   true,
		"status":  statusCode,
		"message": message,
	})
}
