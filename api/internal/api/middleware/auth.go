package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/irgordon/proxyctl/api/internal/core/domain"
	"github.com/irgordon/proxyctl/api/internal/core/services"
)

type contextKey string

const ClaimsKey contextKey = "control_claims"

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	mu       sync.Mutex
}

// AuthMiddleware guards the control API. With no token service configured
// every request is allowed through (loopback-only deployments).
type AuthMiddleware struct {
	Tokens *services.TokenService
	Logger *slog.Logger

	limit    rate.Limit
	burst    int
	visitors sync.Map // 🛡️ Thread-safe Map for concurrent clients
}

func NewAuthMiddleware(tokens *services.TokenService, ratePerSecond float64, burst int, logger *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		Tokens: tokens,
		Logger: logger,
		limit:  rate.Limit(ratePerSecond),
		burst:  burst,
	}
}

// ==============================================================================
// 1. Identity
// ==============================================================================

func (m *AuthMiddleware) RequireAuthentication(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Tokens == nil {
			next.ServeHTTP(w, r)
			return
		}

		tokenString := extractToken(r)
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, domain.KindUnauthorized, "Unauthorized")
			return
		}

		claims, err := m.Tokens.Verify(tokenString)
		if err != nil {
			m.Logger.Warn("Rejected control token", slog.String("remote", r.RemoteAddr), slog.String("error", err.Error()))
			writeError(w, http.StatusUnauthorized, domain.KindUnauthorized, "Invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ==============================================================================
// 2. DoS Protection
// ==============================================================================

func (m *AuthMiddleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		// RealIP has already rewritten RemoteAddr.
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}

		v, _ := m.visitors.LoadOrStore(ip, &visitor{
			limiter:  rate.NewLimiter(m.limit, m.burst),
			lastSeen: time.Now(),
		})
		vis := v.(*visitor)
		vis.mu.Lock()
		vis.lastSeen = time.Now()
		vis.mu.Unlock()

		if !vis.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, domain.KindRateLimited, "Rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// CleanupVisitors evicts idle limiter entries until ctx is done.
func (m *AuthMiddleware) CleanupVisitors(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.visitors.Range(func(key, value interface{}) bool {
				vis := value.(*visitor)
				vis.mu.Lock()
				idle := time.Since(vis.lastSeen) > 3*time.Minute
				vis.mu.Unlock()
				if idle {
					m.visitors.Delete(key)
				}
				return true
			})
		}
	}
}

func extractToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	// Browsers cannot set headers on WebSocket and EventSource requests.
	if r.Method == http.MethodGet {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, kind domain.ErrorKind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "error",
		"kind":    string(kind),
		"message": message,
	})
}
