package main

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/example/paygate/internal/engine"
	"github.com/example/paygate/internal/model"
)

// agentRateLimit is the fixed per-agent request budget.
const agentRateLimit = 120 // per minute

// managementPath reports whether the request is on the agent/policy
// management surface. Agent bootstrap stays open since the key only
// exists after it, as does the widget-facing policy check.
func managementPath(r *http.Request) bool {
	p := r.URL.Path
	if strings.HasPrefix(p, "/api/v1/agents") {
		return !(r.Method == http.MethodPost && p == "/api/v1/agents")
	}
	if strings.HasPrefix(p, "/api/v1/policy/") && p != "/api/v1/policy/check" {
		return true
	}
	return false
}

// AgentAuth middleware validates agent keys on the management surface.
// Elsewhere a presented key still attaches the agent to the context so
// rate limiting and logging can use it, but no key is required.
func (a *App) AgentAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Agent-Key")
		if key == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		required := managementPath(r)
		if key == "" {
			if required {
				writeEngineError(w, &engine.AgentNotAuthorizedError{Reason: "agent key required"})
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		agent := a.validateAgentKey(key)
		if agent == nil {
			if required {
				writeEngineError(w, &engine.AgentNotAuthorizedError{Reason: "invalid agent key"})
				return
			}
			// Bearer tokens on the storefront are session JWTs, not
			// agent keys; let the handlers sort them out.
			next.ServeHTTP(w, r)
			return
		}
		_ = a.Store.TouchAgent(agent.ID, time.Now().UTC())

		ctx := context.WithValue(r.Context(), "agent", agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validateAgentKey checks a presented key against stored hashes,
// narrowed by the key prefix index.
func (a *App) validateAgentKey(key string) *model.Agent {
	prefix := agentKeyPrefix(key)

	agents, err := a.Store.GetAgentsByKeyPrefix(prefix)
	if err != nil || len(agents) == 0 {
		return nil
	}

	for _, agent := range agents {
		if err := bcrypt.CompareHashAndPassword([]byte(agent.KeyHash), []byte(key)); err == nil {
			return agent
		}
	}

	return nil
}

// CORS middleware handles CORS headers. An authenticated agent's
// policy origins narrow what is allowed; anonymous traffic gets the
// permissive default so the payment widget can embed anywhere.
func (a *App) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var allowedOrigins []string
		if agent, ok := r.Context().Value("agent").(*model.Agent); ok && agent != nil {
			allowedOrigins = agent.Policy.AllowedOrigins
		}

		origin := r.Header.Get("Origin")
		if origin != "" {
			allowed := false
			for _, o := range allowedOrigins {
				if o == origin || o == "*" {
					allowed = true
					break
				}
			}
			if allowed || len(allowedOrigins) == 0 {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Agent-Key, X-Session-Token")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RateLimiter implements per-caller rate limiting. Authenticated
// agents are keyed by id, anonymous callers by remote address.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
	}
}

func (rl *RateLimiter) getLimiter(key string, limitPerMinute int) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		// Double-check after acquiring write lock
		limiter, exists = rl.limiters[key]
		if !exists {
			limiter = rate.NewLimiter(rate.Limit(limitPerMinute)/60, limitPerMinute)
			rl.limiters[key] = limiter
		}
		rl.mu.Unlock()
	}

	return limiter
}

// RateLimit middleware enforces per-caller request budgets. The
// limiter is set at App construction; mux re-enters this func per
// request, so it must not mutate App state.
func (a *App) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip rate limiting for health/ready endpoints
		if strings.HasPrefix(r.URL.Path, "/health") || strings.HasPrefix(r.URL.Path, "/ready") {
			next.ServeHTTP(w, r)
			return
		}

		key := "anon:" + remoteHost(r)
		if agent, ok := r.Context().Value("agent").(*model.Agent); ok && agent != nil {
			key = "agent:" + agent.ID
		}

		limiter := a.rateLimiter.getLimiter(key, agentRateLimit)
		if !limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func remoteHost(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndex(addr, ":"); i > 0 {
		return addr[:i]
	}
	return addr
}

// Logging middleware logs requests
func (a *App) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		caller := "anon"
		if agent, ok := r.Context().Value("agent").(*model.Agent); ok && agent != nil {
			caller = agent.KeyPrefix
		}

		log.Printf("[%s] %s %s %d %v (caller: %s)", r.Method, r.URL.Path, r.RemoteAddr, wrapped.statusCode, duration, caller)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// SecurityHeaders middleware adds security headers
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}
