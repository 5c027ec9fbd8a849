package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"spotify-remote/internal/auth"
)

// securityHeadersMiddleware adds basic security headers
func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// apiKeyMiddleware protects operator endpoints when API keys are configured
func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.apiKeys) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		if !auth.ValidAPIKey(extractAPIKey(r), s.apiKeys) {
			s.logSecurityEvent("auth_failed", r)
			s.errorHandler.WriteErrorResponse(w, r, ErrorCodeUnauthorized, "Authentication required")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractAPIKey reads X-API-Key, then a Bearer token, then the api_key query
// parameter browsers use for websocket upgrades
func extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimPrefix(authz, "Bearer ")
	}
	return r.URL.Query().Get("api_key")
}

// bearerToken returns the Bearer credential of r, if any
func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
}

// logSecurityEvent logs security-related events
func (s *Server) logSecurityEvent(event string, r *http.Request) {
	s.logger.WithFields(logrus.Fields{
		"event":      event,
		"client_ip":  getClientIP(r),
		"path":       r.URL.Path,
		"method":     r.Method,
		"user_agent": r.UserAgent(),
		"timestamp":  time.Now().Unix(),
	}).Warn("Security event")
}
