package server

import (
	"net/http"
	"strings"
)

// baseHeaders are set on every response.
var baseHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"X-XSS-Protection", "1; mode=block"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
}

const apiCSP = "default-src 'none'; frame-ancestors 'none'"

// withCORS answers preflight requests itself and decorates every other
// response with origin and hardening headers before handing it to next.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		if origin := r.Header.Get("Origin"); origin != "" {
			s.setOriginHeaders(h, origin)
		}
		for _, kv := range baseHeaders {
			h.Set(kv[0], kv[1])
		}
		if isAPIEndpoint(r.URL.Path) {
			h.Set("Content-Security-Policy", apiCSP)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) setOriginHeaders(h http.Header, origin string) {
	allowed := s.matchOrigin(origin)
	if allowed == "" {
		return
	}
	h.Set("Access-Control-Allow-Origin", allowed)
	h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
	if allowed != "*" {
		// Credentials are only allowed with an echoed origin.
		h.Set("Vary", "Origin")
		h.Set("Access-Control-Allow-Credentials", "true")
	}
}

// matchOrigin returns the value for Access-Control-Allow-Origin, or "" when
// origin is not allowed. An explicit entry wins over the "*" wildcard.
func (s *Server) matchOrigin(origin string) string {
	if origin != "" {
		for _, allowed := range s.allowedOrigins {
			if strings.EqualFold(allowed, origin) {
				return allowed
			}
		}
	}
	if s.allowAllOrigins {
		return "*"
	}
	return ""
}

// isAPIEndpoint reports whether path is a JSON or socket route.
func isAPIEndpoint(path string) bool {
	switch {
	case path == "/healthz":
		return true
	case strings.HasPrefix(path, "/rooms"), strings.HasPrefix(path, "/ws"):
		return true
	}
	return false
}
