package httputil

import (
	"net/http"
	"strings"
)

// ExtractAPIKey extracts an API key from various sources:
// 1. X-API-Key header (highest priority)
// 2. Authorization header with "ApiKey" or "Bearer" scheme
// 3. Query parameter "api_key" (browsers cannot set headers on WebSocket upgrades)
func ExtractAPIKey(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v
	}

	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, rest, ok := strings.Cut(auth, " ")
		if ok && (strings.EqualFold(scheme, "bearer") || strings.EqualFold(scheme, "apikey")) {
			if tok := strings.TrimSpace(rest); tok != "" {
				return tok
			}
		}
	}

	return strings.TrimSpace(r.URL.Query().Get("api_key"))
}
