package gateway

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/sjwalker189/mongodb-tools/pkg/errors"
	"github.com/sjwalker189/mongodb-tools/pkg/httputil"
	"github.com/sjwalker189/mongodb-tools/pkg/logging"
)

// loggingMiddleware logs basic request info and duration
func (g *Gateway) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		g.logger.ComponentDebug(logging.ComponentGateway, "request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("duration", time.Since(start).String()),
		)
	})
}

// authMiddleware requires one of the configured API keys. No keys disables it.
func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	if len(g.apiKeys) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := httputil.ExtractAPIKey(r)
		if _, ok := g.apiKeys[key]; !ok || key == "" {
			g.logger.ComponentWarn(logging.ComponentGateway, "rejected unauthenticated client",
				zap.String("ip", getClientIP(r)))
			httputil.WriteError(w, http.StatusUnauthorized, "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware returns 429 when a client opens connections too quickly.
// Loopback traffic is exempt.
func (g *Gateway) rateLimitMiddleware(next http.Handler) http.Handler {
	if g.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)
		if isLoopback(ip) || g.limiter.Allow(ip) {
			next.ServeHTTP(w, r)
			return
		}
		g.metrics.RateLimited()
		apperrors.WriteHTTPError(w, apperrors.NewRateLimitError(g.cfg.ConnsPerMinute, 5), middleware.GetReqID(r.Context()))
	})
}

func getClientIP(r *http.Request) string {
	// X-Forwarded-For may contain a list of IPs, take the first
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
		return xr
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isLoopback(ipStr string) bool {
	if host, _, err := net.SplitHostPort(ipStr); err == nil {
		ipStr = host
	}
	ip := net.ParseIP(ipStr)
	return ip != nil && ip.IsLoopback()
}
