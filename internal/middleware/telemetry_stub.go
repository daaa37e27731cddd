package middleware

import (
	"log/slog"
	"net/http"
	"strings"
)

// telemetryHost is a host substring plus the path prefixes on it that carry
// client-side analytics/metrics rather than model traffic. The assistant
// CLIs this router sits in front of phone these home directly; answering
// locally keeps them quiet without the request ever leaving the machine.
type telemetryHost struct {
	host  string
	paths []string
}

var blockedTelemetryHosts = []telemetryHost{
	{host: "api.anthropic.com", paths: []string{"/api/claude_code/metrics", "/claude_code/metrics"}},
	{host: "statsig.anthropic.com", paths: nil}, // entire host is telemetry
}

// genericTelemetryPaths are blocked regardless of host.
var genericTelemetryPaths = []string{"/v1/initialize", "/v1/log_event", "/v1/rgstr", "/statsig", "/telemetry", "/analytics"}

// TelemetryStubMiddleware answers known client telemetry/metrics endpoints
// locally with a plausible 2xx body instead of proxying them upstream.
type TelemetryStubMiddleware struct {
	logger *slog.Logger
}

func NewTelemetryStubMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	m := &TelemetryStubMiddleware{logger: logger}
	return m.middleware
}

func (m *TelemetryStubMiddleware) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if host == "" {
			host = r.Header.Get("Host")
		}

		if isMetricsRequest(host, r.URL.Path) {
			sendMetricsStub(w)
			return
		}

		if isStatsigRequest(host, r.URL.Path) {
			sendStatsigStub(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isMetricsRequest(host, path string) bool {
	for _, th := range blockedTelemetryHosts[:1] { // api.anthropic.com metrics paths only
		if strings.Contains(host, th.host) {
			for _, p := range th.paths {
				if strings.HasPrefix(path, p) {
					return true
				}
			}
		}
	}

	return false
}

func isStatsigRequest(host, path string) bool {
	if strings.Contains(host, blockedTelemetryHosts[1].host) {
		return true
	}

	for _, p := range genericTelemetryPaths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}

	return false
}

func sendMetricsStub(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
	w.Header().Set("Via", "1.1 google")
	w.Header().Set("Cf-Cache-Status", "DYNAMIC")
	w.Header().Set("X-Robots-Tag", "none")
	w.Header().Set("Server", "cloudflare")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"accepted_count":0,"rejected_count":0}`))
}

func sendStatsigStub(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Permissions-Policy", "interest-cohort=()")
	w.Header().Set("X-Frame-Options", "SAMEORIGIN")
	w.Header().Set("X-Response-Time", "0 ms")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.Header().Set("Alt-Svc", `h3=":443"; ma=2592000,h3-29=":443"; ma=2592000`)
	w.Header().Set("Via", "1.1 google, 1.1 google")
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte(`{"success":true}`))
}
