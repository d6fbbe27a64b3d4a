package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

const defaultCORSMaxAgeSeconds = 600

var (
	defaultCORSAllowedHeaders = []string{
		"Accept",
		"Content-Type",
		"X-Request-Id",
	}
	// Headers a browser client needs to read back: the request id for
	// support, artifact size and name for downloads, and the rate limiter's
	// retry hint.
	corsExposedHeaders = strings.Join([]string{
		requestIDHeader,
		"Content-Length",
		"Content-Disposition",
		"Retry-After",
	}, ", ")
)

// CORSRoute maps a path prefix to the methods the broker serves under it.
// An Exact route matches only the prefix itself.
type CORSRoute struct {
	Prefix  string
	Exact   bool
	Methods []string
}

// DefaultCORSRoutes lists the broker's browser-reachable surface.
var DefaultCORSRoutes = []CORSRoute{
	{Prefix: "/", Exact: true, Methods: []string{http.MethodGet}},
	{Prefix: "/healthz", Exact: true, Methods: []string{http.MethodGet}},
	{Prefix: "/v1/job", Exact: true, Methods: []string{http.MethodGet, http.MethodPost}},
	{Prefix: "/v1/result/", Methods: []string{http.MethodGet, http.MethodPost}},
}

type CORSConfig struct {
	AllowedOrigins []string
	AllowedHeaders []string
	Routes         []CORSRoute
	MaxAgeSeconds  int
}

// CORS answers preflights only for routes the broker serves and only with
// the methods that route accepts. Anything else falls through to the router,
// which replies 404 or 405 in the usual error envelope.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	allowedOrigins := normalizeStringList(cfg.AllowedOrigins)
	allowAnyOrigin := containsFold(allowedOrigins, "*")

	allowedHeaders := normalizeStringList(cfg.AllowedHeaders)
	if len(allowedHeaders) == 0 {
		allowedHeaders = append([]string(nil), defaultCORSAllowedHeaders...)
	}
	routes := cfg.Routes
	if len(routes) == 0 {
		routes = DefaultCORSRoutes
	}
	maxAgeSeconds := cfg.MaxAgeSeconds
	if maxAgeSeconds <= 0 {
		maxAgeSeconds = defaultCORSMaxAgeSeconds
	}

	allowHeadersValue := strings.Join(allowedHeaders, ", ")
	maxAgeValue := strconv.Itoa(maxAgeSeconds)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" || (!allowAnyOrigin && !containsFold(allowedOrigins, origin)) {
				next.ServeHTTP(w, r)
				return
			}
			methods, routed := routeMethods(routes, r.URL.Path)
			if !routed {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Add("Vary", "Origin")
			if allowAnyOrigin {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}

			requested := r.Header.Get("Access-Control-Request-Method")
			if r.Method != http.MethodOptions || requested == "" {
				w.Header().Set("Access-Control-Expose-Headers", corsExposedHeaders)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Add("Vary", "Access-Control-Request-Method")
			w.Header().Add("Vary", "Access-Control-Request-Headers")
			if !containsFold(methods, requested) {
				w.Header().Set("Allow", strings.Join(methods, ", "))
				WriteError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
				return
			}
			if header, ok := firstUnlistedHeader(r.Header.Get("Access-Control-Request-Headers"), allowedHeaders); !ok {
				WriteError(w, r, http.StatusForbidden, "header_not_allowed", "header "+header+" not allowed")
				return
			}
			w.Header().Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
			w.Header().Set("Access-Control-Allow-Headers", allowHeadersValue)
			w.Header().Set("Access-Control-Max-Age", maxAgeValue)
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

func routeMethods(routes []CORSRoute, path string) ([]string, bool) {
	for _, route := range routes {
		if route.Exact && path == route.Prefix {
			return route.Methods, true
		}
		if !route.Exact && strings.HasPrefix(path, route.Prefix) && len(path) > len(route.Prefix) {
			return route.Methods, true
		}
	}
	return nil, false
}

// firstUnlistedHeader returns the first requested header not in allowed.
func firstUnlistedHeader(requested string, allowed []string) (string, bool) {
	for _, header := range strings.Split(requested, ",") {
		header = strings.TrimSpace(header)
		if header != "" && !containsFold(allowed, header) {
			return header, false
		}
	}
	return "", true
}

func normalizeStringList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, raw := range values {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		result = append(result, value)
	}
	return result
}

func containsFold(values []string, target string) bool {
	for _, value := range values {
		if strings.EqualFold(value, target) {
			return true
		}
	}
	return false
}
