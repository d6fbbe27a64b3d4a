package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const dashboardOrigin = "https://dashboard.example.com"

func TestCORSPreflightAllowedOrigin(t *testing.T) {
	nextCalled := false
	handler := CORS(CORSConfig{
		AllowedOrigins: []string{dashboardOrigin},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		w.WriteHeader(http.StatusTeapot)
	}))

	request := httptest.NewRequest(http.MethodOptions, "/v1/job", nil)
	request.Header.Set("Origin", dashboardOrigin)
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "content-type")
	recorder := httptest.NewRecorder()

	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if nextCalled {
		t.Fatalf("expected preflight to short-circuit chain")
	}
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != dashboardOrigin {
		t.Fatalf("expected allow origin header, got %q", got)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, http.MethodPost) {
		t.Fatalf("expected POST in allow methods, got %q", got)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(strings.ToLower(got), "content-type") {
		t.Fatalf("expected content-type in allow headers, got %q", got)
	}
}

func TestCORSAllowsActualRequestFromAllowedOrigin(t *testing.T) {
	handler := CORS(CORSConfig{
		AllowedOrigins: []string{dashboardOrigin},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	request := httptest.NewRequest(http.MethodGet, "/v1/result/x", nil)
	request.Header.Set("Origin", dashboardOrigin)
	recorder := httptest.NewRecorder()

	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, recorder.Code)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != dashboardOrigin {
		t.Fatalf("expected allow origin header, got %q", got)
	}
	exposed := recorder.Header().Get("Access-Control-Expose-Headers")
	for _, header := range []string{"X-Request-Id", "Content-Length", "Content-Disposition"} {
		if !strings.Contains(exposed, header) {
			t.Fatalf("expected %s to be exposed, got %q", header, exposed)
		}
	}
}

func TestCORSWildcardOrigin(t *testing.T) {
	handler := CORS(CORSConfig{
		AllowedOrigins: []string{"*"},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	request := httptest.NewRequest(http.MethodGet, "/v1/job", nil)
	request.Header.Set("Origin", "https://anything.example")
	recorder := httptest.NewRecorder()

	handler.ServeHTTP(recorder, request)

	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected wildcard allow origin, got %q", got)
	}
}

func TestCORSIgnoresDisallowedOrigin(t *testing.T) {
	nextCalled := false
	handler := CORS(CORSConfig{
		AllowedOrigins: []string{dashboardOrigin},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		w.WriteHeader(http.StatusOK)
	}))

	request := httptest.NewRequest(http.MethodOptions, "/v1/job", nil)
	request.Header.Set("Origin", "https://evil.example")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	recorder := httptest.NewRecorder()

	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected passthrough status %d, got %d", http.StatusOK, recorder.Code)
	}
	if !nextCalled {
		t.Fatalf("expected disallowed origin preflight to pass through")
	}
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no allow-origin header for disallowed origin, got %q", got)
	}
}

func TestCORSPreflightRejectsMethodOutsideRoute(t *testing.T) {
	nextCalled := false
	handler := CORS(CORSConfig{
		AllowedOrigins: []string{dashboardOrigin},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
	}))

	request := httptest.NewRequest(http.MethodOptions, "/v1/result/abc/artifact", nil)
	request.Header.Set("Origin", dashboardOrigin)
	request.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	recorder := httptest.NewRecorder()

	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, recorder.Code)
	}
	if nextCalled {
		t.Fatalf("expected rejected preflight to short-circuit chain")
	}
	if got := recorder.Header().Get("Access-Control-Allow-Methods"); got != "" {
		t.Fatalf("expected no allow methods, got %q", got)
	}
}

func TestCORSPreflightMethodsFollowRoute(t *testing.T) {
	handler := CORS(CORSConfig{
		AllowedOrigins: []string{dashboardOrigin},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	cases := []struct {
		path    string
		method  string
		status  int
		methods string
	}{
		{"/healthz", http.MethodGet, http.StatusNoContent, "GET"},
		{"/healthz", http.MethodPost, http.StatusMethodNotAllowed, ""},
		{"/v1/result/abc/output", http.MethodPost, http.StatusNoContent, "GET, POST"},
	}
	for _, tc := range cases {
		request := httptest.NewRequest(http.MethodOptions, tc.path, nil)
		request.Header.Set("Origin", dashboardOrigin)
		request.Header.Set("Access-Control-Request-Method", tc.method)
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, request)

		if recorder.Code != tc.status {
			t.Fatalf("%s %s: expected status %d, got %d", tc.method, tc.path, tc.status, recorder.Code)
		}
		if got := recorder.Header().Get("Access-Control-Allow-Methods"); got != tc.methods {
			t.Fatalf("%s %s: expected allow methods %q, got %q", tc.method, tc.path, tc.methods, got)
		}
	}
}

func TestCORSPreflightUnknownRoutePassesThrough(t *testing.T) {
	nextCalled := false
	handler := CORS(CORSConfig{
		AllowedOrigins: []string{"*"},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalled = true
		w.WriteHeader(http.StatusNotFound)
	}))

	request := httptest.NewRequest(http.MethodOptions, "/v2/anything", nil)
	request.Header.Set("Origin", dashboardOrigin)
	request.Header.Set("Access-Control-Request-Method", http.MethodGet)
	recorder := httptest.NewRecorder()

	handler.ServeHTTP(recorder, request)

	if !nextCalled || recorder.Code != http.StatusNotFound {
		t.Fatalf("expected unknown route to reach the router, got %d", recorder.Code)
	}
	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no allow-origin header, got %q", got)
	}
}

func TestCORSPreflightRejectsUnlistedHeader(t *testing.T) {
	handler := CORS(CORSConfig{
		AllowedOrigins: []string{dashboardOrigin},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	request := httptest.NewRequest(http.MethodOptions, "/v1/job", nil)
	request.Header.Set("Origin", dashboardOrigin)
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "content-type, authorization")
	recorder := httptest.NewRecorder()

	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, recorder.Code)
	}
}
