package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func serve(h http.Handler, target, header, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if key != "" {
		req.Header.Set(header, key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAPIKeyMiddleware_ModeNone_PassesThrough(t *testing.T) {
	h := APIKeyMiddleware("none", "x-api-key", "secret")(okHandler)
	if rec := serve(h, "/api/v1/health", "", ""); rec.Code != http.StatusNoContent {
		t.Errorf("status: got %d, want 204", rec.Code)
	}
}

func TestAPIKeyMiddleware_EmptyKey_PassesThrough(t *testing.T) {
	h := APIKeyMiddleware("apikey", "x-api-key", "")(okHandler)
	if rec := serve(h, "/api/v1/health", "", ""); rec.Code != http.StatusNoContent {
		t.Errorf("status: got %d, want 204", rec.Code)
	}
}

func TestAPIKeyMiddleware_Keys(t *testing.T) {
	h := APIKeyMiddleware("apikey", "x-api-key", "supersecret")(okHandler)

	tests := []struct {
		name   string
		target string
		header string
		key    string
		want   int
	}{
		{"correct header", "/api/v1/insights", "x-api-key", "supersecret", http.StatusNoContent},
		{"header name is case-insensitive", "/api/v1/insights", "X-Api-Key", "supersecret", http.StatusNoContent},
		{"wrong key", "/api/v1/insights", "x-api-key", "wrong", http.StatusUnauthorized},
		{"missing key", "/api/v1/insights", "", "", http.StatusUnauthorized},
		{"other header", "/api/v1/insights", "authorization", "supersecret", http.StatusUnauthorized},
		{"query param", "/ws/stream?api_key=supersecret", "", "", http.StatusNoContent},
		{"wrong query param", "/ws/stream?api_key=nope", "", "", http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := serve(h, tc.target, tc.header, tc.key)
			if rec.Code != tc.want {
				t.Errorf("status: got %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestAPIKeyMiddleware_UnauthorizedBody(t *testing.T) {
	h := APIKeyMiddleware("apikey", "x-api-key", "supersecret")(okHandler)
	rec := serve(h, "/api/v1/insights", "", "")
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type: got %q", ct)
	}
	if body := rec.Body.String(); body != `{"error":"invalid api key"}` {
		t.Errorf("body: got %s", body)
	}
}
