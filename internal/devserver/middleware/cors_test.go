package middleware

import (
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

func mustPolicy(t *testing.T, origins ...string) *OriginPolicy {
	t.Helper()
	p, err := NewOriginPolicy(origins)
	if err != nil {
		t.Fatalf("NewOriginPolicy(%v) error = %v", origins, err)
	}
	return p
}

func TestNewOriginPolicy_RejectsMalformedOrigins(t *testing.T) {
	for _, origin := range []string{
		"localhost:3000",
		"ftp://files.example.com",
		"https://plans.example.com/app",
		"https://plans.example.com?x=1",
		"https://user@plans.example.com",
		"https://",
	} {
		if _, err := NewOriginPolicy([]string{origin}); err == nil {
			t.Errorf("NewOriginPolicy(%q) error = nil, want rejection", origin)
		}
	}
}

func TestOriginPolicy_Allows(t *testing.T) {
	p := mustPolicy(t, "http://localhost:3000", "https://Plans.Example.com/", "https://*.preview.example.com")

	tests := []struct {
		origin string
		want   bool
	}{
		{"http://localhost:3000", true},
		{"HTTP://LOCALHOST:3000", true},
		{"http://localhost:3001", false},
		{"https://localhost:3000", false},
		{"https://plans.example.com", true},
		{"http://plans.example.com", false},
		{"https://pr-12.preview.example.com", true},
		{"https://a.b.preview.example.com", true},
		{"https://preview.example.com", false},
		{"https://evilpreview.example.com", false},
		{"http://pr-12.preview.example.com", false},
		{"null", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := p.Allows(tt.origin); got != tt.want {
			t.Errorf("Allows(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}

	if !mustPolicy(t, "*").Allows("http://anything.test") {
		t.Error("wildcard policy rejected an origin")
	}
	if mustPolicy(t).Allows("http://localhost:3000") {
		t.Error("empty policy allowed an origin")
	}
}

func TestOriginPolicy_Hosts(t *testing.T) {
	p := mustPolicy(t, "http://localhost:3000", "https://*.preview.example.com", "*")
	want := []string{"localhost:3000", "*.preview.example.com", "*"}
	if got := p.Hosts(); !reflect.DeepEqual(got, want) {
		t.Errorf("Hosts() = %v, want %v", got, want)
	}
}

func corsRequest(method, origin, requestMethod, requestHeaders string) *http.Request {
	req := httptest.NewRequest(method, "/graphql", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if requestMethod != "" {
		req.Header.Set("Access-Control-Request-Method", requestMethod)
	}
	if requestHeaders != "" {
		req.Header.Set("Access-Control-Request-Headers", requestHeaders)
	}
	return req
}

func TestCORS(t *testing.T) {
	explicit := []string{"http://localhost:3000", "https://*.preview.example.com"}

	tests := []struct {
		name          string
		allowed       []string
		req           *http.Request
		wantOrigin    string
		wantCreds     bool
		wantStatus    int
		wantHeaders   string
		wantExposed   bool
		wantNextCalls bool
	}{
		{
			name:       "allowed origin",
			allowed:    explicit,
			req:        corsRequest(http.MethodPost, "http://localhost:3000", "", ""),
			wantOrigin: "http://localhost:3000", wantCreds: true, wantStatus: http.StatusOK,
			wantExposed: true, wantNextCalls: true,
		},
		{
			name:       "subdomain wildcard is not credentialed",
			allowed:    explicit,
			req:        corsRequest(http.MethodGet, "https://pr-7.preview.example.com", "", ""),
			wantOrigin: "https://pr-7.preview.example.com", wantStatus: http.StatusOK,
			wantExposed: true, wantNextCalls: true,
		},
		{
			name:       "disallowed origin",
			allowed:    explicit,
			req:        corsRequest(http.MethodPost, "https://evil.example.com", "", ""),
			wantStatus: http.StatusOK, wantNextCalls: true,
		},
		{
			name:       "no origin",
			allowed:    explicit,
			req:        corsRequest(http.MethodGet, "", "", ""),
			wantStatus: http.StatusOK, wantNextCalls: true,
		},
		{
			name:       "empty policy",
			allowed:    nil,
			req:        corsRequest(http.MethodGet, "http://localhost:3000", "", ""),
			wantStatus: http.StatusOK, wantNextCalls: true,
		},
		{
			name:       "any origin",
			allowed:    []string{"*"},
			req:        corsRequest(http.MethodGet, "http://anything.test", "", ""),
			wantOrigin: "http://anything.test", wantStatus: http.StatusOK,
			wantExposed: true, wantNextCalls: true,
		},
		{
			name:       "preflight",
			allowed:    explicit,
			req:        corsRequest(http.MethodOptions, "http://localhost:3000", "put", "authorization, x-request-id, x-debug"),
			wantOrigin: "http://localhost:3000", wantCreds: true, wantStatus: http.StatusNoContent,
			wantHeaders: "Authorization, X-Request-ID",
		},
		{
			name:       "preflight for unsupported method",
			allowed:    explicit,
			req:        corsRequest(http.MethodOptions, "http://localhost:3000", http.MethodPatch, ""),
			wantOrigin: "http://localhost:3000", wantCreds: true, wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "preflight from disallowed origin",
			allowed:    explicit,
			req:        corsRequest(http.MethodOptions, "https://evil.example.com", http.MethodPost, ""),
			wantStatus: http.StatusOK, wantNextCalls: true,
		},
		{
			name:       "plain OPTIONS is not a preflight",
			allowed:    explicit,
			req:        corsRequest(http.MethodOptions, "http://localhost:3000", "", ""),
			wantOrigin: "http://localhost:3000", wantCreds: true, wantStatus: http.StatusOK,
			wantExposed: true, wantNextCalls: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
				okHandler().ServeHTTP(w, r)
			})
			w := httptest.NewRecorder()
			CORS(mustPolicy(t, tt.allowed...))(next).ServeHTTP(w, tt.req)

			h := w.Header()
			if got := h.Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := h.Get("Access-Control-Allow-Credentials") == "true"; got != tt.wantCreds {
				t.Errorf("credentials allowed = %v, want %v", got, tt.wantCreds)
			}
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := h.Get("Access-Control-Allow-Headers"); got != tt.wantHeaders {
				t.Errorf("Access-Control-Allow-Headers = %q, want %q", got, tt.wantHeaders)
			}
			if got := h.Get("Access-Control-Expose-Headers") != ""; got != tt.wantExposed {
				t.Errorf("exposed headers set = %v, want %v", got, tt.wantExposed)
			}
			if called != tt.wantNextCalls {
				t.Errorf("next handler called = %v, want %v", called, tt.wantNextCalls)
			}
			if h.Values("Vary")[0] != "Origin" {
				t.Errorf("Vary = %v, want Origin first", h.Values("Vary"))
			}
		})
	}
}
