package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

var (
	corsMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}
	corsHeaders = []string{"Authorization", "Content-Type", "Sec-WebSocket-Protocol", "X-Request-ID"}
	// corsExposed are response headers browser clients read.
	corsExposed = []string{"Retry-After", "WWW-Authenticate"}
)

// OriginPolicy decides which browser origins may call the server. The REST
// routes and the websocket gateway share one policy.
//
// An entry is a full origin ("https://plans.example.com"), a subdomain
// wildcard ("https://*.example.com") or "*" for any origin. Wildcard origins
// are never sent credentials.
type OriginPolicy struct {
	any     bool
	exact   map[string]struct{}
	domains map[string][]string // scheme -> ".example.com" suffixes
	hosts   []string
}

// NewOriginPolicy parses origins. An empty list allows no cross-origin
// callers.
func NewOriginPolicy(origins []string) (*OriginPolicy, error) {
	p := &OriginPolicy{
		exact:   make(map[string]struct{}),
		domains: make(map[string][]string),
	}
	for _, raw := range origins {
		raw = strings.TrimSpace(raw)
		if raw == "*" {
			p.any = true
			p.hosts = append(p.hosts, "*")
			continue
		}
		scheme, host, err := splitOrigin(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed origin %q: %w", raw, err)
		}
		if suffix, ok := strings.CutPrefix(host, "*."); ok {
			p.domains[scheme] = append(p.domains[scheme], "."+suffix)
		} else {
			p.exact[scheme+"://"+host] = struct{}{}
		}
		p.hosts = append(p.hosts, host)
	}
	return p, nil
}

// splitOrigin returns the lower-cased scheme and host of an origin. Paths,
// queries and credentials are rejected.
func splitOrigin(origin string) (scheme, host string, err error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", errors.New("scheme must be http or https")
	}
	if u.Host == "" || u.User != nil || strings.Trim(u.Path, "/") != "" || u.RawQuery != "" {
		return "", "", errors.New("want scheme://host[:port]")
	}
	return strings.ToLower(u.Scheme), strings.ToLower(u.Host), nil
}

// Allows reports whether origin may make cross-origin requests.
func (p *OriginPolicy) Allows(origin string) bool {
	if origin == "" || origin == "null" {
		return false
	}
	if p.any {
		return true
	}
	scheme, host, err := splitOrigin(origin)
	if err != nil {
		return false
	}
	if _, ok := p.exact[scheme+"://"+host]; ok {
		return true
	}
	for _, suffix := range p.domains[scheme] {
		if strings.HasSuffix(host, suffix) && len(host) > len(suffix) {
			return true
		}
	}
	return false
}

// credentialed reports whether origin is listed by name rather than matched
// through a wildcard.
func (p *OriginPolicy) credentialed(origin string) bool {
	scheme, host, err := splitOrigin(origin)
	if err != nil {
		return false
	}
	_, ok := p.exact[scheme+"://"+host]
	return ok
}

// Hosts returns the host patterns for websocket.AcceptOptions.OriginPatterns.
func (p *OriginPolicy) Hosts() []string {
	return append([]string(nil), p.hosts...)
}

// CORS returns middleware that answers preflights and sets CORS response
// headers for origins the policy allows. Requests from other origins pass
// through untouched.
func CORS(policy *OriginPolicy) func(http.Handler) http.Handler {
	allowMethods := strings.Join(corsMethods, ", ")
	exposed := strings.Join(corsExposed, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			if !policy.Allows(origin) {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			if policy.credentialed(origin) {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			method := r.Header.Get("Access-Control-Request-Method")
			if r.Method != http.MethodOptions || method == "" {
				w.Header().Set("Access-Control-Expose-Headers", exposed)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Add("Vary", "Access-Control-Request-Method")
			w.Header().Add("Vary", "Access-Control-Request-Headers")
			if !slices.Contains(corsMethods, strings.ToUpper(method)) {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			w.Header().Set("Access-Control-Allow-Methods", allowMethods)
			if h := allowedHeaders(r.Header.Get("Access-Control-Request-Headers")); h != "" {
				w.Header().Set("Access-Control-Allow-Headers", h)
			}
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

// allowedHeaders keeps the requested headers the server accepts. Header
// names compare case-insensitively.
func allowedHeaders(requested string) string {
	var out []string
	for _, h := range strings.Split(requested, ",") {
		h = strings.TrimSpace(h)
		for _, known := range corsHeaders {
			if strings.EqualFold(h, known) {
				out = append(out, known)
				break
			}
		}
	}
	return strings.Join(out, ", ")
}
