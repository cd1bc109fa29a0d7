// Package origin decides which browser origins may reach the relay.
package origin

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Normalize parses a browser Origin header into scheme://host[:port] with
// default ports dropped. It also returns the host[:port] part.
func Normalize(header string) (normalized, host string, ok bool) {
	header = strings.TrimSpace(header)
	if header == "" || header == "null" {
		return "", "", false
	}
	u, err := url.Parse(header)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = normalizeHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

func normalizeHost(raw, scheme string) (string, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return "", false
	}
	hostname, port, err := net.SplitHostPort(raw)
	if err != nil {
		// No port.
		hostname, port = strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]"), ""
	}
	if hostname == "" || (strings.Contains(hostname, ":") && net.ParseIP(hostname) == nil) {
		return "", false
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port != "" {
		return hostname + ":" + port, true
	}
	return hostname, true
}

// Allowed reports whether r may be served. Requests without an Origin header
// (non-browser clients) are always allowed. With an empty allow list only
// same-host origins pass; the scheme is not compared so TLS-terminating
// proxies keep working.
func Allowed(r *http.Request, allowed []string) bool {
	header := r.Header.Get("Origin")
	if strings.TrimSpace(header) == "" {
		return true
	}
	normalized, host, ok := Normalize(header)
	if !ok {
		return false
	}
	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == "*" || a == normalized {
				return true
			}
		}
		return false
	}
	scheme := strings.SplitN(normalized, "://", 2)[0]
	reqHost, ok := normalizeHost(r.Host, scheme)
	return ok && reqHost == host
}

// Checker returns a WebSocket upgrader CheckOrigin func for allowed.
func Checker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool { return Allowed(r, allowed) }
}
