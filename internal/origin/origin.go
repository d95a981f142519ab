// Package origin decides which browser origins may open signaling
// connections. Non-browser clients send no Origin header and always pass.
package origin

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Checker evaluates Origin headers on websocket upgrade requests.
//
// With an allowlist, each entry is either "*" or a normalized origin
// (scheme://host[:port], default ports elided). Without one, the policy is
// same-host: the origin's host:port must match the request's Host header.
type Checker struct {
	allowed []string
}

func NewChecker(allowedOrigins []string) *Checker {
	normalized := make([]string, 0, len(allowedOrigins))
	for _, raw := range allowedOrigins {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if entry == "*" {
			normalized = append(normalized, entry)
			continue
		}
		if n, _, ok := Normalize(entry); ok {
			normalized = append(normalized, n)
		} else {
			normalized = append(normalized, entry)
		}
	}
	return &Checker{allowed: normalized}
}

// CheckRequest is shaped for gorilla's Upgrader.CheckOrigin.
func (c *Checker) CheckRequest(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		return true
	}

	normalized, host, ok := Normalize(header)
	if !ok {
		return false
	}

	if len(c.allowed) > 0 {
		for _, allowed := range c.allowed {
			if allowed == "*" || allowed == normalized {
				return true
			}
		}
		return false
	}

	// Same-host default. Scheme is deliberately not compared: behind a
	// TLS-terminating proxy the relay sees http while the browser's Origin
	// says https.
	if normalized == "null" {
		return false
	}
	scheme := "http"
	if strings.HasPrefix(normalized, "https://") {
		scheme = "https"
	}
	requestHost, ok := normalizeHost(r.Host, scheme)
	if !ok {
		return false
	}
	return host == requestHost
}

// Normalize validates a browser Origin header and reduces it to canonical
// form. The special value "null" is allowed and returned as-is.
func Normalize(header string) (normalized, host string, ok bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
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

// normalizeHost lowercases host[:port] and drops the scheme's default port.
func normalizeHost(raw, scheme string) (string, bool) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return "", false
	}

	hostname, rawPort, ok := splitHostPort(trimmed)
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort handles bare hostnames, host:port, and bracketed IPv6 forms.
func splitHostPort(host string) (hostname, port string, ok bool) {
	if strings.HasPrefix(host, "[") {
		end := strings.Index(host, "]")
		if end < 0 {
			return "", "", false
		}
		hostname = host[1:end]
		rest := host[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	idx := strings.LastIndex(host, ":")
	if idx < 0 {
		return host, "", true
	}
	// A second colon means an unbracketed IPv6 literal, which we reject.
	if strings.Contains(host[:idx], ":") {
		return "", "", false
	}
	return host[:idx], host[idx+1:], true
}
