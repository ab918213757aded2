// Package origin validates browser Origin headers against a configured
// allowlist for the signaling WebSocket upgrade.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates an Origin header value and returns its canonical
// scheme://host[:port] form: lowercased scheme and hostname, default ports
// stripped, IPv6 literals bracketed. The special value "null" (sandboxed
// documents, file URLs) is returned as-is.
func Normalize(originHeader string) (string, bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", false
	}
	if trimmed == "null" {
		return "null", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	hostname, rawPort, ok := splitHostPort(u.Host)
	if !ok || hostname == "" {
		return "", false
	}
	hostname = strings.ToLower(hostname)

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
	return scheme + "://" + host, true
}

// Allowed reports whether an Origin header value passes the allowlist.
//
// An empty allowlist allows every origin. A "*" entry allows every
// syntactically valid origin. Other entries are compared against the
// normalized header, so "https://App.Example.com:443" matches an allowlist
// entry "https://app.example.com".
func Allowed(originHeader string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	normalized, ok := Normalize(originHeader)
	if !ok {
		return false
	}
	for _, entry := range allowlist {
		if entry == "*" {
			return true
		}
		allowed, ok := Normalize(entry)
		if ok && allowed == normalized {
			return true
		}
	}
	return false
}

// splitHostPort splits an authority host[:port] string. IPv6 literals come
// back without their brackets; the port is returned unvalidated.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		host, p, _ := strings.Cut(rawHost, ":")
		if host == "" || p == "" {
			return "", "", false
		}
		return host, p, true
	default:
		// Unbracketed IPv6 literals are not valid authority syntax.
		return "", "", false
	}
}
