package runner

import (
	"log/slog"
	"net/url"
	"strconv"
	"strings"
)

// queryParam is an ordered query item. Query strings are rebuilt from
// slices rather than url.Values so that the base URL's parameters keep
// their position.
type queryParam struct {
	key   string
	value string
}

// composePublicURL builds an externally reachable VNC URL from a
// configured base, the allocated adapter port and a path suffix.
//
// The base may be as minimal as a bare host. A missing scheme defaults
// to https for page URLs (".html" suffix) and ws otherwise. The base
// port survives only when the base also carries a non-root path or a
// query; a bare host:port base is assumed to describe a per-session
// proxy whose port must be the allocated one. A "path" query parameter
// is prefixed with the base path segment unless it already starts with
// it, and target_port=<port> is appended when absent. Empty or
// unusable bases produce "".
func composePublicURL(logger *slog.Logger, base string, port int, suffix string, params ...queryParam) string {
	if base == "" {
		return ""
	}
	parsed, err := url.Parse(base)
	if err != nil {
		logger.Warn("invalid VNC base URL", "base", base, "error", err)
		return ""
	}

	scheme := parsed.Scheme
	if scheme == "" {
		if strings.HasSuffix(suffix, ".html") {
			scheme = "https"
		} else {
			scheme = "ws"
		}
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		hostname = parsed.Host
	}
	if hostname == "" {
		logger.Warn("unable to determine hostname for VNC base URL", "base", base)
		return ""
	}
	hostPart := hostname
	if strings.Contains(hostname, ":") && !strings.HasPrefix(hostname, "[") {
		hostPart = "[" + hostname + "]"
	}

	finalPort := strconv.Itoa(port)
	if basePort := parsed.Port(); basePort != "" {
		if (parsed.Path != "" && parsed.Path != "/") || parsed.RawQuery != "" {
			finalPort = basePort
		}
	}

	basePath := strings.TrimRight(parsed.Path, "/")
	combined := basePath
	if suffix != "" {
		combined = basePath + suffix
	} else if combined == "" {
		combined = "/"
	}
	if !strings.HasPrefix(combined, "/") {
		combined = "/" + combined
	}

	items := parseQueryPairs(parsed.RawQuery)
	adjusted := append([]queryParam(nil), params...)
	if baseSegment := strings.TrimLeft(basePath, "/"); baseSegment != "" {
		for i, p := range adjusted {
			if p.key != "path" {
				continue
			}
			value := strings.TrimLeft(p.value, "/")
			if value != baseSegment && !strings.HasPrefix(value, baseSegment+"/") {
				if value == "" {
					value = baseSegment
				} else {
					value = baseSegment + "/" + value
				}
			}
			adjusted[i].value = value
		}
	}
	items = append(items, adjusted...)

	hasTargetPort := false
	for _, item := range items {
		if item.key == "target_port" {
			hasTargetPort = true
			break
		}
	}
	if !hasTargetPort {
		items = append(items, queryParam{"target_port", strconv.Itoa(port)})
	}

	out := url.URL{
		Scheme:   scheme,
		Host:     hostPart + ":" + finalPort,
		Path:     combined,
		RawQuery: encodeQueryPairs(items),
	}
	if parsed.User != nil && parsed.User.Username() != "" {
		out.User = parsed.User
	}
	return out.String()
}

func parseQueryPairs(raw string) []queryParam {
	var items []queryParam
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}
		items = append(items, queryParam{key, value})
	}
	return items
}

func encodeQueryPairs(items []queryParam) string {
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(item.key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(item.value))
	}
	return b.String()
}

var schemeOnlyProtocols = map[string]bool{
	"about":      true,
	"data":       true,
	"file":       true,
	"javascript": true,
	"mailto":     true,
}

// navigableStartURL turns an operator-provided start URL into something
// a browser can navigate to. Hostnames with a dot or an explicit port,
// and //host references, gain an https:// prefix; values with an
// explicit scheme and anything that looks like a relative path pass
// through untouched so the browser can resolve them itself.
func navigableStartURL(raw string) string {
	if scheme := schemeOf(raw); scheme != "" && (strings.Contains(raw, "://") || schemeOnlyProtocols[scheme]) {
		return raw
	}

	source := raw
	explicit := strings.HasPrefix(raw, "//")
	if !explicit {
		source = "//" + raw
	}
	netloc, rest := cutNetloc(source[2:])
	if netloc == "" || netloc == "." || netloc == ".." {
		return raw
	}
	if !explicit && !looksLikeHost(netloc) {
		return raw
	}
	path, query, fragment := cutPathQueryFragment(rest)
	return joinURL("https", netloc, path, query, fragment)
}

// schemeOf extracts a leading URL scheme without requiring "://", the
// way browsers treat "mailto:x" or "about:blank".
func schemeOf(raw string) string {
	i := strings.IndexByte(raw, ':')
	if i <= 0 || !isSchemeName(raw[:i]) {
		return ""
	}
	return strings.ToLower(raw[:i])
}

// looksLikeHost reports whether a schemeless authority is plausibly a
// hostname rather than the first segment of a relative path: it needs
// a dot, a bracketed IPv6 literal or an explicit numeric port.
func looksLikeHost(netloc string) bool {
	host := netloc
	if i := strings.LastIndexByte(host, '@'); i >= 0 {
		host = host[i+1:]
	}
	if strings.Contains(host, ".") || strings.HasPrefix(host, "[") {
		return true
	}
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return isDigits(host[i+1:])
	}
	return false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isSchemeName(s string) bool {
	if s == "" {
		return false
	}
	first := s[0]
	if !('a' <= first && first <= 'z' || 'A' <= first && first <= 'Z') {
		return false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		case c == '+', c == '-', c == '.':
		default:
			return false
		}
	}
	return true
}

// cutNetloc splits text following "//" into the authority and whatever
// comes after it.
func cutNetloc(rest string) (netloc, remainder string) {
	end := len(rest)
	for i := 0; i < len(rest); i++ {
		if c := rest[i]; c == '/' || c == '?' || c == '#' {
			end = i
			break
		}
	}
	return rest[:end], rest[end:]
}

func cutPathQueryFragment(rest string) (path, query, fragment string) {
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		rest, fragment = rest[:i], rest[i+1:]
	}
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest, query = rest[:i], rest[i+1:]
	}
	return rest, query, fragment
}

func joinURL(scheme, netloc, path, query, fragment string) string {
	var b strings.Builder
	if scheme != "" {
		b.WriteString(scheme)
		b.WriteByte(':')
	}
	if netloc != "" || strings.HasPrefix(path, "//") {
		if path != "" && !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		b.WriteString("//")
		b.WriteString(netloc)
	}
	b.WriteString(path)
	if query != "" {
		b.WriteByte('?')
		b.WriteString(query)
	}
	if fragment != "" {
		b.WriteByte('#')
		b.WriteString(fragment)
	}
	return b.String()
}
