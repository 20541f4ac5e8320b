package control

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/camofleet/camofleet/internal/api"
	"github.com/camofleet/camofleet/internal/config"
)

var placeholderPattern = regexp.MustCompile(`\{(host|port|id)\}`)

// applyVNCOverrides rewrites the worker-reported VNC endpoints with the
// worker's public templates. Endpoints without a matching template pass
// through unchanged, as does anything the rewriter cannot resolve; the
// operation is idempotent.
func applyVNCOverrides(info api.VNCInfo, entry config.WorkerEntry) api.VNCInfo {
	out := info
	out.WS = rewriteEndpoint(info.WS, entry.VNCWS)
	out.HTTP = rewriteEndpoint(info.HTTP, entry.VNCHTTP)
	return out
}

func rewriteEndpoint(original *string, template string) *string {
	if original == nil || *original == "" || template == "" {
		return original
	}
	rewritten, ok := rewriteURL(*original, template)
	if !ok {
		return original
	}
	return &rewritten
}

// rewriteURL resolves a template against the original URL. The template
// dictates scheme and authority; empty template fields fall back to the
// original's. Placeholders {host}, {port} and {id} take values derived
// from the original URL; a placeholder without a value aborts the
// rewrite.
func rewriteURL(original, template string) (string, bool) {
	src, err := url.Parse(original)
	if err != nil {
		return "", false
	}

	substituted, ok := substituteTemplate(template, placeholderValues(src))
	if !ok {
		return "", false
	}
	tpl, err := url.Parse(substituted)
	if err != nil || tpl.Scheme == "" || tpl.Host == "" {
		return "", false
	}

	out := *tpl
	if out.User == nil {
		out.User = src.User
	}
	if out.Path == "" {
		out.Path, out.RawPath = src.Path, src.RawPath
	}
	if out.RawQuery == "" {
		out.RawQuery = src.RawQuery
	}
	if out.Fragment == "" {
		out.Fragment, out.RawFragment = src.Fragment, src.RawFragment
	}
	return out.String(), true
}

func substituteTemplate(template string, values map[string]string) (string, bool) {
	missing := false
	out := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		value, ok := values[match[1:len(match)-1]]
		if !ok {
			missing = true
			return match
		}
		return value
	})
	if missing {
		return "", false
	}
	return out, true
}

// placeholderValues derives the substitution set from the original URL:
// {host} is its hostname, {id} the session identifier embedded in it,
// and {port} the identifier when known, else the connection port.
func placeholderValues(src *url.URL) map[string]string {
	values := make(map[string]string, 3)
	if host := src.Hostname(); host != "" {
		values["host"] = host
	}
	id := sessionIdentifier(src)
	if id != "" {
		values["id"] = id
	}
	port := id
	if port == "" {
		port = sessionPort(src)
	}
	if port != "" {
		values["port"] = port
	}
	return values
}

// sessionIdentifier extracts the numeric session marker runners embed
// in their VNC URLs: a token or id query parameter, or the digits of a
// /vnc/<digits> path segment.
func sessionIdentifier(u *url.URL) string {
	query := u.Query()
	for _, key := range []string{"token", "id"} {
		if value := query.Get(key); isDigits(value) {
			return value
		}
	}
	segments := strings.Split(strings.Trim(u.EscapedPath(), "/"), "/")
	for i, segment := range segments {
		if segment == "vnc" && i+1 < len(segments) && isDigits(segments[i+1]) {
			return segments[i+1]
		}
	}
	return ""
}

func sessionPort(u *url.URL) string {
	if port := u.Port(); port != "" {
		return port
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		return "80"
	case "https", "wss":
		return "443"
	}
	return ""
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
