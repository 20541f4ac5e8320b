package vncgateway

import (
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/camofleet/camofleet/internal/api"
)

// hopByHopHeaders are stripped in both directions; everything else is
// forwarded verbatim.
var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// handleHTTP forwards viewer asset requests to the backend listener
// selected by target_port.
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	port, source, err := resolveTargetPort(r, s.cfg.MinPort, s.cfg.MaxPort)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body io.Reader
	if r.ContentLength != 0 {
		body = r.Body
	}
	upstreamURL := s.upstreamHTTPURL(port, r)
	req, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, body)
	if err != nil {
		api.WriteError(w, http.StatusBadGateway, err.Error())
		return
	}
	req.ContentLength = r.ContentLength
	copyProxyHeaders(req.Header, r.Header)

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("upstream request failed", "url", upstreamURL, "error", err)
		api.WriteError(w, http.StatusBadGateway, "upstream request failed")
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for key, values := range resp.Header {
		if _, hop := hopByHopHeaders[strings.ToLower(key)]; hop {
			continue
		}
		for _, value := range values {
			header.Add(key, value)
		}
	}
	if source == fromQuery {
		http.SetCookie(w, &http.Cookie{
			Name:     targetCookie,
			Value:    strconv.Itoa(port),
			Path:     "/vnc",
			SameSite: http.SameSiteLaxMode,
		})
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Debug("response body copy interrupted", "error", err)
	}
}

// upstreamHTTPURL maps the public /vnc path onto the backend listener
// for port, keeping the query minus target_port.
func (s *Server) upstreamHTTPURL(port int, r *http.Request) string {
	suffix := strings.TrimPrefix(r.URL.Path, "/vnc")
	if suffix == "" {
		suffix = "/"
	}
	suffix = stripSessionSegment(suffix)

	var b strings.Builder
	b.WriteString(s.cfg.RunnerHTTPScheme)
	b.WriteString("://")
	b.WriteString(net.JoinHostPort(s.cfg.RunnerHost, strconv.Itoa(port)))
	b.WriteString(s.cfg.PathPrefix())
	b.WriteString(suffix)
	if query := dropTargetPort(r.URL.RawQuery); query != "" {
		b.WriteString("?")
		b.WriteString(query)
	}
	return b.String()
}

// stripSessionSegment drops a leading path segment that parses as a
// UUID so viewer assets requested under a session-scoped prefix resolve
// against the plain viewer tree.
func stripSessionSegment(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	segment, rest, _ := strings.Cut(trimmed, "/")
	if _, err := uuid.Parse(segment); err != nil {
		return path
	}
	if rest == "" {
		return "/"
	}
	return "/" + rest
}

// dropTargetPort removes target_port pairs from a raw query string
// while preserving the order and encoding of the remaining pairs.
func dropTargetPort(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	var kept []string
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		key, _, _ := strings.Cut(pair, "=")
		if key == "target_port" {
			continue
		}
		kept = append(kept, pair)
	}
	return strings.Join(kept, "&")
}

func copyProxyHeaders(dst, src http.Header) {
	for key, values := range src {
		lower := strings.ToLower(key)
		if _, hop := hopByHopHeaders[lower]; hop || lower == "host" {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}
