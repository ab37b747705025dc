package api

import (
	"net"
	"net/http"
	"strings"
)

// externalBaseURL derives the URL clients should use to reach this hub.
// The configured base URL always wins; otherwise the scheme comes from
// the request, honoring X-Forwarded-Proto only when proxy headers are
// trusted. A forwarded request for a non-local host without an explicit
// port is assumed to have been terminated by an https proxy.
func (s *Server) externalBaseURL(r *http.Request) string {
	if s.baseURL != "" {
		return strings.TrimSuffix(s.baseURL, "/")
	}

	host := r.Host
	scheme := "http"
	switch {
	case s.trustProxy && r.Header.Get("X-Forwarded-Proto") != "":
		scheme = r.Header.Get("X-Forwarded-Proto")
	case r.TLS != nil:
		scheme = "https"
	case r.Header.Get("X-Forwarded-For") != "" && !isLocalHost(host) && !hasExplicitPort(host):
		scheme = "https"
	}
	return scheme + "://" + host
}

// externalWSBaseURL is externalBaseURL with the matching ws scheme.
func (s *Server) externalWSBaseURL(r *http.Request) string {
	base := s.externalBaseURL(r)
	if strings.HasPrefix(base, "https://") {
		return "wss://" + strings.TrimPrefix(base, "https://")
	}
	return "ws://" + strings.TrimPrefix(base, "http://")
}

func isLocalHost(host string) bool {
	h := host
	if sp, _, err := net.SplitHostPort(host); err == nil {
		h = sp
	}
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func hasExplicitPort(host string) bool {
	_, _, err := net.SplitHostPort(host)
	return err == nil
}
