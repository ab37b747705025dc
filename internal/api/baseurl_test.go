package api

import (
	"crypto/tls"
	"net/http/httptest"
	"testing"
)

func TestExternalBaseURL(t *testing.T) {
	cases := []struct {
		name       string
		baseURL    string
		trustProxy bool
		host       string
		headers    map[string]string
		useTLS     bool
		want       string
	}{
		{
			name:    "configured base url wins",
			baseURL: "https://hub.example.com/",
			host:    "internal:8080",
			want:    "https://hub.example.com",
		},
		{
			name: "plain http",
			host: "localhost:8080",
			want: "http://localhost:8080",
		},
		{
			name:       "forwarded proto honored with trust",
			trustProxy: true,
			host:       "hub.example.com",
			headers:    map[string]string{"X-Forwarded-Proto": "https"},
			want:       "https://hub.example.com",
		},
		{
			name:    "forwarded proto ignored without trust",
			host:    "hub.example.com:8080",
			headers: map[string]string{"X-Forwarded-Proto": "https"},
			want:    "http://hub.example.com:8080",
		},
		{
			name:   "tls request",
			host:   "hub.example.com",
			useTLS: true,
			want:   "https://hub.example.com",
		},
		{
			name:    "forwarded-for on portless public host assumes https",
			host:    "hub.example.com",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.9"},
			want:    "https://hub.example.com",
		},
		{
			name:    "forwarded-for with explicit port stays http",
			host:    "hub.example.com:8080",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.9"},
			want:    "http://hub.example.com:8080",
		},
		{
			name:    "forwarded-for on localhost stays http",
			host:    "localhost",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.9"},
			want:    "http://localhost",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := &Server{baseURL: tc.baseURL, trustProxy: tc.trustProxy}
			r := httptest.NewRequest("GET", "http://"+tc.host+"/", nil)
			r.Host = tc.host
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}
			if tc.useTLS {
				r.TLS = &tls.ConnectionState{}
			}
			if got := s.externalBaseURL(r); got != tc.want {
				t.Fatalf("externalBaseURL = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestExternalWSBaseURL(t *testing.T) {
	s := &Server{baseURL: "https://hub.example.com"}
	r := httptest.NewRequest("GET", "https://hub.example.com/", nil)
	if got := s.externalWSBaseURL(r); got != "wss://hub.example.com" {
		t.Fatalf("ws url = %q", got)
	}

	s = &Server{}
	r = httptest.NewRequest("GET", "http://localhost:8080/", nil)
	r.Host = "localhost:8080"
	if got := s.externalWSBaseURL(r); got != "ws://localhost:8080" {
		t.Fatalf("ws url = %q", got)
	}
}
