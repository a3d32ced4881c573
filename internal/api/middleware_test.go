package api

import (
	"net/http/httptest"
	"testing"
)

func TestRoutePatternFallsBackToPath(t *testing.T) {
	req := httptest.NewRequest("GET", "/healthz", nil)
	if got := routePattern(req); got != "/healthz" {
		t.Fatalf("expected path fallback, got %s", got)
	}
}

func TestClientOriginPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "1.1.1.1")
	req.RemoteAddr = "2.2.2.2"
	if got := clientOrigin(req); got != "1.1.1.1" {
		t.Fatalf("expected forwarded header, got %s", got)
	}
}

func TestParseTokenFromHeader(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":  "abc",
		"bearer  abc": "abc",
		"Basic abc":   "",
		"abc":         "",
		"":            "",
	}
	for header, want := range cases {
		if got := parseTokenFromHeader(header); got != want {
			t.Fatalf("parseTokenFromHeader(%q) = %q, want %q", header, got, want)
		}
	}
}

func TestSaneRequestID(t *testing.T) {
	for _, id := range []string{"abc-123", "host/1", "", "a b"} {
		want := id == "abc-123"
		if got := saneRequestID(id); got != want {
			t.Fatalf("saneRequestID(%q) = %v", id, got)
		}
	}
}
