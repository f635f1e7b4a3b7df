package support

import (
	"net/http/httptest"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name      string
		remote    string
		forwarded string
		trust     bool
		want      string
	}{
		{name: "remote only", remote: "10.1.2.3:5555", want: "10.1.2.3"},
		{name: "first forwarded entry", remote: "10.1.2.3:5555", forwarded: " 1.2.3.4 , 5.6.7.8", trust: true, want: "1.2.3.4"},
		{name: "forwarded ignored when untrusted", remote: "10.1.2.3:5555", forwarded: "1.2.3.4", want: "10.1.2.3"},
		{name: "empty first entry falls back", remote: "10.1.2.3:5555", forwarded: " ,1.2.3.4", trust: true, want: "10.1.2.3"},
		{name: "ipv6 remote", remote: "[2001:db8::1]:443", want: "2001:db8::1"},
		{name: "mapped ipv4", remote: "[::ffff:192.0.2.7]:80", want: "192.0.2.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			if tt.forwarded != "" {
				req.Header.Set(ForwardedForHeader, tt.forwarded)
			}
			if got := ClientIP(req, tt.trust); got != tt.want {
				t.Fatalf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRemoteIPIgnoresForwardedHeader(t *testing.T) {
	req := httptest.NewRequest("POST", "/login", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	req.Header.Set(ForwardedForHeader, "1.1.1.1")

	if got := RemoteIP(req); got != "203.0.113.9" {
		t.Fatalf("RemoteIP = %q, want 203.0.113.9", got)
	}
}

func TestNormalizeIPKeepsUnparseableInput(t *testing.T) {
	if got := NormalizeIP(" not-an-ip "); got != "not-an-ip" {
		t.Fatalf("NormalizeIP = %q, want not-an-ip", got)
	}
}
