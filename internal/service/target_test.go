package service

import (
	"errors"
	"testing"
)

func TestNewTarget(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantErr    bool
		wantOrigin string
	}{
		{"http with port", "http://localhost:5173", false, "http://localhost:5173"},
		{"https", "https://example.test", false, "https://example.test"},
		{"path and query dropped", "http://127.0.0.1:3000/app?x=1#frag", false, "http://127.0.0.1:3000"},
		{"surrounding space", "  http://localhost:5173 ", false, "http://localhost:5173"},
		{"empty", "", true, ""},
		{"relative", "/just/a/path", true, ""},
		{"no host", "http://", true, ""},
		{"ws scheme", "ws://localhost:5173", true, ""},
		{"garbage", "://bad", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := NewTarget(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("NewTarget(%q) expected error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewTarget(%q) error = %v", tt.raw, err)
			}
			if got := target.Origin(); got != tt.wantOrigin {
				t.Errorf("Origin() = %q, want %q", got, tt.wantOrigin)
			}
		})
	}
}

func TestTarget_Resolve(t *testing.T) {
	target, err := NewTarget("http://localhost:5173/ignored")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		path     string
		rawPath  string
		rawQuery string
		want     string
	}{
		{"root", "/", "", "", "http://localhost:5173/"},
		{"empty path", "", "", "", "http://localhost:5173/"},
		{"path and query", "/src/main.tsx", "", "t=123&v=abc", "http://localhost:5173/src/main.tsx?t=123&v=abc"},
		{"escaped path preserved", "/a b/c/d", "/a%20b/c%2Fd", "", "http://localhost:5173/a%20b/c%2Fd"},
		{"query only", "/", "", "q", "http://localhost:5173/?q"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := target.Resolve(tt.path, tt.rawPath, tt.rawQuery)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got := u.String(); got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTarget_ResolveNil(t *testing.T) {
	var target *Target
	if _, err := target.Resolve("/", "", ""); !errors.Is(err, ErrNoUpstream) {
		t.Errorf("Resolve() error = %v, want ErrNoUpstream", err)
	}
	if target.Origin() != "" || target.Host() != "" || target.Secure() {
		t.Error("nil target should report empty origin")
	}
}

func TestTarget_HostAndSecure(t *testing.T) {
	target, err := NewTarget("https://preview.test:8443")
	if err != nil {
		t.Fatal(err)
	}
	if got := target.Host(); got != "preview.test:8443" {
		t.Errorf("Host() = %q, want %q", got, "preview.test:8443")
	}
	if !target.Secure() {
		t.Error("Secure() = false, want true")
	}
}
