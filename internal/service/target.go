package service

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"codiner-proxy/internal/config"
)

// ErrNoUpstream is returned when a request arrives without a configured origin.
var ErrNoUpstream = errors.New("no upstream origin configured")

// Target is the single upstream origin. It is immutable after construction.
type Target struct {
	origin *url.URL
}

// NewTarget parses raw as an absolute http(s) URL and keeps only its scheme
// and host. Path, query and fragment are ignored.
func NewTarget(raw string) (*Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("upstream target is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse upstream target: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream target %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream target %q: missing host", raw)
	}
	return &Target{origin: &url.URL{Scheme: u.Scheme, Host: u.Host}}, nil
}

// NewTargetFromConfig builds the Target from the upstream section.
func NewTargetFromConfig(cfg *config.Config) (*Target, error) {
	return NewTarget(cfg.Upstream.Target)
}

// Resolve joins an inbound path and query to the origin.
func (t *Target) Resolve(path, rawPath, rawQuery string) (*url.URL, error) {
	if t == nil || t.origin == nil {
		return nil, ErrNoUpstream
	}
	if path == "" {
		path = "/"
	}
	return &url.URL{
		Scheme:   t.origin.Scheme,
		Host:     t.origin.Host,
		Path:     path,
		RawPath:  rawPath,
		RawQuery: rawQuery,
	}, nil
}

// Origin returns scheme://host[:port].
func (t *Target) Origin() string {
	if t == nil || t.origin == nil {
		return ""
	}
	return t.origin.Scheme + "://" + t.origin.Host
}

// Host returns the host[:port] used for the Host header.
func (t *Target) Host() string {
	if t == nil || t.origin == nil {
		return ""
	}
	return t.origin.Host
}

// Secure reports whether the origin uses TLS.
func (t *Target) Secure() bool {
	return t != nil && t.origin != nil && t.origin.Scheme == "https"
}
