// Package service implements the upstream target and request forwarding.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"codiner-proxy/internal/client"
	"codiner-proxy/internal/inject"
	"codiner-proxy/internal/model"
)

// ProxyService relays requests to the upstream origin.
type ProxyService struct {
	client *client.UpstreamClient
	target *Target
	logger *slog.Logger
}

// NewProxyService creates a ProxyService.
func NewProxyService(c *client.UpstreamClient, target *Target, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client: c,
		target: target,
		logger: logger.With("component", "proxy_service"),
	}
}

// Target returns the upstream target the service forwards to.
func (s *ProxyService) Target() *Target {
	return s.target
}

// Forward sends a ProxyRequest upstream and returns the response.
// The caller is responsible for closing the response body.
//
// A nil target yields ErrNoUpstream; transport failures are wrapped.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	u, err := s.target.Resolve(pr.Path, pr.RawPath, pr.RawQuery)
	if err != nil {
		return nil, err
	}

	header := s.RewriteHeaders(pr.Header)
	if inject.NeedsInjection(pr.Path) {
		// The rewrite needs an identity-encoded, full 200 body.
		header.Del("Accept-Encoding")
		header.Del("If-None-Match")
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, u.String(), header, pr.Body, pr.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	return resp, nil
}

// RewriteHeaders copies src and points Host, Origin and Referer at the
// upstream origin. A Referer that does not parse as an absolute URL is dropped.
func (s *ProxyService) RewriteHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	// Host is carried by the request URL.
	dst.Del("Host")
	// An empty value keeps net/http from adding its own User-Agent.
	if _, ok := dst["User-Agent"]; !ok {
		dst["User-Agent"] = []string{""}
	}

	origin := s.target.Origin()
	if dst.Get("Origin") != "" {
		dst.Set("Origin", origin)
	}
	if ref := dst.Get("Referer"); ref != "" {
		if rewritten, ok := rewriteReferer(ref, origin); ok {
			dst.Set("Referer", rewritten)
		} else {
			dst.Del("Referer")
		}
	}
	return dst
}

func rewriteReferer(ref, origin string) (string, bool) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	out := origin + u.EscapedPath()
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out, true
}
