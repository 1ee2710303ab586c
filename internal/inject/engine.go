// Package inject decides which responses carry instrumentation scripts and
// rewrites their documents.
package inject

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"path"
	"regexp"
	"strconv"
	"strings"

	"codiner-proxy/internal/config"
	"codiner-proxy/internal/metrics"
	"codiner-proxy/internal/model"
	"codiner-proxy/internal/resource"
	"codiner-proxy/internal/status"
)

// Pages built with the old baked-in shim contain both markers.
const (
	legacyMarkerError     = "window-error"
	legacyMarkerRejection = "unhandled-rejection"
)

// Injection outcomes used as metric labels.
const (
	OutcomeInjected = "injected"
	OutcomeOversize = "oversize"
	OutcomeError    = "error"
)

var headPattern = regexp.MustCompile(`(?i)<head[^>]*>`)

// scriptOrder is the fixed slot order of injected scripts. The first two
// slots are dropped for legacy pages.
var scriptOrder = []resource.ID{
	resource.StackTrace,
	resource.ErrorShim,
	resource.ComponentSelector,
	resource.HTMLToImage,
	resource.ScreenshotClient,
	resource.VisualEditor,
	resource.ConsoleLogs,
	resource.ServiceWorkerReg,
}

const legacySkip = 2

// NeedsInjection reports whether a request path looks like a navigable page:
// the last segment has no extension or ends in .html. Dot-files such as
// "/.env" count as extensionless.
func NeedsInjection(p string) bool {
	base := path.Base(p)
	i := strings.LastIndexByte(base, '.')
	if i <= 0 {
		return true
	}
	return strings.EqualFold(base[i:], ".html")
}

// IsHTML reports whether a Content-Type value names an HTML document.
func IsHTML(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/html")
}

// ShouldRewrite applies both halves of the injection test.
func ShouldRewrite(p, contentType string) bool {
	return NeedsInjection(p) && IsHTML(contentType)
}

// Engine rewrites HTML documents. The script blocks are assembled once and
// shared by every request.
type Engine struct {
	full    string
	legacy  string
	maxBody int64

	reporter *status.Reporter
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewEngine prebuilds the script blocks from bundle. The metrics parameter is
// optional.
func NewEngine(bundle *resource.Bundle, cfg *config.Config, reporter *status.Reporter, m *metrics.Metrics, logger *slog.Logger) *Engine {
	tags := make([]string, 0, len(scriptOrder))
	for _, id := range scriptOrder {
		tags = append(tags, scriptTag(bundle, id))
	}

	return &Engine{
		full:     strings.Join(tags, "\n"),
		legacy:   strings.Join(tags[legacySkip:], "\n"),
		maxBody:  cfg.Inject.MaxBodyBytes,
		reporter: reporter,
		metrics:  m,
		logger:   logger.With("component", "inject_engine"),
	}
}

func scriptTag(bundle *resource.Bundle, id resource.ID) string {
	if content, ok := bundle.Get(id); ok {
		return "<script>" + content + "</script>"
	}
	p, _ := resource.Lookup(id)
	return "<script>" + p.Fallback + "</script>"
}

// Scripts returns the block inserted into a document, choosing the legacy
// variant when the page already carries its own error shim.
func (e *Engine) Scripts(doc string) string {
	if isLegacy(doc) {
		return e.legacy
	}
	return e.full
}

func isLegacy(doc string) bool {
	return strings.Contains(doc, legacyMarkerError) && strings.Contains(doc, legacyMarkerRejection)
}

// Rewrite inserts the script block right after the first <head> tag, or
// prepends it when the document has none. Invalid UTF-8 is replaced.
func (e *Engine) Rewrite(body []byte) []byte {
	doc := strings.ToValidUTF8(string(body), "\uFFFD")
	scripts := e.Scripts(doc)

	loc := headPattern.FindStringIndex(doc)
	if loc == nil {
		e.reporter.Diagnostic("Warning: <head> tag not found, scripts prepended.")
		e.logger.Warn("head tag not found, scripts prepended")
		return []byte(scripts + "\n" + doc)
	}

	var b strings.Builder
	b.Grow(len(doc) + len(scripts) + 1)
	b.WriteString(doc[:loc[1]])
	b.WriteByte('\n')
	b.WriteString(scripts)
	b.WriteString(doc[loc[1]:])
	return []byte(b.String())
}

// Apply buffers resp's body, rewrites it, and updates the length and
// validator headers in place. It reports false when the body exceeded the
// configured ceiling, in which case resp is left streaming the original
// bytes with its headers untouched. The original body is always consumed or
// handed back through resp.Body.
func (e *Engine) Apply(resp *model.ProxyResponse) (bool, error) {
	orig := resp.Body

	var src io.Reader = orig
	if e.maxBody > 0 {
		src = io.LimitReader(orig, e.maxBody+1)
	}
	raw, err := io.ReadAll(src)
	if err != nil {
		_ = orig.Close()
		e.observe(OutcomeError)
		return false, fmt.Errorf("read upstream body: %w", err)
	}

	if e.maxBody > 0 && int64(len(raw)) > e.maxBody {
		resp.Body = &multiReadCloser{
			Reader: io.MultiReader(bytes.NewReader(raw), orig),
			closer: orig,
		}
		e.observe(OutcomeOversize)
		e.logger.Debug("document over injection ceiling, passing through", "limit", e.maxBody)
		return false, nil
	}
	_ = orig.Close()

	decoded, err := decodeBody(raw, resp.Header.Get("Content-Encoding"))
	if err != nil {
		e.observe(OutcomeError)
		return false, err
	}

	out := e.Rewrite(decoded)

	resp.Header.Del("Content-Encoding")
	resp.Header.Del("ETag")
	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	resp.ContentLength = int64(len(out))
	resp.Body = io.NopCloser(bytes.NewReader(out))

	e.observe(OutcomeInjected)
	return true, nil
}

func (e *Engine) observe(outcome string) {
	if e.metrics != nil {
		e.metrics.InjectionsTotal.WithLabelValues(outcome).Inc()
	}
}

type multiReadCloser struct {
	io.Reader
	closer io.Closer
}

func (m *multiReadCloser) Close() error {
	return m.closer.Close()
}
