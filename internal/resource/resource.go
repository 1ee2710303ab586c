// Package resource loads the script payloads the proxy injects into pages.
package resource

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"codiner-proxy/internal/status"
)

// ID names one payload.
type ID string

// Payload identifiers.
const (
	HTMLToImage       ID = "html-to-image"
	StackTrace        ID = "stacktrace"
	ErrorShim         ID = "codiner-shim"
	ComponentSelector ID = "component-selector-client"
	ScreenshotClient  ID = "screenshot-client"
	VisualEditor      ID = "visual-editor-client"
	ConsoleLogs       ID = "console-logs"
	ServiceWorker     ID = "service-worker"
	ServiceWorkerReg  ID = "service-worker-register"
)

// Payload describes where a payload lives and what replaces it when absent.
type Payload struct {
	ID ID
	// Path is relative to the resources directory.
	Path string
	// Fallback is the inline script injected in place of a missing payload.
	Fallback string
}

// Name is the file name used in diagnostics.
func (s Payload) Name() string {
	return filepath.Base(s.Path)
}

// Payloads lists every payload in load order.
var Payloads = []Payload{
	{
		ID:       HTMLToImage,
		Path:     filepath.Join("..", "node_modules", "html-to-image", "dist", "html-to-image.js"),
		Fallback: `console.error("[codiner-proxy] html-to-image was not injected - library not loaded.");`,
	},
	{
		ID:       StackTrace,
		Path:     filepath.Join("..", "node_modules", "stacktrace-js", "dist", "stacktrace.min.js"),
		Fallback: `console.warn("[codiner-proxy] stacktrace.js was not injected.");`,
	},
	{
		ID:       ErrorShim,
		Path:     "codiner-shim.js",
		Fallback: `console.warn("[codiner-proxy] codiner shim was not injected.");`,
	},
	{
		ID:       ComponentSelector,
		Path:     "codiner-component-selector-client.js",
		Fallback: `console.warn("[codiner-proxy] codiner component selector client was not injected.");`,
	},
	{
		ID:       ScreenshotClient,
		Path:     "codiner-screenshot-client.js",
		Fallback: `console.warn("[codiner-proxy] codiner screenshot client was not injected.");`,
	},
	{
		ID:       VisualEditor,
		Path:     "codiner-visual-editor-client.js",
		Fallback: `console.warn("[codiner-proxy] codiner visual editor client was not injected.");`,
	},
	{
		ID:       ConsoleLogs,
		Path:     "codiner_logs.js",
		Fallback: `console.warn("[codiner-proxy] codiner_logs.js was not injected.");`,
	},
	{
		ID:   ServiceWorker,
		Path: "codiner-sw.js",
		// Served directly, never injected.
	},
	{
		ID:       ServiceWorkerReg,
		Path:     "codiner-sw-register.js",
		Fallback: `console.warn("[codiner-proxy] codiner-sw-register.js was not injected.");`,
	},
}

// Lookup returns the Payload for id.
func Lookup(id ID) (Payload, bool) {
	for _, s := range Payloads {
		if s.ID == id {
			return s, true
		}
	}
	return Payload{}, false
}

// Bundle holds the payloads that loaded. It is never mutated after Load
// returns, so it is safe to share between concurrent requests.
type Bundle struct {
	dir      string
	contents map[ID]string
}

// NewBundle builds a Bundle from already-read contents. Used by tests and by
// Load.
func NewBundle(dir string, contents map[ID]string) *Bundle {
	c := make(map[ID]string, len(contents))
	for id, v := range contents {
		c[id] = v
	}
	return &Bundle{dir: dir, contents: c}
}

// Get returns the payload for id and whether it loaded.
func (b *Bundle) Get(id ID) (string, bool) {
	if b == nil {
		return "", false
	}
	v, ok := b.contents[id]
	return v, ok
}

// Loaded lists the ids that loaded, in Payloads order.
func (b *Bundle) Loaded() []ID {
	var ids []ID
	for _, s := range Payloads {
		if _, ok := b.Get(s.ID); ok {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// Dir is the directory the bundle was read from.
func (b *Bundle) Dir() string {
	return b.dir
}

// An empty file would inject an empty script instead of the fallback.
var errEmpty = errors.New("file is empty")

// Load reads every payload in Payloads from dir. Each file is read exactly once;
// a failure is reported and skipped, never returned.
func Load(dir string, reporter *status.Reporter, logger *slog.Logger) *Bundle {
	logger = logger.With("component", "resource_loader")

	contents := make(map[ID]string, len(Payloads))
	for _, s := range Payloads {
		path := filepath.Join(dir, s.Path)
		data, err := os.ReadFile(path)
		if err == nil && len(data) == 0 {
			err = errEmpty
		}
		if err != nil {
			reporter.Diagnostic("Failed to read %s: %v", s.Name(), err)
			logger.Warn("resource not loaded", "resource", s.ID, "path", path, "err", err)
			continue
		}
		contents[s.ID] = string(data)
		reporter.Diagnostic("%s loaded.", s.Name())
		logger.Debug("resource loaded", "resource", s.ID, "path", path, "bytes", len(data))
	}

	return &Bundle{dir: dir, contents: contents}
}

// String summarizes the bundle for logs.
func (b *Bundle) String() string {
	return fmt.Sprintf("%d/%d resources from %s", len(b.contents), len(Payloads), b.dir)
}
