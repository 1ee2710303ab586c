package handler

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"codiner-proxy/internal/client"
	"codiner-proxy/internal/config"
	"codiner-proxy/internal/inject"
	"codiner-proxy/internal/metrics"
	"codiner-proxy/internal/middleware"
	"codiner-proxy/internal/resource"
	"codiner-proxy/internal/service"
)

const testPage = "<html><head><title>x</title></head><body>hi</body></html>"

// testBundle has every payload loaded with a short marker as content.
func testBundle() *resource.Bundle {
	return resource.NewBundle("/res", map[resource.ID]string{
		resource.StackTrace:        "ST",
		resource.ErrorShim:         "SHIM",
		resource.ComponentSelector: "SEL",
		resource.HTMLToImage:       "H2I",
		resource.ScreenshotClient:  "SHOT",
		resource.VisualEditor:      "VE",
		resource.ConsoleLogs:       "LOGS",
		resource.ServiceWorker:     "self.skipWaiting();",
		resource.ServiceWorkerReg:  "SWR",
	})
}

const testBlock = "<script>ST</script>\n<script>SHIM</script>\n<script>SEL</script>\n" +
	"<script>H2I</script>\n<script>SHOT</script>\n<script>VE</script>\n" +
	"<script>LOGS</script>\n<script>SWR</script>"

type testStack struct {
	e       *echo.Echo
	metrics *metrics.Metrics
	tunnel  *TunnelHandler
}

// newTestStack wires the handlers the way main does, against upstream.
// An empty upstream leaves the target unset.
func newTestStack(t *testing.T, upstream string, bundle *resource.Bundle, admin bool) *testStack {
	t.Helper()

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			Target:          upstream,
			IdleConnections: 10,
		},
		Admin: config.AdminConfig{Enabled: admin, Prefix: "/__codiner"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()

	var target *service.Target
	if upstream != "" {
		var err error
		target, err = service.NewTarget(upstream)
		if err != nil {
			t.Fatalf("NewTarget: %v", err)
		}
	}

	uc := client.NewUpstreamClient(cfg, logger, m)
	svc := service.NewProxyService(uc, target, logger)
	engine := inject.NewEngine(bundle, cfg, nil, m, logger)

	proxy := NewProxyHandler(svc, engine, logger)
	tunnel := NewTunnelHandler(svc, uc, m, logger)
	t.Cleanup(tunnel.Shutdown)
	static := NewStaticHandler(bundle)
	health := NewHealthHandler(target, bundle, "test")

	e := echo.New()
	e.Use(middleware.HopByHop())
	RegisterRoutes(e, cfg, proxy, tunnel, static, health, m)

	return &testStack{e: e, metrics: m, tunnel: tunnel}
}

func (s *testStack) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func TestProxyHandler_InjectsIntoHead(t *testing.T) {
	var gotAcceptEncoding, gotIfNoneMatch string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAcceptEncoding = r.Header.Get("Accept-Encoding")
		gotIfNoneMatch = r.Header.Get("If-None-Match")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("ETag", `W/"1a"`)
		w.Header().Set("X-Powered-By", "vite")
		_, _ = w.Write([]byte(testPage))
	}))
	defer upstream.Close()

	s := newTestStack(t, upstream.URL, testBundle(), false)

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set("Accept-Encoding", "gzip, br")
	req.Header.Set("If-None-Match", `W/"1a"`)
	rec := s.do(req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	want := "<html><head>\n" + testBlock + "<title>x</title></head><body>hi</body></html>"
	if got := rec.Body.String(); got != want {
		t.Errorf("body =\n%q\nwant\n%q", got, want)
	}
	if got := rec.Header().Get("Content-Length"); got != strconv.Itoa(len(want)) {
		t.Errorf("Content-Length = %q, want %d", got, len(want))
	}
	if rec.Header().Get("ETag") != "" {
		t.Error("ETag should be removed from injected responses")
	}
	if rec.Header().Get("X-Powered-By") != "vite" {
		t.Error("other upstream headers should be kept")
	}
	if gotAcceptEncoding != "" || gotIfNoneMatch != "" {
		t.Errorf("upstream saw Accept-Encoding=%q If-None-Match=%q, want both stripped", gotAcceptEncoding, gotIfNoneMatch)
	}
}

func TestProxyHandler_AssetsAreByteIdentical(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		contentType string
	}{
		{"javascript", "/app.js", "application/javascript"},
		{"html served for asset path", "/app.js", "text/html"},
		{"json route", "/api/todos", "application/json"},
		{"image", "/logo.png", "image/png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotAcceptEncoding string
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotAcceptEncoding = r.Header.Get("Accept-Encoding")
				w.Header().Set("Content-Type", tt.contentType)
				w.Header().Set("ETag", `"abc"`)
				w.Header().Set("Content-Length", strconv.Itoa(len(testPage)))
				_, _ = w.Write([]byte(testPage))
			}))
			defer upstream.Close()

			s := newTestStack(t, upstream.URL, testBundle(), false)

			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			req.Header.Set("Accept-Encoding", "gzip")
			rec := s.do(req)

			if rec.Body.String() != testPage {
				t.Errorf("body = %q, want upstream bytes %q", rec.Body.String(), testPage)
			}
			if rec.Header().Get("ETag") != `"abc"` {
				t.Errorf("ETag = %q, want %q", rec.Header().Get("ETag"), `"abc"`)
			}
			if rec.Header().Get("Content-Type") != tt.contentType {
				t.Errorf("Content-Type = %q, want %q", rec.Header().Get("Content-Type"), tt.contentType)
			}
			if rec.Header().Get("Content-Length") != strconv.Itoa(len(testPage)) {
				t.Errorf("Content-Length = %q, want %d", rec.Header().Get("Content-Length"), len(testPage))
			}
			wantAE := "gzip"
			if inject.NeedsInjection(tt.path) {
				wantAE = ""
			}
			if gotAcceptEncoding != wantAE {
				t.Errorf("upstream Accept-Encoding = %q, want %q", gotAcceptEncoding, wantAE)
			}
		})
	}
}

func TestProxyHandler_StatusForwardedVerbatim(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		status int
		ctype  string
		inject bool
	}{
		{"not found page", "/missing", http.StatusNotFound, "text/html", true},
		{"server error page", "/boom", http.StatusInternalServerError, "text/html", true},
		{"created json", "/api/items", http.StatusCreated, "application/json", false},
		{"teapot asset", "/pot.css", http.StatusTeapot, "text/css", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.ctype)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("<head></head>"))
			}))
			defer upstream.Close()

			s := newTestStack(t, upstream.URL, testBundle(), false)
			rec := s.do(httptest.NewRequest(http.MethodGet, tt.path, http.NoBody))

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			if injected := strings.Contains(rec.Body.String(), "<script>SEL</script>"); injected != tt.inject {
				t.Errorf("injected = %v, want %v", injected, tt.inject)
			}
		})
	}
}

func TestProxyHandler_RedirectNotFollowed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	}))
	defer upstream.Close()

	s := newTestStack(t, upstream.URL, testBundle(), false)
	rec := s.do(httptest.NewRequest(http.MethodGet, "/dashboard", http.NoBody))

	if rec.Code != http.StatusFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusFound)
	}
	if rec.Header().Get("Location") != "/login" {
		t.Errorf("Location = %q, want %q", rec.Header().Get("Location"), "/login")
	}
}

func TestProxyHandler_UpstreamUnreachable(t *testing.T) {
	s := newTestStack(t, "http://127.0.0.1:1", testBundle(), false)
	rec := s.do(httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if !strings.HasPrefix(rec.Body.String(), "Upstream error: ") {
		t.Errorf("body = %q, want Upstream error prefix", rec.Body.String())
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", rec.Header().Get("Content-Type"))
	}
}

func TestProxyHandler_NoTarget(t *testing.T) {
	s := newTestStack(t, "", testBundle(), false)
	rec := s.do(httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if !strings.HasPrefix(rec.Body.String(), "Bad request: ") {
		t.Errorf("body = %q, want Bad request prefix", rec.Body.String())
	}
}

func TestProxyHandler_InjectionFailureDoesNotLeakBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "compress")
		_, _ = w.Write([]byte("secret upstream markup"))
	}))
	defer upstream.Close()

	s := newTestStack(t, upstream.URL, testBundle(), false)
	rec := s.do(httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if !strings.HasPrefix(rec.Body.String(), "Injection failed: ") {
		t.Errorf("body = %q, want Injection failed prefix", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "secret upstream markup") {
		t.Error("upstream body leaked into the error response")
	}
}

func TestProxyHandler_ForwardsRequestBody(t *testing.T) {
	var gotBody, gotMethod, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody, gotMethod, gotQuery = string(b), r.Method, r.URL.RawQuery
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	s := newTestStack(t, upstream.URL, testBundle(), false)
	req := httptest.NewRequest(http.MethodPut, "/api/items/7?draft=1", strings.NewReader(`{"done":true}`))
	req.Header.Set("Content-Type", "application/json")
	rec := s.do(req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if gotMethod != http.MethodPut || gotBody != `{"done":true}` || gotQuery != "draft=1" {
		t.Errorf("upstream got %s ?%s %q", gotMethod, gotQuery, gotBody)
	}
}

func TestProxyHandler_StreamsUnknownLength(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 3; i++ {
			_, _ = fmt.Fprintf(w, "data: %d\n\n", i)
			w.(http.Flusher).Flush()
		}
	}))
	defer upstream.Close()

	s := newTestStack(t, upstream.URL, testBundle(), false)
	rec := s.do(httptest.NewRequest(http.MethodGet, "/events", http.NoBody))

	if want := "data: 0\n\ndata: 1\n\ndata: 2\n\n"; rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
	if !rec.Flushed {
		t.Error("unknown-length body should be flushed")
	}
}

func TestProxyHandler_HeadSkipsInjection(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Length", strconv.Itoa(len(testPage)))
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(testPage))
	}))
	defer upstream.Close()

	s := newTestStack(t, upstream.URL, testBundle(), false)
	rec := s.do(httptest.NewRequest(http.MethodHead, "/dashboard", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
	for _, key := range []string{"Content-Length", "ETag", "Content-Encoding"} {
		if v := rec.Header().Get(key); v != "" {
			t.Errorf("%s = %q, want absent", key, v)
		}
	}
	if rec.Header().Get("Content-Type") != "text/html" {
		t.Errorf("Content-Type = %q, want text/html", rec.Header().Get("Content-Type"))
	}
	if v := testutil.ToFloat64(s.metrics.InjectionsTotal.WithLabelValues(inject.OutcomeInjected)); v != 0 {
		t.Errorf("injections = %v, want 0", v)
	}
}

func TestProxyHandler_BodylessStatusSkipsInjection(t *testing.T) {
	tests := []struct {
		name   string
		status int
		line   string
	}{
		{"not modified", http.StatusNotModified, "HTTP/1.1 304 Not Modified"},
		{"no content", http.StatusNoContent, "HTTP/1.1 204 No Content"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// net/http drops Content-Type on these statuses, so the reply is
			// written by hand the way other dev servers send it.
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				conn, rw, err := http.NewResponseController(w).Hijack()
				if err != nil {
					t.Errorf("upstream hijack: %v", err)
					return
				}
				defer func() { _ = conn.Close() }()
				_, _ = rw.WriteString(tt.line + "\r\nContent-Type: text/html\r\nETag: \"v1\"\r\nConnection: close\r\n\r\n")
				_ = rw.Flush()
			}))
			defer upstream.Close()

			s := newTestStack(t, upstream.URL, testBundle(), false)
			rec := s.do(httptest.NewRequest(http.MethodGet, "/", http.NoBody))

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if rec.Body.Len() != 0 {
				t.Errorf("body = %q, want empty", rec.Body.String())
			}
			if rec.Header().Get("ETag") != `"v1"` {
				t.Errorf("ETag = %q, want upstream value", rec.Header().Get("ETag"))
			}
			if v := testutil.ToFloat64(s.metrics.InjectionsTotal.WithLabelValues(inject.OutcomeInjected)); v != 0 {
				t.Errorf("injections = %v, want 0", v)
			}
		})
	}
}

func TestBodyAllowed(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{http.StatusContinue, false},
		{http.StatusSwitchingProtocols, false},
		{http.StatusOK, true},
		{http.StatusNoContent, false},
		{http.StatusNotModified, false},
		{http.StatusNotFound, true},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			if got := bodyAllowed(tt.status); got != tt.want {
				t.Errorf("bodyAllowed(%d) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}
