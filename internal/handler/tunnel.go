package handler

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"codiner-proxy/internal/client"
	"codiner-proxy/internal/metrics"
	"codiner-proxy/internal/service"
)

// Tunnel results used as metric labels.
const (
	tunnelUpgraded   = "upgraded"
	tunnelBadRequest = "bad_request"
	tunnelDialError  = "dial_error"
	tunnelHandshake  = "handshake_error"
	tunnelRejected   = "rejected"
)

// TunnelHandler relays Upgrade requests (WebSocket and friends) as raw byte
// streams once the upstream agrees to switch protocols.
type TunnelHandler struct {
	service *service.ProxyService
	client  *client.UpstreamClient
	metrics *metrics.Metrics
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewTunnelHandler creates a TunnelHandler. The metrics parameter is optional.
func NewTunnelHandler(svc *service.ProxyService, c *client.UpstreamClient, m *metrics.Metrics, logger *slog.Logger) *TunnelHandler {
	ctx, cancel := context.WithCancel(context.Background())
	return &TunnelHandler{
		service: svc,
		client:  c,
		metrics: m,
		logger:  logger.With("component", "tunnel_handler"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Shutdown closes every open tunnel. Hijacked connections are invisible to
// http.Server.Shutdown.
func (h *TunnelHandler) Shutdown() {
	h.cancel()
}

// Handle takes over the client connection and tunnels it to the upstream.
// Once hijacked, failures can only be reported on the raw socket.
func (h *TunnelHandler) Handle(c echo.Context) error {
	req := c.Request()
	res := c.Response()

	conn, bufrw, err := res.Hijack()
	if err != nil {
		return fmt.Errorf("hijack client connection: %w", err)
	}
	defer func() { _ = conn.Close() }()
	// Clear deadlines left over from header parsing.
	_ = conn.SetDeadline(time.Time{})

	log := h.logger.With("path", req.URL.Path)

	u, err := h.service.Target().Resolve(req.URL.Path, req.URL.RawPath, req.URL.RawQuery)
	if err != nil {
		_, _ = io.WriteString(conn, "HTTP/1.1 400 Bad Request\r\n\r\n"+err.Error())
		res.Status = http.StatusBadRequest
		h.observe(tunnelBadRequest)
		log.Error("upgrade rejected", "err", err)
		return nil
	}

	ctx := h.ctx
	upConn, err := h.client.Dial(ctx, u)
	if err != nil {
		// No protocol is established yet, so the socket is just dropped.
		res.Status = http.StatusBadGateway
		h.observe(tunnelDialError)
		log.Error("upgrade dial failed", "err", err)
		return nil
	}
	defer func() { _ = upConn.Close() }()

	outReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		res.Status = http.StatusBadGateway
		h.observe(tunnelHandshake)
		log.Error("build upgrade request", "err", err)
		return nil
	}
	outReq.Header = h.service.RewriteHeaders(req.Header)

	if err := outReq.Write(upConn); err != nil {
		res.Status = http.StatusBadGateway
		h.observe(tunnelHandshake)
		log.Error("write upgrade request", "err", err)
		return nil
	}

	upReader := bufio.NewReader(upConn)
	upResp, err := http.ReadResponse(upReader, outReq)
	if err != nil {
		res.Status = http.StatusBadGateway
		h.observe(tunnelHandshake)
		log.Error("read upgrade response", "err", err)
		return nil
	}

	if upResp.StatusCode != http.StatusSwitchingProtocols {
		// The upstream declined; hand its answer to the client as-is.
		res.Status = upResp.StatusCode
		_ = upResp.Write(conn)
		_ = upResp.Body.Close()
		h.observe(tunnelRejected)
		log.Warn("upstream refused upgrade", "status", upResp.StatusCode)
		return nil
	}

	res.Status = http.StatusSwitchingProtocols
	h.observe(tunnelUpgraded)

	var head bytes.Buffer
	head.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	_ = upResp.Header.Write(&head)
	head.WriteString("\r\n")
	if _, err := conn.Write(head.Bytes()); err != nil {
		log.Warn("write upgrade response", "err", err)
		return nil
	}

	if h.metrics != nil {
		h.metrics.TunnelsActive.Inc()
		defer h.metrics.TunnelsActive.Dec()
	}

	// Client bytes that arrived with the request headers sit in the
	// server's read buffer; upstream bytes that arrived with the 101 sit in
	// upReader. Both are delivered before anything read afterwards.
	var clientReader io.Reader = conn
	if n := bufrw.Reader.Buffered(); n > 0 {
		early, _ := bufrw.Reader.Peek(n)
		clientReader = io.MultiReader(bytes.NewReader(bytes.Clone(early)), conn)
	}

	if err := h.pump(ctx, conn, clientReader, upConn, upReader); err != nil {
		log.Debug("tunnel closed with error", "err", err)
	}
	return nil
}

// pump copies bytes both ways until each side has finished. A clean EOF is
// forwarded as a half-close; any other failure tears both connections down.
func (h *TunnelHandler) pump(ctx context.Context, down net.Conn, downR io.Reader, up net.Conn, upR io.Reader) error {
	g, ctx := errgroup.WithContext(ctx)

	go func() {
		<-ctx.Done()
		_ = down.Close()
		_ = up.Close()
	}()

	g.Go(func() error { return h.relay(up, downR, metrics.DirectionUpstream) })
	g.Go(func() error { return h.relay(down, upR, metrics.DirectionDownstream) })

	return g.Wait()
}

func (h *TunnelHandler) relay(dst net.Conn, src io.Reader, direction string) error {
	n, err := io.Copy(dst, src)
	if h.metrics != nil {
		h.metrics.TunnelBytes.WithLabelValues(direction).Add(float64(n))
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%s: %w", direction, err)
	}
	if cw, ok := dst.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	return nil
}

func (h *TunnelHandler) observe(result string) {
	if h.metrics != nil {
		h.metrics.TunnelsTotal.WithLabelValues(result).Inc()
	}
}
