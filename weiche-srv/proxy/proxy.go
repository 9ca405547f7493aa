package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/codefionn/weiche/weiche-srv/config"
	"github.com/codefionn/weiche/weiche-srv/logger"
	"github.com/codefionn/weiche/weiche-srv/portal"
	"github.com/codefionn/weiche/weiche-srv/router"
	"github.com/codefionn/weiche/weiche-srv/stats"
)

type contextKey struct {
	name string
}

var clientKey = &contextKey{name: "http-client"}
var clientIPKey = &contextKey{name: "client-ip"}
var routeResultKey = &contextKey{name: "route-result"}

func WithClient(ctx context.Context, client *http.Client) context.Context {
	return context.WithValue(ctx, clientKey, client)
}

func ClientFromContext(ctx context.Context) (*http.Client, bool) {
	clientVal := ctx.Value(clientKey)
	if clientVal == nil {
		return nil, false
	}
	client, ok := clientVal.(*http.Client)
	return client, ok
}

func WithClientIP(ctx context.Context, clientIP string) context.Context {
	return context.WithValue(ctx, clientIPKey, clientIP)
}

func ClientIPFromContext(ctx context.Context) (string, bool) {
	clientIPVal := ctx.Value(clientIPKey)
	if clientIPVal == nil {
		return "", false
	}
	clientIP, ok := clientIPVal.(string)
	return clientIP, ok
}

// routeResult carries the routing outcome out of the transport's dial
// hook so the request handler can record it against the connection.
type routeResult struct {
	mu       sync.Mutex
	decision router.Decision
	dialErr  error
	set      bool
}

func (rr *routeResult) store(d router.Decision, err error) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	if rr.set {
		return
	}
	rr.decision = d
	rr.dialErr = err
	rr.set = true
}

func (rr *routeResult) get() (router.Decision, error, bool) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return rr.decision, rr.dialErr, rr.set
}

func withRouteResult(ctx context.Context, rr *routeResult) context.Context {
	return context.WithValue(ctx, routeResultKey, rr)
}

func routeResultFromContext(ctx context.Context) *routeResult {
	rr, ok := ctx.Value(routeResultKey).(*routeResult)
	if !ok {
		return nil
	}
	return rr
}

// Server is one listener plus its HTTP proxy loop.
type Server struct {
	config       *config.Config
	serverConfig config.ServerConfig
	server       *http.Server
	proxy        *Proxy
	limiter      *clientLimiter
}

// Proxy owns the routing engine, the statistics collector, the portal,
// and every configured listener.
type Proxy struct {
	config  *config.Config
	servers []*Server
	router  *router.Router
	portal  *portal.Portal
	stats.Collector
}

// NewProxy wires the routing table, collector, portal, and servers from
// the loaded configuration and proxy set.
func NewProxy(cfg *config.Config, set *config.ProxySet) *Proxy {
	table := router.NewTable(set)
	rtr := router.New(table, router.Options{
		AffinityTTL: time.Duration(cfg.Routing.AffinityTTLSeconds) * time.Second,
		DialTimeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	})

	p := &Proxy{
		config:  cfg,
		servers: make([]*Server, 0, len(cfg.Servers)),
		router:  rtr,
	}

	if cfg.Statistics.Enabled {
		var err error
		factory := stats.NewCollectorFactory()
		p.Collector, err = factory.CreateCollector(&cfg.Statistics)
		if err != nil {
			logger.Error("Failed to initialize statistics collector: %v", err)
			p.Collector = stats.NewDummyCollector()
		}
	} else {
		p.Collector = stats.NewDummyCollector()
	}

	p.portal = portal.NewPortal(cfg, p.Collector, rtr)

	for _, serverCfg := range cfg.Servers {
		if !serverCfg.Enabled {
			logger.Info("Skipping disabled server on %s", serverCfg.ListenAddress)
			continue
		}

		switch serverCfg.Type {
		case config.ProxyTypeStandard:
		default:
			logger.Error("Unknown proxy type: %s", serverCfg.Type)
			continue
		}

		p.servers = append(p.servers, &Server{
			config:       cfg,
			serverConfig: serverCfg,
			proxy:        p,
			limiter:      newClientLimiter(serverCfg.ConnectionsPerClient),
		})
	}

	if len(p.servers) == 0 {
		logger.Warn("No enabled proxy servers configured")
	}

	return p
}

// Router exposes the routing engine, mainly for the portal and tests.
func (p *Proxy) Router() *router.Router {
	return p.router
}

// GetConfig returns the configuration the proxy was built from.
func (p *Proxy) GetConfig() *config.Config {
	return p.config
}

// ReloadProxySet swaps in a freshly loaded upstream proxy set.
func (p *Proxy) ReloadProxySet(set *config.ProxySet) {
	p.router.SetTable(router.NewTable(set))
}

// Start runs every enabled server and blocks until they stop.
func (p *Proxy) Start() error {
	if len(p.servers) == 0 {
		return fmt.Errorf("no enabled proxy servers configured")
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var startErrors []error

	for _, server := range p.servers {
		wg.Add(1)
		go func(s *Server) {
			defer wg.Done()
			if err := s.Start(); err != nil && err != http.ErrServerClosed {
				mu.Lock()
				startErrors = append(startErrors, err)
				mu.Unlock()
			}
		}(server)
	}

	wg.Wait()

	if len(startErrors) > 0 {
		return startErrors[0]
	}
	return nil
}

// StartWithListener serves the first configured server on the given
// listener. Tests use this to grab an ephemeral port.
func (p *Proxy) StartWithListener(listener net.Listener) error {
	if len(p.servers) == 0 {
		return fmt.Errorf("no enabled proxy servers configured")
	}
	return p.servers[0].StartWithListener(listener)
}

// Stop shuts down all servers, the routing engine, and the collector.
func (p *Proxy) Stop() error {
	var lastErr error

	for _, server := range p.servers {
		if err := server.Stop(); err != nil {
			lastErr = err
			logger.Error("Failed to stop proxy server on %s: %v", server.serverConfig.ListenAddress, err)
		}
	}

	p.router.Close()

	if p.Collector != nil {
		if err := p.Collector.Close(); err != nil {
			lastErr = err
			logger.Error("Failed to close statistics collector: %v", err)
		}
	}

	return lastErr
}

func (s *Server) timeout() time.Duration {
	return time.Duration(s.config.TimeoutSeconds) * time.Second
}

func (s *Server) buildServer() *http.Server {
	return &http.Server{
		Addr:         s.serverConfig.ListenAddress,
		Handler:      http.HandlerFunc(s.handleRequest),
		ReadTimeout:  s.timeout(),
		WriteTimeout: s.timeout(),
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			transport := &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					logger.Debug("DialContext: network=%s addr=%s", network, addr)
					return s.dialUpstreamTCP(ctx, addr)
				},
				DisableKeepAlives:     false,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			}
			client := &http.Client{
				Timeout:   s.timeout(),
				Transport: transport,
			}
			clientIP, _, _ := net.SplitHostPort(c.RemoteAddr().String())
			ctx = WithClient(ctx, client)
			ctx = WithClientIP(ctx, clientIP)
			return ctx
		},
		ConnState: func(c net.Conn, state http.ConnState) {
			if s.limiter == nil {
				return
			}
			ip, _, err := net.SplitHostPort(c.RemoteAddr().String())
			if err != nil {
				ip = c.RemoteAddr().String()
			}
			switch state {
			case http.StateNew:
				if !s.limiter.acquire(ip) {
					logger.Warn("Connection limit reached for client %s", ip)
					if closeErr := c.Close(); closeErr != nil {
						logger.Debug("Error closing over-limit connection: %v", closeErr)
					}
				}
			case http.StateHijacked, http.StateClosed:
				s.limiter.release(ip)
			}
		},
	}
}

// Start listens on the configured address and serves until stopped. The
// per-server connection cap is enforced on the listener itself.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.serverConfig.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.serverConfig.ListenAddress, err)
	}
	return s.StartWithListener(listener)
}

// StartWithListener serves on the provided listener.
func (s *Server) StartWithListener(listener net.Listener) error {
	maxConns := s.serverConfig.MaxConnections
	if maxConns <= 0 {
		maxConns = s.config.MaxConcurrentConnections
	}
	if maxConns > 0 {
		listener = netutil.LimitListener(listener, maxConns)
	}
	s.server = s.buildServer()
	logger.Info("Starting proxy server on %s", listener.Addr().String())
	return s.server.Serve(listener)
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// clientLimiter caps concurrent connections per client IP.
type clientLimiter struct {
	mu        sync.Mutex
	perClient map[string]int
	max       int
}

func newClientLimiter(maxPerClient int) *clientLimiter {
	if maxPerClient <= 0 {
		return nil
	}
	return &clientLimiter{
		perClient: make(map[string]int),
		max:       maxPerClient,
	}
}

func (l *clientLimiter) acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.perClient[ip] >= l.max {
		return false
	}
	l.perClient[ip]++
	return true
}

func (l *clientLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := l.perClient[ip]; n > 1 {
		l.perClient[ip] = n - 1
	} else {
		delete(l.perClient, ip)
	}
}

func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

// isWebSocketUpgradeRequest detects the Upgrade handshake headers.
func isWebSocketUpgradeRequest(r *http.Request) bool {
	return strings.ToLower(r.Header.Get("Upgrade")) == "websocket" &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// splitTargetHostPort pulls hostname and port out of the request target.
// CONNECT targets default to 443, everything else to 80.
func splitTargetHostPort(host string, isConnect bool) (string, int) {
	hostname, portStr, err := net.SplitHostPort(host)
	if err != nil {
		hostname = host
		if isConnect {
			return hostname, 443
		}
		return hostname, 80
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		if isConnect {
			return hostname, 443
		}
		return hostname, 80
	}
	return hostname, port
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if s.proxy.portal != nil && s.proxy.portal.IsPortalRequest(r) {
		s.proxy.portal.ServeHTTP(w, r)
		return
	}

	host := r.Host
	if r.Method == http.MethodConnect && r.URL.Host != "" {
		host = r.URL.Host
	}

	isConnect := r.Method == http.MethodConnect
	isWebSocketUpgrade := isWebSocketUpgradeRequest(r)
	hostname, targetPort := splitTargetHostPort(host, isConnect)

	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		clientIP = r.RemoteAddr
	}

	protocol := "http"
	switch {
	case isConnect:
		protocol = "connect"
	case isWebSocketUpgrade:
		protocol = "websocket"
	}

	var connectionID int64
	if s.proxy.Collector != nil {
		var startErr error
		connectionID, startErr = s.proxy.Collector.StartConnection(ctx, clientIP, hostname, targetPort, protocol)
		if startErr != nil {
			logger.Error("Failed to record connection start: %v", startErr)
		}
	}

	if isConnect {
		s.handleConnect(w, r, connectionID, clientIP, hostname, targetPort)
		return
	}

	if isWebSocketUpgrade {
		s.handleWebSocketTunnel(w, r, connectionID, clientIP, hostname, targetPort)
		return
	}

	client, ok := ClientFromContext(ctx)
	if !ok || client == nil {
		logger.Error("No http.Client found in request context")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.forwardRequest(w, r, client, host, connectionID)
}

// handleConnect answers a CONNECT request by routing the connection,
// opening the upstream tunnel (or a direct one), and splicing bytes.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, connectionID int64, clientIP, targetHost string, targetPort int) {
	targetAddr := net.JoinHostPort(targetHost, strconv.Itoa(targetPort))
	logger.Debug("CONNECT request for %s", targetAddr)

	isWebSocketConnection := isWebSocketUpgradeRequest(r)
	if isWebSocketConnection {
		logger.Debug("Detected WebSocket CONNECT tunnel request for %s", targetAddr)
	}

	info := router.ConnInfo{
		ClientIP:   clientIP,
		TargetHost: targetHost,
		TargetPort: targetPort,
		LongLived:  isWebSocketConnection,
	}

	decision, targetConn, err := s.proxy.router.Route(r.Context(), info)
	s.recordDecision(r.Context(), connectionID, decision)
	if err != nil {
		logger.Error("Failed to reach upstream %s for %s: %v", decision.ProxyName, targetAddr, err)
		s.recordDialError(r.Context(), connectionID, decision, err)
		writeProxyErrorResponse(w, err, router.ErrCodeUpstreamUnreachable)
		s.endConnection(r.Context(), connectionID, "dial_error")
		return
	}

	if decision.Direct() {
		dialer := &net.Dialer{Timeout: s.timeout()}
		targetConn, err = dialer.DialContext(r.Context(), "tcp", targetAddr)
		if err != nil {
			logger.Error("Failed to connect to target %s: %v", targetAddr, err)
			s.recordDialError(r.Context(), connectionID, decision, err)
			writeProxyErrorResponse(w, err, router.ErrCodeTargetRefused)
			s.endConnection(r.Context(), connectionID, "dial_error")
			return
		}
	}

	if s.proxy.Collector != nil && connectionID > 0 {
		targetConn = newTrackedConn(r.Context(), targetConn, s.proxy.Collector, connectionID)
	}

	w.WriteHeader(http.StatusOK)

	hj, ok := w.(http.Hijacker)
	if !ok {
		logger.Error("HTTP server does not support hijacking")
		closeQuietly(targetConn)
		http.Error(w, "Hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		logger.Error("Failed to hijack connection: %v", err)
		closeQuietly(targetConn)
		http.Error(w, fmt.Sprintf("Hijack error: %v", err), http.StatusInternalServerError)
		return
	}

	logger.Debug("Tunnel established to %s via %s", targetAddr, decisionLabel(decision))
	s.tunnel(clientConn, clientBuf, targetConn)
	s.proxy.router.ConnClosed(info)
	logger.Debug("TCP tunnel closed for %s", targetAddr)
}

// tunnel splices bytes between the client and target until either side
// closes. Buffered client bytes are drained into the target first.
func (s *Server) tunnel(clientConn net.Conn, clientBuf *bufio.ReadWriter, targetConn net.Conn) {
	defer closeQuietly(clientConn)
	defer closeQuietly(targetConn)

	var wg sync.WaitGroup
	wg.Add(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		defer wg.Done()
		defer cancel()
		if clientBuf != nil && clientBuf.Reader != nil && clientBuf.Reader.Buffered() > 0 {
			if _, err := clientBuf.WriteTo(targetConn); err != nil {
				if !isClosedConnError(err) {
					logger.Error("Failed to write buffered data to target: %v", err)
				}
				return
			}
		}
		if _, err := copyBuffer(targetConn, clientConn); err != nil {
			if !isClosedConnError(err) {
				logger.Warn("TCP tunnel copy error (client to target): %v", err)
			}
		}
		closeWriteSide(targetConn)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		if _, err := copyBuffer(clientConn, targetConn); err != nil {
			if !isClosedConnError(err) {
				logger.Warn("TCP tunnel copy error (target to client): %v", err)
			}
		}
		closeWriteSide(clientConn)
	}()

	go func() {
		<-ctx.Done()
		closeQuietly(clientConn)
		closeQuietly(targetConn)
	}()

	wg.Wait()
}

type closeWriter interface {
	CloseWrite() error
}

func closeWriteSide(conn net.Conn) {
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}

func closeQuietly(conn net.Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil && !isClosedConnError(err) {
		logger.Debug("Error closing connection: %v", err)
	}
}

// dialUpstreamTCP is the transport dial hook for forwarded requests. It
// routes the target through the engine and falls back to a plain dial
// for direct decisions.
func (s *Server) dialUpstreamTCP(ctx context.Context, addr string) (net.Conn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address format: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}

	clientIP, _ := ClientIPFromContext(ctx)
	info := router.ConnInfo{
		ClientIP:   clientIP,
		TargetHost: host,
		TargetPort: port,
	}

	decision, conn, err := s.proxy.router.Route(ctx, info)
	if rr := routeResultFromContext(ctx); rr != nil {
		rr.store(decision, err)
	}
	if err != nil {
		return nil, err
	}
	if !decision.Direct() {
		return conn, nil
	}

	dialer := &net.Dialer{Timeout: s.timeout()}
	return dialer.DialContext(ctx, "tcp", addr)
}

// hopByHopHeaders are stripped before a request is forwarded.
var hopByHopHeaders = map[string]struct{}{
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Connection":          {},
}

// forwardRequest relays a plain HTTP request through the per-connection
// client, whose transport dials targets through the routing engine.
func (s *Server) forwardRequest(w http.ResponseWriter, r *http.Request, client *http.Client, targetHost string, connectionID int64) {
	start := time.Now()

	rr := &routeResult{}
	ctx := withRouteResult(r.Context(), rr)

	var targetURL string
	if r.URL.IsAbs() {
		targetURL = r.URL.String()
	} else {
		targetURL = fmt.Sprintf("http://%s%s", targetHost, r.URL.RequestURI())
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, targetURL, r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		s.endConnection(ctx, connectionID, "error")
		return
	}

	for name, values := range r.Header {
		if _, hop := hopByHopHeaders[name]; hop {
			continue
		}
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}

	resp, err := client.Do(req)
	if decision, dialErr, ok := rr.get(); ok {
		s.recordDecision(ctx, connectionID, decision)
		if dialErr != nil {
			s.recordDialError(ctx, connectionID, decision, dialErr)
		}
	}
	if err != nil {
		logger.Error("Failed to forward request to %s: %v", targetHost, err)
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			http.Error(w, "Request timeout", http.StatusGatewayTimeout)
		} else if _, dialErr, ok := rr.get(); ok && dialErr != nil {
			writeProxyErrorResponse(w, dialErr, router.ErrCodeUpstreamUnreachable)
		} else {
			writeProxyErrorResponse(w, err, router.ErrCodeTargetRefused)
		}
		s.endConnection(ctx, connectionID, "error")
		return
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("Error closing response body: %v", closeErr)
		}
	}()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	w.WriteHeader(resp.StatusCode)
	written, err := copyBuffer(w, resp.Body)
	if err != nil {
		logger.Error("Failed to copy response body: %v", err)
	}

	if s.proxy.Collector != nil && connectionID > 0 {
		received := r.ContentLength
		if received < 0 {
			received = 0
		}
		if err := s.proxy.Collector.EndConnection(ctx, connectionID, written, received, time.Since(start), "completed"); err != nil {
			logger.Error("Failed to record connection end: %v", err)
		}
	}
}

// handleWebSocketTunnel relays a WebSocket upgrade by hijacking the
// client connection, writing the original handshake to the routed
// target, and splicing bytes both ways. The long-lived affinity key
// keeps reconnects on the same upstream.
func (s *Server) handleWebSocketTunnel(w http.ResponseWriter, r *http.Request, connectionID int64, clientIP, targetHost string, targetPort int) {
	targetAddr := net.JoinHostPort(targetHost, strconv.Itoa(targetPort))
	logger.Debug("WebSocket upgrade request for %s", targetAddr)

	info := router.ConnInfo{
		ClientIP:   clientIP,
		TargetHost: targetHost,
		TargetPort: targetPort,
		LongLived:  true,
	}

	decision, targetConn, err := s.proxy.router.Route(r.Context(), info)
	s.recordDecision(r.Context(), connectionID, decision)
	if err != nil {
		logger.Error("Failed to reach upstream %s for WebSocket %s: %v", decision.ProxyName, targetAddr, err)
		s.recordDialError(r.Context(), connectionID, decision, err)
		writeProxyErrorResponse(w, err, router.ErrCodeUpstreamUnreachable)
		s.endConnection(r.Context(), connectionID, "dial_error")
		return
	}

	if decision.Direct() {
		dialer := &net.Dialer{Timeout: s.timeout()}
		targetConn, err = dialer.DialContext(r.Context(), "tcp", targetAddr)
		if err != nil {
			logger.Error("Failed to connect to WebSocket target %s: %v", targetAddr, err)
			s.recordDialError(r.Context(), connectionID, decision, err)
			writeProxyErrorResponse(w, err, router.ErrCodeTargetRefused)
			s.endConnection(r.Context(), connectionID, "dial_error")
			return
		}
	}

	if s.proxy.Collector != nil && connectionID > 0 {
		targetConn = newTrackedConn(r.Context(), targetConn, s.proxy.Collector, connectionID)
	}

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	if outReq.URL.Host == "" {
		outReq.URL.Host = targetAddr
	}
	if outReq.URL.Scheme == "" {
		outReq.URL.Scheme = "http"
	}
	for name := range hopByHopHeaders {
		outReq.Header.Del(name)
	}
	// The upgrade itself must survive the hop-by-hop strip.
	outReq.Header.Set("Connection", "Upgrade")
	outReq.Header.Set("Upgrade", "websocket")

	hj, ok := w.(http.Hijacker)
	if !ok {
		logger.Error("HTTP server does not support hijacking for WebSocket")
		closeQuietly(targetConn)
		http.Error(w, "WebSocket not supported", http.StatusInternalServerError)
		return
	}

	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		logger.Error("Failed to hijack connection for WebSocket: %v", err)
		closeQuietly(targetConn)
		return
	}

	if err := outReq.Write(targetConn); err != nil {
		logger.Error("Failed to send WebSocket handshake to %s: %v", targetAddr, err)
		closeQuietly(clientConn)
		closeQuietly(targetConn)
		s.endConnection(r.Context(), connectionID, "error")
		return
	}

	logger.Debug("WebSocket tunnel established for %s via %s", targetAddr, decisionLabel(decision))
	s.tunnel(clientConn, clientBuf, targetConn)
	s.proxy.router.ConnClosed(info)
	logger.Debug("WebSocket tunnel closed for %s", targetAddr)
}

func decisionLabel(d router.Decision) string {
	if d.Direct() {
		return "direct"
	}
	return fmt.Sprintf("%s (%s)", d.ProxyName, d.Source)
}

func (s *Server) recordDecision(ctx context.Context, connectionID int64, d router.Decision) {
	if s.proxy.Collector == nil || connectionID <= 0 {
		return
	}
	if err := s.proxy.Collector.RecordDecision(ctx, connectionID, d.ProxyName, string(d.Source), d.AffinityKey); err != nil {
		logger.Error("Failed to record routing decision: %v", err)
	}
}

func (s *Server) recordDialError(ctx context.Context, connectionID int64, d router.Decision, err error) {
	if s.proxy.Collector == nil || connectionID <= 0 {
		return
	}
	if recErr := s.proxy.Collector.RecordDialError(ctx, connectionID, d.ProxyName, router.DialErrorType(err), err.Error()); recErr != nil {
		logger.Error("Failed to record dial error: %v", recErr)
	}
}

func (s *Server) endConnection(ctx context.Context, connectionID int64, reason string) {
	if s.proxy.Collector == nil || connectionID <= 0 {
		return
	}
	if err := s.proxy.Collector.EndConnection(ctx, connectionID, 0, 0, 0, reason); err != nil {
		logger.Error("Failed to record connection end: %v", err)
	}
}

// writeProxyErrorResponse maps an upstream failure onto the HTML 502
// page, preferring the typed error's code over the default.
func writeProxyErrorResponse(w http.ResponseWriter, originalErr error, defaultErrorCode string) {
	errorCode := defaultErrorCode
	if proxyErr, ok := router.AsError(originalErr); ok {
		errorCode = proxyErr.Code
	}

	if _, exists := router.ErrorDescriptions[errorCode]; !exists {
		logger.Warn("Error code '%s' not found in ErrorDescriptions for BadGatewayResponse. Original error: %v. Default code used: '%s'", errorCode, originalErr, defaultErrorCode)
	}

	badGatewayResp := router.NewBadGatewayResponse(errorCode)
	defer func() {
		if badGatewayResp.Body != nil {
			if closeErr := badGatewayResp.Body.Close(); closeErr != nil {
				logger.Debug("Error closing bad gateway response body: %v", closeErr)
			}
		}
	}()

	for key, values := range badGatewayResp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(badGatewayResp.StatusCode)
	if badGatewayResp.Body != nil {
		if _, err := io.Copy(w, badGatewayResp.Body); err != nil {
			logger.Error("Failed to copy bad gateway response body: %v", err)
		}
	}
}
