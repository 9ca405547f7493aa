package router

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/codefionn/weiche/weiche-srv/config"
	"github.com/codefionn/weiche/weiche-srv/logger"
)

// DefaultDialTimeout bounds the TCP connect to an upstream proxy.
const DefaultDialTimeout = 30 * time.Second

// Dialer opens tunnels to targets through configured upstream proxies.
type Dialer struct {
	timeout time.Duration

	// tlsConfig overrides the client TLS setup for https upstreams.
	// Tests point this at servers with self-signed certificates.
	tlsConfig *tls.Config
}

// NewDialer creates a dialer with the given connect timeout. A zero or
// negative timeout falls back to DefaultDialTimeout.
func NewDialer(timeout time.Duration) *Dialer {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return &Dialer{timeout: timeout}
}

// ProxyAuthorization returns the Proxy-Authorization header value for the
// proxy's credentials, or false when it has none. Credentials are
// URL-escaped before encoding so ':' and non-ASCII bytes survive the
// basic-auth framing.
func ProxyAuthorization(p *config.UpstreamProxy) (string, bool) {
	if !p.HasCredentials() {
		return "", false
	}
	pair := url.QueryEscape(p.Username) + ":" + url.QueryEscape(p.Password)
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(pair)), true
}

// DialUpstream connects to targetHost:targetPort through the given
// upstream proxy and returns a connection ready for raw tunneling.
func (d *Dialer) DialUpstream(ctx context.Context, p *config.UpstreamProxy, targetHost string, targetPort int) (net.Conn, error) {
	targetHostPort := net.JoinHostPort(targetHost, strconv.Itoa(targetPort))
	switch p.Scheme {
	case config.SchemeHTTP, config.SchemeHTTPS:
		return d.dialHTTPUpstream(ctx, p, targetHostPort)
	case config.SchemeSOCKS5:
		return d.dialSOCKS5Upstream(ctx, p, targetHostPort)
	default:
		return nil, NewDialError(ErrCodeUnsupportedScheme, GetErrorDescription(ErrCodeUnsupportedScheme),
			fmt.Errorf("proxy %s has scheme %q", p.Name, p.Scheme))
	}
}

// dialHTTPUpstream tunnels through an HTTP or HTTPS proxy with CONNECT.
// For https upstreams the proxy connection itself is wrapped in TLS
// before the CONNECT request goes out.
func (d *Dialer) dialHTTPUpstream(ctx context.Context, p *config.UpstreamProxy, targetHostPort string) (net.Conn, error) {
	logger.Debug("Dialing %s upstream %s (%s) to reach %s", p.Scheme, p.Name, p.Address(), targetHostPort)

	netDialer := &net.Dialer{Timeout: d.timeout}
	proxyConn, err := netDialer.DialContext(ctx, "tcp", p.Address())
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewDialError(ErrCodeDialCancelled, GetErrorDescription(ErrCodeDialCancelled),
				fmt.Errorf("proxy %s: %w", p.Name, ctx.Err()))
		}
		return nil, NewDialError(ErrCodeUpstreamUnreachable, GetErrorDescription(ErrCodeUpstreamUnreachable),
			fmt.Errorf("proxy %s (%s): %w", p.Name, p.Address(), err))
	}

	if p.Scheme == config.SchemeHTTPS {
		tlsCfg := d.tlsConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{ServerName: p.Host}
		}
		tlsConn := tls.Client(proxyConn, tlsCfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			closeQuietly(proxyConn)
			return nil, NewDialError(ErrCodeTLSUpstreamFailed, GetErrorDescription(ErrCodeTLSUpstreamFailed),
				fmt.Errorf("proxy %s (%s): %w", p.Name, p.Address(), err))
		}
		proxyConn = tlsConn
	}

	connectReq, err := http.NewRequest(http.MethodConnect, "http://"+targetHostPort, http.NoBody)
	if err != nil {
		closeQuietly(proxyConn)
		return nil, NewDialError(ErrCodeCONNECTRequestFailed, GetErrorDescription(ErrCodeCONNECTRequestFailed),
			fmt.Errorf("creating for target %s: %w", targetHostPort, err))
	}
	connectReq.Host = targetHostPort
	connectReq.Header.Set("User-Agent", "weiche-proxy/1.0")
	connectReq.Header.Set("Proxy-Connection", "keep-alive")
	if auth, ok := ProxyAuthorization(p); ok {
		connectReq.Header.Set("Proxy-Authorization", auth)
		logger.Debug("Added Proxy-Authorization header for user %s", p.Username)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = proxyConn.SetDeadline(deadline)
	}
	if err := connectReq.Write(proxyConn); err != nil {
		closeQuietly(proxyConn)
		return nil, NewDialError(ErrCodeCONNECTRequestFailed, GetErrorDescription(ErrCodeCONNECTRequestFailed),
			fmt.Errorf("sending to proxy %s (%s): %w", p.Name, p.Address(), err))
	}

	proxyReader := bufio.NewReader(proxyConn)
	connectResp, err := http.ReadResponse(proxyReader, connectReq)
	if err != nil {
		closeQuietly(proxyConn)
		return nil, NewDialError(ErrCodeCONNECTResponseFailed, GetErrorDescription(ErrCodeCONNECTResponseFailed),
			fmt.Errorf("reading from proxy %s (%s): %w", p.Name, p.Address(), err))
	}
	defer func() {
		if closeErr := connectResp.Body.Close(); closeErr != nil {
			logger.Error("Error closing CONNECT response body: %v", closeErr)
		}
	}()

	if connectResp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(connectResp.Body, 512))
		closeQuietly(proxyConn)
		cause := fmt.Errorf("proxy %s (%s) answered CONNECT to %s with %s: %s",
			p.Name, p.Address(), targetHostPort, connectResp.Status, strings.TrimSpace(string(bodyBytes)))
		if connectResp.StatusCode == http.StatusProxyAuthRequired {
			return nil, NewDialError(ErrCodeUpstreamAuthRejected, GetErrorDescription(ErrCodeUpstreamAuthRejected), cause)
		}
		return nil, NewDialError(ErrCodeTargetRefused, GetErrorDescription(ErrCodeTargetRefused), cause)
	}

	_ = proxyConn.SetDeadline(time.Time{})
	logger.Debug("CONNECT tunnel established via proxy %s to %s", p.Name, targetHostPort)

	// http.ReadResponse consumes only the status line and headers of a
	// successful CONNECT, so proxyConn is ready for raw tunneling.
	return proxyConn, nil
}

// trackingDialer records whether the TCP leg to the SOCKS5 proxy itself
// succeeded, so later handshake failures are not misreported as the
// proxy being unreachable.
type trackingDialer struct {
	inner     *net.Dialer
	connected atomic.Bool
}

func (t *trackingDialer) Dial(network, addr string) (net.Conn, error) {
	return t.DialContext(context.Background(), network, addr)
}

func (t *trackingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := t.inner.DialContext(ctx, network, addr)
	if err == nil {
		t.connected.Store(true)
	}
	return conn, err
}

// dialSOCKS5Upstream tunnels through a SOCKS5 proxy, authenticating with
// username/password when the proxy carries credentials.
func (d *Dialer) dialSOCKS5Upstream(ctx context.Context, p *config.UpstreamProxy, targetHostPort string) (net.Conn, error) {
	logger.Debug("Dialing SOCKS5 upstream %s (%s) to reach %s", p.Name, p.Address(), targetHostPort)

	var auth *xproxy.Auth
	if p.HasCredentials() {
		auth = &xproxy.Auth{User: p.Username, Password: p.Password}
	}

	forward := &trackingDialer{inner: &net.Dialer{Timeout: d.timeout}}
	socksDialer, err := xproxy.SOCKS5("tcp", p.Address(), auth, forward)
	if err != nil {
		return nil, NewDialError(ErrCodeSOCKS5DialerFailed, GetErrorDescription(ErrCodeSOCKS5DialerFailed),
			fmt.Errorf("proxy %s (%s): %w", p.Name, p.Address(), err))
	}

	type result struct {
		conn net.Conn
		err  error
	}
	resultChan := make(chan result, 1)

	go func() {
		type contextDialer interface {
			DialContext(ctx context.Context, network, addr string) (net.Conn, error)
		}
		var conn net.Conn
		var err error
		if ctxDialer, ok := socksDialer.(contextDialer); ok {
			conn, err = ctxDialer.DialContext(ctx, "tcp", targetHostPort)
		} else {
			conn, err = socksDialer.Dial("tcp", targetHostPort)
		}
		resultChan <- result{conn: conn, err: err}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			return nil, classifySOCKS5Error(p, targetHostPort, forward.connected.Load(), res.err)
		}
		return res.conn, nil
	case <-ctx.Done():
		// The dial goroutine finishes on its own; the buffered channel
		// keeps it from leaking.
		go func() {
			if res := <-resultChan; res.conn != nil {
				closeQuietly(res.conn)
			}
		}()
		return nil, NewDialError(ErrCodeDialCancelled, GetErrorDescription(ErrCodeDialCancelled),
			fmt.Errorf("target %s via SOCKS5 proxy %s: %w", targetHostPort, p.Name, ctx.Err()))
	}
}

// classifySOCKS5Error sorts a SOCKS5 dial failure into the unreachable,
// auth-rejected, or target-refused bucket. The x/net dialer folds
// handshake and relay failures into one error, so the TCP tracking flag
// and the error text decide the bucket.
func classifySOCKS5Error(p *config.UpstreamProxy, targetHostPort string, reachedProxy bool, err error) *Error {
	cause := fmt.Errorf("target %s via SOCKS5 proxy %s (%s): %w", targetHostPort, p.Name, p.Address(), err)
	if !reachedProxy {
		return NewDialError(ErrCodeUpstreamUnreachable, GetErrorDescription(ErrCodeUpstreamUnreachable), cause)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "username/password") || strings.Contains(msg, "authentication") {
		return NewDialError(ErrCodeUpstreamAuthRejected, GetErrorDescription(ErrCodeUpstreamAuthRejected), cause)
	}
	return NewDialError(ErrCodeTargetRefused, GetErrorDescription(ErrCodeTargetRefused), cause)
}

func closeQuietly(conn net.Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		logger.Debug("Error closing connection: %v", err)
	}
}
