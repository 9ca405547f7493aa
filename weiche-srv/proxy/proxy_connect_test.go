package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/codefionn/weiche/weiche-srv/config"
	"github.com/codefionn/weiche/weiche-srv/router"
)

// buildTestClient returns an http.Client with a Transport that provides DialContext.
func buildTestClient() *http.Client {
	tr := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return nil, errors.New("test dial not used")
		},
	}
	return &http.Client{Transport: tr}
}

// connectTestProxy builds an unstarted proxy for recorder-level CONNECT
// tests and returns its first server.
func connectTestProxy(t *testing.T, set *config.ProxySet) (*Proxy, *Server) {
	t.Helper()

	cfg := &config.Config{
		Servers: []config.ServerConfig{
			{Type: config.ProxyTypeStandard, ListenAddress: "127.0.0.1:0", Enabled: true},
		},
		TimeoutSeconds: 1,
	}
	p := NewProxy(cfg, set)
	t.Cleanup(func() { _ = p.Stop() })
	return p, p.servers[0]
}

func connectRecorderRequest(target string) *http.Request {
	req := httptest.NewRequest(http.MethodConnect, "http://"+target, nil)
	req.Host = target
	req.RemoteAddr = "127.0.0.1:54321"

	ctx := WithClient(req.Context(), buildTestClient())
	ctx = WithClientIP(ctx, "127.0.0.1")
	return req.WithContext(ctx)
}

// Test that a failed direct dial answers 502 without hijacking.
func TestHandleConnect_DirectDialFails(t *testing.T) {
	_, srv := connectTestProxy(t, nil)

	rr := httptest.NewRecorder()
	req := connectRecorderRequest("127.0.0.1:1")

	srv.handleConnect(rr, req, 0, "127.0.0.1", "127.0.0.1", 1)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 Bad Gateway, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-Proxy-Error"); got != router.ErrCodeTargetRefused {
		t.Fatalf("expected error code %s, got %q", router.ErrCodeTargetRefused, got)
	}
}

// Test that an unreachable upstream answers 502 with the unreachable code
// and leaves no affinity pin behind.
func TestHandleConnect_UpstreamUnreachable(t *testing.T) {
	// Reserve a port, then free it so the upstream dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve port: %v", err)
	}
	deadAddr := ln.Addr().String()
	_ = ln.Close()

	up := testUpstreamProxy(t, "corp", deadAddr, &config.RuleHostPattern{Pattern: "*"})
	p, srv := connectTestProxy(t, config.NewProxySet([]*config.UpstreamProxy{up}))

	rr := httptest.NewRecorder()
	req := connectRecorderRequest("203.0.113.10:443")

	srv.handleConnect(rr, req, 0, "127.0.0.1", "203.0.113.10", 443)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 Bad Gateway, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-Proxy-Error"); got != router.ErrCodeUpstreamUnreachable {
		t.Fatalf("expected error code %s, got %q", router.ErrCodeUpstreamUnreachable, got)
	}
	if !strings.Contains(rr.Body.String(), "Upstream proxy is unreachable") {
		t.Fatalf("error page should describe the failure, got: %s", rr.Body.String())
	}
	if n := p.Router().Affinity().Len(); n != 0 {
		t.Fatalf("expected affinity pin to be dropped after dial failure, found %d entries", n)
	}
}

// Test that CONNECT handling does not panic when proxy.Collector is nil.
func TestHandleConnect_CollectorNil_NoPanic(t *testing.T) {
	p, srv := connectTestProxy(t, nil)
	p.Collector = nil

	rr := httptest.NewRecorder()
	req := connectRecorderRequest("127.0.0.1:1")

	// Should not panic; expect a 502 Bad Gateway due to failed dial
	srv.handleConnect(rr, req, 0, "127.0.0.1", "127.0.0.1", 1)

	if rr.Code == 0 {
		t.Fatalf("no response written; expected status code")
	}
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 Bad Gateway, got %d", rr.Code)
	}
}

// rawConnect dials the proxy and issues a CONNECT for targetAddr. The
// returned reader must be used for tunnel reads; it may hold buffered
// bytes that arrived with the response.
func rawConnect(t *testing.T, proxyAddr, targetAddr string) (net.Conn, *bufio.Reader, *http.Response) {
	t.Helper()

	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatalf("Failed to dial proxy: %v", err)
	}

	_, err = fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", targetAddr, targetAddr)
	if err != nil {
		t.Fatalf("Failed to write CONNECT request: %v", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		t.Fatalf("Failed to read CONNECT response: %v", err)
	}
	return conn, br, resp
}

func TestConnectEstablishesTunnel(t *testing.T) {
	// Plain TCP echo backend.
	backend, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to start backend: %v", err)
	}
	defer backend.Close()
	go func() {
		for {
			c, err := backend.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}(c)
		}
	}()

	proxy, listener := createTestProxy(t, nil)
	proxyAddr := startTestProxy(t, proxy, listener)

	conn, br, resp := rawConnect(t, proxyAddr, backend.Addr().String())
	defer conn.Close()
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for CONNECT, got %d", resp.StatusCode)
	}

	payload := "ping through the tunnel\n"
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("Failed to write through tunnel: %v", err)
	}

	buf := make([]byte, len(payload))
	if _, err := io.ReadFull(br, buf); err != nil {
		t.Fatalf("Failed to read echo through tunnel: %v", err)
	}
	if string(buf) != payload {
		t.Fatalf("expected echo %q, got %q", payload, string(buf))
	}
}

// A dial failure must surface as 502 on this connection, with no second
// attempt against another upstream or a direct fallback.
func TestConnectNoFailoverAfterDialError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve port: %v", err)
	}
	deadAddr := ln.Addr().String()
	_ = ln.Close()

	up := testUpstreamProxy(t, "corp", deadAddr, &config.RuleHostPattern{Pattern: "*"})
	proxy, listener := createTestProxy(t, config.NewProxySet([]*config.UpstreamProxy{up}))
	proxyAddr := startTestProxy(t, proxy, listener)

	for i := 0; i < 2; i++ {
		conn, _, resp := rawConnect(t, proxyAddr, "203.0.113.10:443")

		if resp.StatusCode != http.StatusBadGateway {
			t.Fatalf("attempt %d: expected 502, got %d", i+1, resp.StatusCode)
		}
		if got := resp.Header.Get("X-Proxy-Error"); got != router.ErrCodeUpstreamUnreachable {
			t.Fatalf("attempt %d: expected error code %s, got %q", i+1, router.ErrCodeUpstreamUnreachable, got)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("attempt %d: failed to read error page: %v", i+1, err)
		}
		if !strings.Contains(string(body), router.ErrCodeUpstreamUnreachable) {
			t.Fatalf("attempt %d: error page should name the code, got: %s", i+1, string(body))
		}
		_ = resp.Body.Close()
		_ = conn.Close()

		// The failed pin must not survive into the next connection.
		if n := proxy.Router().Affinity().Len(); n != 0 {
			t.Fatalf("attempt %d: expected empty affinity cache, found %d entries", i+1, n)
		}
	}
}
