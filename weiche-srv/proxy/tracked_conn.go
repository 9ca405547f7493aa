package proxy

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/weiche/weiche-srv/stats"
)

// trackedConn is a wrapper around net.Conn that tracks connection statistics.
type trackedConn struct {
	net.Conn
	collector     stats.Collector
	connectionID  int64
	bytesSent     int64 // accessed atomically
	bytesReceived int64 // accessed atomically
	startTime     time.Time
	ctx           context.Context
	endOnce       sync.Once
}

// newTrackedConn creates a new tracked connection.
func newTrackedConn(ctx context.Context, conn net.Conn, collector stats.Collector, connectionID int64) *trackedConn {
	return &trackedConn{
		Conn:         conn,
		collector:    collector,
		connectionID: connectionID,
		startTime:    time.Now(),
		ctx:          ctx,
	}
}

// Read reads data from the connection, tracking the number of bytes received.
func (c *trackedConn) Read(b []byte) (n int, err error) {
	n, err = c.Conn.Read(b)
	if n > 0 {
		atomic.AddInt64(&c.bytesReceived, int64(n))
	}
	return n, err
}

// Write writes data to the connection, tracking the number of bytes sent.
func (c *trackedConn) Write(b []byte) (n int, err error) {
	n, err = c.Conn.Write(b)
	if n > 0 {
		atomic.AddInt64(&c.bytesSent, int64(n))
	}
	return n, err
}

// CloseWrite half-closes the underlying connection when it supports it,
// so tunnel peers still see EOF through the wrapper.
func (c *trackedConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

// Close closes the connection and records the final statistics.
func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	duration := time.Since(c.startTime)
	// Use a meaningful close reason for downstream stats. Only record once.
	closeReason := "normal"
	if err != nil {
		closeReason = err.Error()
	}
	c.endOnce.Do(func() {
		finalSent := atomic.LoadInt64(&c.bytesSent)
		finalReceived := atomic.LoadInt64(&c.bytesReceived)
		_ = c.collector.EndConnection(c.ctx, c.connectionID, finalSent, finalReceived, duration, closeReason)
	})
	return err
}
