package stats

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/weiche/weiche-srv/logger"
)

// BufferedCollector wraps another collector and batches writes so the
// routing hot path never waits on the storage backend.
type BufferedCollector struct {
	underlying Collector
	interval   time.Duration

	buffer struct {
		completedConnections []completedConnectionData
		decisions            []decisionData
		dialErrors           []dialErrorData
		mu                   sync.Mutex
	}

	stopChan chan struct{}
	doneChan chan struct{}
	wg       sync.WaitGroup
}

type completedConnectionData struct {
	connectionID  int64
	endedAt       time.Time
	bytesSent     int64
	bytesReceived int64
	duration      time.Duration
	closeReason   string
}

type decisionData struct {
	connectionID int64
	proxyName    string
	source       string
	affinityKey  string
	timestamp    time.Time
}

type dialErrorData struct {
	connectionID int64
	proxyName    string
	errorType    string
	errorMessage string
	timestamp    time.Time
}

// NewBufferedCollector creates a buffered collector with the default
// five second flush interval.
func NewBufferedCollector(underlying Collector) *BufferedCollector {
	return NewBufferedCollectorWithInterval(underlying, 5*time.Second)
}

// NewBufferedCollectorWithInterval creates a buffered collector with a
// custom flush interval.
func NewBufferedCollectorWithInterval(underlying Collector, interval time.Duration) *BufferedCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	bc := &BufferedCollector{
		underlying: underlying,
		interval:   interval,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}

	bc.buffer.completedConnections = make([]completedConnectionData, 0, 1000)
	bc.buffer.decisions = make([]decisionData, 0, 1000)
	bc.buffer.dialErrors = make([]dialErrorData, 0, 100)

	bc.wg.Add(1)
	go bc.flusher()

	return bc
}

// flusher runs in the background and flushes buffered data periodically
func (b *BufferedCollector) flusher() {
	defer b.wg.Done()
	defer close(b.doneChan)

	logger.Debug("Starting buffered stats flusher %s", b.interval)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.stopChan:
			b.flush()
			return
		}
	}
}

// StartConnection goes straight to the underlying collector because the
// caller needs the real connection ID for later events.
func (b *BufferedCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	return b.underlying.StartConnection(ctx, clientIP, targetHost, targetPort, protocol)
}

// EndConnection buffers the end of a connection
func (b *BufferedCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()

	b.buffer.completedConnections = append(b.buffer.completedConnections, completedConnectionData{
		connectionID:  connectionID,
		endedAt:       time.Now(),
		bytesSent:     bytesSent,
		bytesReceived: bytesReceived,
		duration:      duration,
		closeReason:   closeReason,
	})

	return nil
}

// RecordDecision buffers a routing decision
func (b *BufferedCollector) RecordDecision(ctx context.Context, connectionID int64, proxyName, source, affinityKey string) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()

	b.buffer.decisions = append(b.buffer.decisions, decisionData{
		connectionID: connectionID,
		proxyName:    proxyName,
		source:       source,
		affinityKey:  affinityKey,
		timestamp:    time.Now(),
	})

	return nil
}

// RecordDialError buffers a failed upstream dial
func (b *BufferedCollector) RecordDialError(ctx context.Context, connectionID int64, proxyName, errorType, errorMessage string) error {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()

	b.buffer.dialErrors = append(b.buffer.dialErrors, dialErrorData{
		connectionID: connectionID,
		proxyName:    proxyName,
		errorType:    errorType,
		errorMessage: errorMessage,
		timestamp:    time.Now(),
	})

	return nil
}

// HealthCheck checks if the underlying collector is healthy
func (b *BufferedCollector) HealthCheck(ctx context.Context) error {
	return b.underlying.HealthCheck(ctx)
}

// flush writes all buffered data to the underlying collector
func (b *BufferedCollector) flush() {
	b.buffer.mu.Lock()
	defer b.buffer.mu.Unlock()

	sumStats := len(b.buffer.completedConnections) +
		len(b.buffer.decisions) +
		len(b.buffer.dialErrors)

	if sumStats == 0 {
		return
	}

	logger.Debug("Flushing stats data %d", sumStats)

	ctx := context.Background()

	for i := range b.buffer.completedConnections {
		conn := &b.buffer.completedConnections[i]
		if err := b.underlying.EndConnection(ctx, conn.connectionID, conn.bytesSent, conn.bytesReceived, conn.duration, conn.closeReason); err != nil {
			logger.Debug("Failed to flush connection end: %v", err)
		}
	}

	for _, d := range b.buffer.decisions {
		if err := b.underlying.RecordDecision(ctx, d.connectionID, d.proxyName, d.source, d.affinityKey); err != nil {
			logger.Debug("Failed to flush routing decision: %v", err)
		}
	}

	for _, e := range b.buffer.dialErrors {
		if err := b.underlying.RecordDialError(ctx, e.connectionID, e.proxyName, e.errorType, e.errorMessage); err != nil {
			logger.Debug("Failed to flush dial error: %v", err)
		}
	}

	b.buffer.completedConnections = b.buffer.completedConnections[:0]
	b.buffer.decisions = b.buffer.decisions[:0]
	b.buffer.dialErrors = b.buffer.dialErrors[:0]
}

// GetOverviewStats delegates to underlying collector
func (b *BufferedCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	return b.underlying.GetOverviewStats(ctx)
}

// GetProxyUsage delegates to underlying collector
func (b *BufferedCollector) GetProxyUsage(ctx context.Context, limit int) ([]ProxyUsage, error) {
	return b.underlying.GetProxyUsage(ctx, limit)
}

// GetRecentDialErrors delegates to underlying collector
func (b *BufferedCollector) GetRecentDialErrors(ctx context.Context, limit int) ([]DialErrorInfo, error) {
	return b.underlying.GetRecentDialErrors(ctx, limit)
}

// GetTopDomains delegates to underlying collector
func (b *BufferedCollector) GetTopDomains(ctx context.Context, limit int) ([]DomainStats, error) {
	return b.underlying.GetTopDomains(ctx, limit)
}

// ForceFlush immediately flushes all buffered data
func (b *BufferedCollector) ForceFlush() {
	b.flush()
}

// Close stops the flusher and writes any remaining data
func (b *BufferedCollector) Close() error {
	close(b.stopChan)
	b.wg.Wait()
	return b.underlying.Close()
}
