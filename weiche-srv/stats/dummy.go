package stats

import (
	"context"
	"time"
)

// DummyCollector is a no-op implementation of Collector
// It does nothing and is used when statistics collection is disabled
type DummyCollector struct{}

// NewDummyCollector creates a new dummy collector
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

// StartConnection records the start of a connection (no-op)
func (d *DummyCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	return 0, nil
}

// EndConnection records the end of a connection (no-op)
func (d *DummyCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	return nil
}

// RecordDecision records a routing decision (no-op)
func (d *DummyCollector) RecordDecision(ctx context.Context, connectionID int64, proxyName, source, affinityKey string) error {
	return nil
}

// RecordDialError records a failed upstream dial (no-op)
func (d *DummyCollector) RecordDialError(ctx context.Context, connectionID int64, proxyName, errorType, errorMessage string) error {
	return nil
}

// HealthCheck always returns healthy for dummy collector
func (d *DummyCollector) HealthCheck(ctx context.Context) error {
	return nil
}

// GetOverviewStats returns empty stats for dummy collector
func (d *DummyCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	return &OverviewStats{}, nil
}

// GetProxyUsage returns empty usage stats for dummy collector
func (d *DummyCollector) GetProxyUsage(ctx context.Context, limit int) ([]ProxyUsage, error) {
	return []ProxyUsage{}, nil
}

// GetRecentDialErrors returns no dial errors for dummy collector
func (d *DummyCollector) GetRecentDialErrors(ctx context.Context, limit int) ([]DialErrorInfo, error) {
	return []DialErrorInfo{}, nil
}

// GetTopDomains returns empty domain stats for dummy collector
func (d *DummyCollector) GetTopDomains(ctx context.Context, limit int) ([]DomainStats, error) {
	return []DomainStats{}, nil
}

// Close does nothing for dummy collector
func (d *DummyCollector) Close() error {
	return nil
}
