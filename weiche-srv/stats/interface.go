package stats

import (
	"context"
	"time"
)

// Collector records connection lifecycles and routing outcomes.
type Collector interface {
	// Connection tracking
	StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error)
	EndConnection(ctx context.Context, connectionID int64, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error

	// Routing outcomes. proxyName is empty for direct connections.
	RecordDecision(ctx context.Context, connectionID int64, proxyName, source, affinityKey string) error
	RecordDialError(ctx context.Context, connectionID int64, proxyName, errorType, errorMessage string) error

	// Portal queries
	GetOverviewStats(ctx context.Context) (*OverviewStats, error)
	GetProxyUsage(ctx context.Context, limit int) ([]ProxyUsage, error)
	GetRecentDialErrors(ctx context.Context, limit int) ([]DialErrorInfo, error)
	GetTopDomains(ctx context.Context, limit int) ([]DomainStats, error)

	// Health check
	HealthCheck(ctx context.Context) error

	// Close cleans up resources
	Close() error
}

// ConnectionInfo holds information about a connection
type ConnectionInfo struct {
	ID            int64
	ClientIP      string
	TargetHost    string
	TargetPort    int
	Protocol      string
	StartedAt     time.Time
	EndedAt       *time.Time
	BytesSent     int64
	BytesReceived int64
	Duration      time.Duration
	CloseReason   string
}

// OverviewStats provides high-level statistics
type OverviewStats struct {
	TotalConnections  int64  `json:"total_connections"`
	ActiveConnections int64  `json:"active_connections"`
	TotalDecisions    int64  `json:"total_decisions"`
	DirectConnections int64  `json:"direct_connections"`
	TotalDialErrors   int64  `json:"total_dial_errors"`
	TotalBytesIn      int64  `json:"total_bytes_in"`
	TotalBytesOut     int64  `json:"total_bytes_out"`
	Uptime            string `json:"uptime"`
}

// ProxyUsage aggregates routing decisions per upstream proxy
type ProxyUsage struct {
	ProxyName    string    `json:"proxy_name"`
	Decisions    int64     `json:"decisions"`
	AffinityHits int64     `json:"affinity_hits"`
	LastUsed     time.Time `json:"last_used"`
}

// DialErrorInfo represents one failed upstream dial
type DialErrorInfo struct {
	ID           int64     `json:"id"`
	ConnectionID int64     `json:"connection_id"`
	ProxyName    string    `json:"proxy_name"`
	ErrorType    string    `json:"error_type"`
	ErrorMessage string    `json:"error_message"`
	Timestamp    time.Time `json:"timestamp"`
}

// DomainStats represents statistics for a target host
type DomainStats struct {
	Domain          string    `json:"domain"`
	ConnectionCount int64     `json:"connection_count"`
	TotalBytes      int64     `json:"total_bytes"`
	LastAccess      time.Time `json:"last_access"`
}
