package stats

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/codefionn/weiche/weiche-srv/config"
)

func TestDummyCollector(t *testing.T) {
	collector := NewDummyCollector()
	defer collector.Close()

	ctx := context.Background()

	// Test connection tracking
	connID, err := collector.StartConnection(ctx, "127.0.0.1", "example.com", 443, "connect")
	if err != nil {
		t.Fatalf("StartConnection failed: %v", err)
	}

	err = collector.RecordDecision(ctx, connID, "corp", "rules", "127.0.0.1:example.com:443")
	if err != nil {
		t.Fatalf("RecordDecision failed: %v", err)
	}

	err = collector.RecordDialError(ctx, connID, "corp", "unreachable", "connection refused")
	if err != nil {
		t.Fatalf("RecordDialError failed: %v", err)
	}

	err = collector.EndConnection(ctx, connID, 1024, 2048, time.Second, "normal")
	if err != nil {
		t.Fatalf("EndConnection failed: %v", err)
	}

	err = collector.HealthCheck(ctx)
	if err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}

	// Query methods report nothing rather than failing.
	overview, err := collector.GetOverviewStats(ctx)
	if err != nil {
		t.Fatalf("GetOverviewStats failed: %v", err)
	}
	if overview.TotalConnections != 0 {
		t.Errorf("Expected no recorded connections, got %d", overview.TotalConnections)
	}

	usage, err := collector.GetProxyUsage(ctx, 10)
	if err != nil {
		t.Fatalf("GetProxyUsage failed: %v", err)
	}
	if len(usage) != 0 {
		t.Errorf("Expected no proxy usage, got %d rows", len(usage))
	}
}

func TestSQLiteCollector(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "weiche_stats.db")

	collector, err := NewSQLiteCollector(dbPath)
	if err != nil {
		t.Fatalf("Failed to create SQLite collector: %v", err)
	}
	defer collector.Close()

	testCollector(t, collector)
}

func TestSQLiteCollectorQueries(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "weiche_stats.db")

	collector, err := NewSQLiteCollector(dbPath)
	if err != nil {
		t.Fatalf("Failed to create SQLite collector: %v", err)
	}
	defer collector.Close()

	ctx := context.Background()

	start := func(clientIP, host string, port int, protocol string) int64 {
		t.Helper()
		id, err := collector.StartConnection(ctx, clientIP, host, port, protocol)
		if err != nil {
			t.Fatalf("StartConnection failed: %v", err)
		}
		return id
	}

	// Two routed connections through the same proxy, the second an
	// affinity hit.
	id1 := start("10.0.0.1", "api.example.com", 443, "connect")
	if err := collector.RecordDecision(ctx, id1, "corp", "rules", "10.0.0.1:api.example.com:443"); err != nil {
		t.Fatalf("RecordDecision failed: %v", err)
	}
	if err := collector.EndConnection(ctx, id1, 1000, 5000, 2*time.Second, "completed"); err != nil {
		t.Fatalf("EndConnection failed: %v", err)
	}

	id2 := start("10.0.0.1", "api.example.com", 443, "connect")
	if err := collector.RecordDecision(ctx, id2, "corp", "affinity", "10.0.0.1:api.example.com:443"); err != nil {
		t.Fatalf("RecordDecision failed: %v", err)
	}
	if err := collector.EndConnection(ctx, id2, 500, 1500, time.Second, "completed"); err != nil {
		t.Fatalf("EndConnection failed: %v", err)
	}

	// A connection whose upstream dial failed.
	id3 := start("10.0.0.2", "api.example.com", 443, "connect")
	if err := collector.RecordDecision(ctx, id3, "backup", "default", "10.0.0.2:api.example.com:443"); err != nil {
		t.Fatalf("RecordDecision failed: %v", err)
	}
	if err := collector.RecordDialError(ctx, id3, "backup", "unreachable", "dial tcp 10.9.9.9:3128: connection refused"); err != nil {
		t.Fatalf("RecordDialError failed: %v", err)
	}
	if err := collector.EndConnection(ctx, id3, 0, 0, 100*time.Millisecond, "dial_error"); err != nil {
		t.Fatalf("EndConnection failed: %v", err)
	}

	// A direct connection that is still open.
	id4 := start("10.0.0.3", "cdn.example.net", 80, "http")
	if err := collector.RecordDecision(ctx, id4, "", "direct", ""); err != nil {
		t.Fatalf("RecordDecision failed: %v", err)
	}

	// A later failure on corp, so the recent-errors order is known.
	time.Sleep(10 * time.Millisecond)
	id5 := start("10.0.0.4", "api.example.com", 443, "connect")
	if err := collector.RecordDecision(ctx, id5, "corp", "rules", "10.0.0.4:api.example.com:443"); err != nil {
		t.Fatalf("RecordDecision failed: %v", err)
	}
	if err := collector.RecordDialError(ctx, id5, "corp", "auth_rejected", "proxy authentication required"); err != nil {
		t.Fatalf("RecordDialError failed: %v", err)
	}
	if err := collector.EndConnection(ctx, id5, 0, 0, 50*time.Millisecond, "dial_error"); err != nil {
		t.Fatalf("EndConnection failed: %v", err)
	}

	overview, err := collector.GetOverviewStats(ctx)
	if err != nil {
		t.Fatalf("GetOverviewStats failed: %v", err)
	}
	if overview.TotalConnections != 5 {
		t.Errorf("TotalConnections = %d, want 5", overview.TotalConnections)
	}
	if overview.ActiveConnections != 1 {
		t.Errorf("ActiveConnections = %d, want 1", overview.ActiveConnections)
	}
	if overview.TotalDecisions != 5 {
		t.Errorf("TotalDecisions = %d, want 5", overview.TotalDecisions)
	}
	if overview.DirectConnections != 1 {
		t.Errorf("DirectConnections = %d, want 1", overview.DirectConnections)
	}
	if overview.TotalDialErrors != 2 {
		t.Errorf("TotalDialErrors = %d, want 2", overview.TotalDialErrors)
	}
	if overview.TotalBytesOut != 1500 {
		t.Errorf("TotalBytesOut = %d, want 1500", overview.TotalBytesOut)
	}
	if overview.TotalBytesIn != 6500 {
		t.Errorf("TotalBytesIn = %d, want 6500", overview.TotalBytesIn)
	}
	if overview.Uptime == "" || overview.Uptime == "No connections yet" {
		t.Errorf("Uptime = %q, want a duration", overview.Uptime)
	}

	usage, err := collector.GetProxyUsage(ctx, 10)
	if err != nil {
		t.Fatalf("GetProxyUsage failed: %v", err)
	}
	if len(usage) != 2 {
		t.Fatalf("GetProxyUsage returned %d rows, want 2", len(usage))
	}
	if usage[0].ProxyName != "corp" || usage[0].Decisions != 3 || usage[0].AffinityHits != 1 {
		t.Errorf("Unexpected top proxy usage: %+v", usage[0])
	}
	if usage[1].ProxyName != "backup" || usage[1].Decisions != 1 || usage[1].AffinityHits != 0 {
		t.Errorf("Unexpected second proxy usage: %+v", usage[1])
	}
	if usage[0].LastUsed.IsZero() {
		t.Error("Expected LastUsed to be set")
	}

	onlyTop, err := collector.GetProxyUsage(ctx, 1)
	if err != nil {
		t.Fatalf("GetProxyUsage failed: %v", err)
	}
	if len(onlyTop) != 1 || onlyTop[0].ProxyName != "corp" {
		t.Errorf("GetProxyUsage(1) = %+v, want only corp", onlyTop)
	}

	dialErrors, err := collector.GetRecentDialErrors(ctx, 10)
	if err != nil {
		t.Fatalf("GetRecentDialErrors failed: %v", err)
	}
	if len(dialErrors) != 2 {
		t.Fatalf("GetRecentDialErrors returned %d rows, want 2", len(dialErrors))
	}
	if dialErrors[0].ProxyName != "corp" || dialErrors[0].ErrorType != "auth_rejected" {
		t.Errorf("Expected the corp auth failure first, got %+v", dialErrors[0])
	}
	if dialErrors[0].ConnectionID != id5 {
		t.Errorf("ConnectionID = %d, want %d", dialErrors[0].ConnectionID, id5)
	}
	if dialErrors[1].ProxyName != "backup" || dialErrors[1].ErrorType != "unreachable" {
		t.Errorf("Expected the backup dial failure second, got %+v", dialErrors[1])
	}
	if dialErrors[0].Timestamp.IsZero() {
		t.Error("Expected dial error timestamps to be set")
	}

	domains, err := collector.GetTopDomains(ctx, 10)
	if err != nil {
		t.Fatalf("GetTopDomains failed: %v", err)
	}
	if len(domains) != 2 {
		t.Fatalf("GetTopDomains returned %d rows, want 2", len(domains))
	}
	if domains[0].Domain != "api.example.com" || domains[0].ConnectionCount != 4 {
		t.Errorf("Unexpected top domain: %+v", domains[0])
	}
	if domains[0].TotalBytes != 8000 {
		t.Errorf("TotalBytes = %d, want 8000", domains[0].TotalBytes)
	}
	if domains[1].Domain != "cdn.example.net" || domains[1].ConnectionCount != 1 {
		t.Errorf("Unexpected second domain: %+v", domains[1])
	}
	if domains[0].LastAccess.IsZero() {
		t.Error("Expected LastAccess to be set")
	}

	if err := collector.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}
}

func TestBufferedCollector(t *testing.T) {
	underlying := NewDummyCollector()
	collector := NewBufferedCollectorWithInterval(underlying, 1*time.Second)
	defer collector.Close()

	testCollector(t, collector)
}

// countingCollector counts writes so tests can observe when the
// buffered layer actually flushes.
type countingCollector struct {
	*DummyCollector
	mu         sync.Mutex
	starts     int
	ends       int
	decisions  int
	dialErrors int
}

func newCountingCollector() *countingCollector {
	return &countingCollector{DummyCollector: NewDummyCollector()}
}

func (c *countingCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	return int64(c.starts), nil
}

func (c *countingCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ends++
	return nil
}

func (c *countingCollector) RecordDecision(ctx context.Context, connectionID int64, proxyName, source, affinityKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decisions++
	return nil
}

func (c *countingCollector) RecordDialError(ctx context.Context, connectionID int64, proxyName, errorType, errorMessage string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialErrors++
	return nil
}

func (c *countingCollector) counts() (starts, ends, decisions, dialErrors int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.ends, c.decisions, c.dialErrors
}

func TestBufferedCollectorFlushes(t *testing.T) {
	underlying := newCountingCollector()
	// Hour-long interval so only explicit flushes write through.
	collector := NewBufferedCollectorWithInterval(underlying, time.Hour)

	ctx := context.Background()

	connID, err := collector.StartConnection(ctx, "127.0.0.1", "example.com", 443, "connect")
	if err != nil {
		t.Fatalf("StartConnection failed: %v", err)
	}
	if connID != 1 {
		t.Errorf("Expected pass-through connection ID 1, got %d", connID)
	}

	for i := 0; i < 3; i++ {
		if err := collector.RecordDecision(ctx, connID, "corp", "rules", "127.0.0.1:example.com:443"); err != nil {
			t.Fatalf("RecordDecision failed: %v", err)
		}
	}
	if err := collector.RecordDialError(ctx, connID, "corp", "unreachable", "connection refused"); err != nil {
		t.Fatalf("RecordDialError failed: %v", err)
	}
	if err := collector.EndConnection(ctx, connID, 10, 20, time.Second, "completed"); err != nil {
		t.Fatalf("EndConnection failed: %v", err)
	}

	starts, ends, decisions, dialErrors := underlying.counts()
	if starts != 1 {
		t.Errorf("StartConnection should not be buffered, got %d calls", starts)
	}
	if ends != 0 || decisions != 0 || dialErrors != 0 {
		t.Errorf("Expected buffered writes before flush, got ends=%d decisions=%d dialErrors=%d", ends, decisions, dialErrors)
	}

	collector.ForceFlush()

	_, ends, decisions, dialErrors = underlying.counts()
	if ends != 1 || decisions != 3 || dialErrors != 1 {
		t.Errorf("After flush got ends=%d decisions=%d dialErrors=%d, want 1/3/1", ends, decisions, dialErrors)
	}

	// Close flushes whatever is still pending.
	if err := collector.RecordDecision(ctx, connID, "corp", "affinity", "127.0.0.1:example.com:443"); err != nil {
		t.Fatalf("RecordDecision failed: %v", err)
	}
	if err := collector.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	_, _, decisions, _ = underlying.counts()
	if decisions != 4 {
		t.Errorf("Close should flush pending decisions, got %d, want 4", decisions)
	}
}

func TestFactory(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		config  config.StatisticsConfig
		wantErr bool
	}{
		{
			name: "disabled",
			config: config.StatisticsConfig{
				Enabled: false,
			},
		},
		{
			name: "sqlite default",
			config: config.StatisticsConfig{
				Enabled:    true,
				Backend:    "sqlite",
				SQLitePath: filepath.Join(dir, "weiche_stats_"+randomSuffix()+".db"),
			},
		},
		{
			name: "empty backend falls back to sqlite",
			config: config.StatisticsConfig{
				Enabled:    true,
				SQLitePath: filepath.Join(dir, "weiche_stats_"+randomSuffix()+".db"),
			},
		},
		{
			name: "dummy backend",
			config: config.StatisticsConfig{
				Enabled: true,
				Backend: "dummy",
			},
		},
		{
			name: "postgres missing dsn",
			config: config.StatisticsConfig{
				Enabled: true,
				Backend: "postgres",
			},
			wantErr: true,
		},
		{
			name: "invalid backend",
			config: config.StatisticsConfig{
				Enabled: true,
				Backend: "invalid",
			},
			wantErr: true,
		},
	}

	factory := NewCollectorFactory()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collector, err := factory.CreateCollector(&tt.config)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error but got none")
				}
				return
			}

			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			if collector == nil {
				t.Fatal("Expected collector but got nil")
			}

			collector.Close()
		})
	}
}

func TestFactoryBuffersBackends(t *testing.T) {
	factory := NewCollectorFactory()

	collector, err := factory.CreateCollector(&config.StatisticsConfig{Enabled: true, Backend: "dummy"})
	if err != nil {
		t.Fatalf("CreateCollector failed: %v", err)
	}
	defer collector.Close()
	if _, ok := collector.(*BufferedCollector); !ok {
		t.Errorf("Enabled backends should be buffered, got %T", collector)
	}

	disabled, err := factory.CreateCollectorFromConfig(&config.Config{})
	if err != nil {
		t.Fatalf("CreateCollectorFromConfig failed: %v", err)
	}
	defer disabled.Close()
	if _, ok := disabled.(*DummyCollector); !ok {
		t.Errorf("Disabled stats should use the dummy collector, got %T", disabled)
	}
}

func TestHealthChecker(t *testing.T) {
	ctx := context.Background()

	checker := NewHealthChecker(nil)
	if err := checker.Check(ctx); err == nil {
		t.Error("Expected error for nil collector")
	}
	if err := checker.Close(); err != nil {
		t.Errorf("Close with nil collector failed: %v", err)
	}

	checker = NewHealthChecker(NewDummyCollector())
	if err := checker.Check(ctx); err != nil {
		t.Errorf("Check failed: %v", err)
	}
	if err := checker.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func testCollector(t *testing.T, collector Collector) {
	ctx := context.Background()

	// Test connection tracking
	connID, err := collector.StartConnection(ctx, "127.0.0.1", "example.com", 443, "connect")
	if err != nil {
		t.Fatalf("StartConnection failed: %v", err)
	}

	err = collector.RecordDecision(ctx, connID, "corp", "rules", "127.0.0.1:example.com:443")
	if err != nil {
		t.Fatalf("RecordDecision failed: %v", err)
	}

	err = collector.RecordDialError(ctx, connID, "corp", "unreachable", "dial tcp 10.0.0.5:3128: connection refused")
	if err != nil {
		t.Fatalf("RecordDialError failed: %v", err)
	}

	err = collector.EndConnection(ctx, connID, 1024, 2048, 2*time.Second, "completed")
	if err != nil {
		t.Fatalf("EndConnection failed: %v", err)
	}

	err = collector.HealthCheck(ctx)
	if err != nil {
		t.Fatalf("HealthCheck failed: %v", err)
	}
}

func BenchmarkBufferedCollector(b *testing.B) {
	underlying := NewDummyCollector()
	collector := NewBufferedCollectorWithInterval(underlying, 1*time.Second)
	defer collector.Close()

	ctx := context.Background()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		connID := int64(i)
		collector.RecordDecision(ctx, connID, "corp", "rules", "127.0.0.1:example.com:443")
		collector.EndConnection(ctx, connID, 1024, 2048, time.Second, "completed")
	}
}

// randomSuffix generates a random hex string for use in temporary filenames.
func randomSuffix() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
