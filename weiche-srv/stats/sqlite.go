package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codefionn/weiche/weiche-srv/logger"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteCollector implements Collector using SQLite as the backend
type SQLiteCollector struct {
	db *sql.DB
}

// NewSQLiteCollector creates a new SQLite-based statistics collector
func NewSQLiteCollector(dbPath string) (*SQLiteCollector, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	collector := &SQLiteCollector{db: db}
	if err := applySchema(db, sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized stats collector sqlite")

	return collector, nil
}

// StartConnection records the start of a connection
func (s *SQLiteCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (client_ip, target_host, target_port, protocol, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		clientIP, targetHost, targetPort, protocol, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get connection ID: %w", err)
	}

	return id, nil
}

// EndConnection records the end of a connection
func (s *SQLiteCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections
		 SET ended_at = ?, bytes_sent = ?, bytes_received = ?, duration_ms = ?, close_reason = ?
		 WHERE id = ?`,
		time.Now(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

// RecordDecision records which upstream a connection was routed to
func (s *SQLiteCollector) RecordDecision(ctx context.Context, connectionID int64, proxyName, source, affinityKey string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO route_decisions (connection_id, proxy_name, source, affinity_key, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		connectionID, proxyName, source, affinityKey, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record routing decision: %w", err)
	}
	return nil
}

// RecordDialError records a failed upstream dial
func (s *SQLiteCollector) RecordDialError(ctx context.Context, connectionID int64, proxyName, errorType, errorMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dial_errors (connection_id, proxy_name, error_type, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		connectionID, proxyName, errorType, errorMessage, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record dial error: %w", err)
	}
	return nil
}

// HealthCheck verifies the database is reachable
func (s *SQLiteCollector) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetOverviewStats returns overview statistics
func (s *SQLiteCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	stats := &OverviewStats{}

	query := "SELECT COUNT(*) FROM connections"
	err := s.db.QueryRowContext(ctx, query).Scan(&stats.TotalConnections)
	if err != nil {
		return nil, fmt.Errorf("failed to get total connections: %w", err)
	}

	query = "SELECT COUNT(*) FROM connections WHERE ended_at IS NULL"
	err = s.db.QueryRowContext(ctx, query).Scan(&stats.ActiveConnections)
	if err != nil {
		return nil, fmt.Errorf("failed to get active connections: %w", err)
	}

	query = "SELECT COUNT(*) FROM route_decisions"
	err = s.db.QueryRowContext(ctx, query).Scan(&stats.TotalDecisions)
	if err != nil {
		return nil, fmt.Errorf("failed to get total decisions: %w", err)
	}

	query = "SELECT COUNT(*) FROM route_decisions WHERE proxy_name = ''"
	err = s.db.QueryRowContext(ctx, query).Scan(&stats.DirectConnections)
	if err != nil {
		return nil, fmt.Errorf("failed to get direct connections: %w", err)
	}

	query = "SELECT COUNT(*) FROM dial_errors"
	err = s.db.QueryRowContext(ctx, query).Scan(&stats.TotalDialErrors)
	if err != nil {
		return nil, fmt.Errorf("failed to get total dial errors: %w", err)
	}

	query = "SELECT COALESCE(SUM(bytes_sent), 0), COALESCE(SUM(bytes_received), 0) FROM connections"
	err = s.db.QueryRowContext(ctx, query).Scan(&stats.TotalBytesOut, &stats.TotalBytesIn)
	if err != nil {
		return nil, fmt.Errorf("failed to get total bytes: %w", err)
	}

	// Select the column directly: go-sqlite3 only converts TIMESTAMP
	// columns to time.Time when the declared type survives, which it
	// does not through MIN().
	query = "SELECT started_at FROM connections ORDER BY started_at LIMIT 1"
	var firstConnection time.Time
	err = s.db.QueryRowContext(ctx, query).Scan(&firstConnection)
	if err != nil {
		stats.Uptime = "No connections yet"
	} else {
		stats.Uptime = time.Since(firstConnection).String()
	}

	return stats, nil
}

// GetProxyUsage returns per-proxy decision counts, busiest first
func (s *SQLiteCollector) GetProxyUsage(ctx context.Context, limit int) (usage []ProxyUsage, err error) {
	query := `
		SELECT proxy_name, COUNT(*) as decisions,
		       COALESCE(SUM(CASE WHEN source = 'affinity' THEN 1 ELSE 0 END), 0) as affinity_hits,
		       datetime(MAX(created_at)) as last_used
		FROM route_decisions
		WHERE proxy_name != ''
		GROUP BY proxy_name
		ORDER BY decisions DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get proxy usage: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	for rows.Next() {
		var u ProxyUsage
		var lastUsedStr string
		if err := rows.Scan(&u.ProxyName, &u.Decisions, &u.AffinityHits, &lastUsedStr); err != nil {
			return nil, fmt.Errorf("failed to scan proxy usage row: %w", err)
		}
		u.LastUsed = parseSQLiteTime(lastUsedStr)
		usage = append(usage, u)
	}

	return usage, nil
}

// GetRecentDialErrors returns the latest upstream dial failures
func (s *SQLiteCollector) GetRecentDialErrors(ctx context.Context, limit int) (dialErrors []DialErrorInfo, err error) {
	query := `
		SELECT id, connection_id, proxy_name, error_type, COALESCE(error_message, ''), created_at
		FROM dial_errors
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent dial errors: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	for rows.Next() {
		var e DialErrorInfo
		if err := rows.Scan(&e.ID, &e.ConnectionID, &e.ProxyName, &e.ErrorType, &e.ErrorMessage, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan dial error row: %w", err)
		}
		dialErrors = append(dialErrors, e)
	}

	return dialErrors, nil
}

// GetTopDomains returns top target hosts by connection count
func (s *SQLiteCollector) GetTopDomains(ctx context.Context, limit int) (domains []DomainStats, err error) {
	query := `
		SELECT target_host, COUNT(*) as connection_count,
		       SUM(bytes_sent + bytes_received) as total_bytes,
		       datetime(MAX(started_at)) as last_access
		FROM connections
		GROUP BY target_host
		ORDER BY connection_count DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get top domains: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	for rows.Next() {
		var domain DomainStats
		var lastAccessStr string
		if err := rows.Scan(&domain.Domain, &domain.ConnectionCount, &domain.TotalBytes, &lastAccessStr); err != nil {
			return nil, fmt.Errorf("failed to scan domain row: %w", err)
		}
		domain.LastAccess = parseSQLiteTime(lastAccessStr)
		domains = append(domains, domain)
	}

	return domains, nil
}

// parseSQLiteTime tries the timestamp layouts SQLite hands back. Falls
// back to the current time when none of them fit.
func parseSQLiteTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	formats := []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05Z",
		"2006-01-02T15:04:05.999999999Z",
		time.RFC3339,
		time.RFC3339Nano,
	}
	for _, format := range formats {
		if t, err := time.Parse(format, value); err == nil {
			return t
		}
	}
	return time.Now()
}

// Close closes the database connection
func (s *SQLiteCollector) Close() error {
	return s.db.Close()
}
