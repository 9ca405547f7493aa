package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codefionn/weiche/weiche-srv/logger"
	_ "github.com/lib/pq"
)

// PostgreSQLCollector implements Collector using PostgreSQL
type PostgreSQLCollector struct {
	db *sql.DB
}

// NewPostgreSQLCollector creates a new PostgreSQL-based stats collector
func NewPostgreSQLCollector(connectionString string) (*PostgreSQLCollector, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	collector := &PostgreSQLCollector{db: db}
	if err := applySchema(db, postgresSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug("Initialized stats collector postgresql")

	return collector, nil
}

// StartConnection records the start of a connection
func (p *PostgreSQLCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	var id int64

	// The client_ip column is INET; an empty string would not parse
	var clientIPParam interface{}
	if clientIP == "" {
		clientIPParam = nil
	} else {
		clientIPParam = clientIP
	}

	err := p.db.QueryRowContext(ctx,
		`INSERT INTO connections (client_ip, target_host, target_port, protocol)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		clientIPParam, targetHost, targetPort, protocol).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}
	return id, nil
}

// EndConnection records the end of a connection
func (p *PostgreSQLCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE connections
		 SET ended_at = NOW(), bytes_sent = $1, bytes_received = $2, duration_ms = $3, close_reason = $4
		 WHERE id = $5`,
		bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

// RecordDecision records which upstream a connection was routed to
func (p *PostgreSQLCollector) RecordDecision(ctx context.Context, connectionID int64, proxyName, source, affinityKey string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO route_decisions (connection_id, proxy_name, source, affinity_key)
		 VALUES ($1, $2, $3, $4)`,
		connectionID, proxyName, source, affinityKey)
	if err != nil {
		return fmt.Errorf("failed to record routing decision: %w", err)
	}
	return nil
}

// RecordDialError records a failed upstream dial
func (p *PostgreSQLCollector) RecordDialError(ctx context.Context, connectionID int64, proxyName, errorType, errorMessage string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO dial_errors (connection_id, proxy_name, error_type, error_message)
		 VALUES ($1, $2, $3, $4)`,
		connectionID, proxyName, errorType, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to record dial error: %w", err)
	}
	return nil
}

// HealthCheck verifies the database is reachable
func (p *PostgreSQLCollector) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// GetOverviewStats returns overview statistics
func (p *PostgreSQLCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	stats := &OverviewStats{}

	query := "SELECT COUNT(*) FROM connections"
	err := p.db.QueryRowContext(ctx, query).Scan(&stats.TotalConnections)
	if err != nil {
		return nil, fmt.Errorf("failed to get total connections: %w", err)
	}

	query = "SELECT COUNT(*) FROM connections WHERE ended_at IS NULL"
	err = p.db.QueryRowContext(ctx, query).Scan(&stats.ActiveConnections)
	if err != nil {
		return nil, fmt.Errorf("failed to get active connections: %w", err)
	}

	query = "SELECT COUNT(*) FROM route_decisions"
	err = p.db.QueryRowContext(ctx, query).Scan(&stats.TotalDecisions)
	if err != nil {
		return nil, fmt.Errorf("failed to get total decisions: %w", err)
	}

	query = "SELECT COUNT(*) FROM route_decisions WHERE proxy_name = ''"
	err = p.db.QueryRowContext(ctx, query).Scan(&stats.DirectConnections)
	if err != nil {
		return nil, fmt.Errorf("failed to get direct connections: %w", err)
	}

	query = "SELECT COUNT(*) FROM dial_errors"
	err = p.db.QueryRowContext(ctx, query).Scan(&stats.TotalDialErrors)
	if err != nil {
		return nil, fmt.Errorf("failed to get total dial errors: %w", err)
	}

	query = "SELECT COALESCE(SUM(bytes_sent), 0), COALESCE(SUM(bytes_received), 0) FROM connections"
	err = p.db.QueryRowContext(ctx, query).Scan(&stats.TotalBytesOut, &stats.TotalBytesIn)
	if err != nil {
		return nil, fmt.Errorf("failed to get total bytes: %w", err)
	}

	query = "SELECT MIN(started_at) FROM connections"
	var firstConnection sql.NullTime
	err = p.db.QueryRowContext(ctx, query).Scan(&firstConnection)
	if err != nil || !firstConnection.Valid {
		stats.Uptime = "No connections yet"
	} else {
		stats.Uptime = time.Since(firstConnection.Time).String()
	}

	return stats, nil
}

// GetProxyUsage returns per-proxy decision counts, busiest first
func (p *PostgreSQLCollector) GetProxyUsage(ctx context.Context, limit int) (usage []ProxyUsage, err error) {
	query := `
		SELECT proxy_name, COUNT(*) as decisions,
		       COALESCE(SUM(CASE WHEN source = 'affinity' THEN 1 ELSE 0 END), 0) as affinity_hits,
		       MAX(created_at) as last_used
		FROM route_decisions
		WHERE proxy_name != ''
		GROUP BY proxy_name
		ORDER BY decisions DESC
		LIMIT $1
	`

	rows, err := p.db.QueryContext(ctx, query, limit)
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
		if err := rows.Scan(&u.ProxyName, &u.Decisions, &u.AffinityHits, &u.LastUsed); err != nil {
			return nil, fmt.Errorf("failed to scan proxy usage row: %w", err)
		}
		usage = append(usage, u)
	}

	return usage, nil
}

// GetRecentDialErrors returns the latest upstream dial failures
func (p *PostgreSQLCollector) GetRecentDialErrors(ctx context.Context, limit int) (dialErrors []DialErrorInfo, err error) {
	query := `
		SELECT id, connection_id, proxy_name, error_type, COALESCE(error_message, ''), created_at
		FROM dial_errors
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := p.db.QueryContext(ctx, query, limit)
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
func (p *PostgreSQLCollector) GetTopDomains(ctx context.Context, limit int) (domains []DomainStats, err error) {
	query := `
		SELECT target_host, COUNT(*) as connection_count,
		       COALESCE(SUM(bytes_sent + bytes_received), 0) as total_bytes,
		       MAX(started_at) as last_access
		FROM connections
		GROUP BY target_host
		ORDER BY connection_count DESC
		LIMIT $1
	`

	rows, err := p.db.QueryContext(ctx, query, limit)
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
		if err := rows.Scan(&domain.Domain, &domain.ConnectionCount, &domain.TotalBytes, &domain.LastAccess); err != nil {
			return nil, fmt.Errorf("failed to scan domain row: %w", err)
		}
		domains = append(domains, domain)
	}

	return domains, nil
}

// Close closes the database connection
func (p *PostgreSQLCollector) Close() error {
	return p.db.Close()
}
