package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"github.com/codefionn/weiche/weiche-srv/logger"
)

// ProxyType defines the type of proxy server
type ProxyType string

// Available proxy types
const (
	ProxyTypeStandard ProxyType = "standard" // Regular forward proxy server
)

// ServerConfig defines configuration for a single proxy server instance
type ServerConfig struct {
	Type                 ProxyType // Type of proxy server
	ListenAddress        string    // Address to listen on (e.g., 127.0.0.1:8080)
	Enabled              bool      // Whether this server is enabled
	MaxConnections       int       // Maximum connections for this server instance
	ConnectionsPerClient int       // Maximum connections per client IP
}

// RoutingConfig holds the multi-upstream routing settings.
type RoutingConfig struct {
	Mode               string // Mode selector string, e.g. "multiupstream:/etc/weiche/proxies"
	ProxiesDir         string // Directory containing the proxies file (set directly or via Mode)
	AffinityTTLSeconds int    // Idle lifetime of a session affinity entry
}

// StatisticsConfig holds settings for the statistics collector.
type StatisticsConfig struct {
	Enabled       bool
	Backend       string // "dummy", "sqlite" or "postgres"
	SQLitePath    string
	PostgresDSN   string
	FlushInterval int // Seconds between buffered flushes
}

// PortalConfig holds settings for the internal control surface.
type PortalConfig struct {
	Enabled  bool
	Domain   string // Host name the portal answers on through the proxy
	Username string
	Password string // Auth is enforced only when both username and password are set
}

// Config represents the main configuration structure for the proxy server.
type Config struct {
	Servers                  []ServerConfig // List of proxy server configurations
	TimeoutSeconds           int            // Global timeout for all connections
	MaxConcurrentConnections int            // Global max concurrent connections
	Routing                  RoutingConfig
	Statistics               StatisticsConfig
	Portal                   PortalConfig
}

// LoadConfig loads configuration from the specified file path.
func LoadConfig(configPath string) (*Config, error) {
	// Default configuration with a standard proxy server
	cfg := &Config{
		Servers: []ServerConfig{
			{
				Type:                 ProxyTypeStandard,
				ListenAddress:        "127.0.0.1:8080",
				Enabled:              true,
				MaxConnections:       100,
				ConnectionsPerClient: 10,
			},
		},
		TimeoutSeconds:           30,
		MaxConcurrentConnections: 100,
		Routing: RoutingConfig{
			AffinityTTLSeconds: 300,
		},
		Statistics: StatisticsConfig{
			Backend:       "sqlite",
			FlushInterval: 5,
		},
		Portal: PortalConfig{
			Domain: "weiche.internal",
		},
	}

	// Apply environment variables
	loadConfigFromEnv(cfg)

	// If config file exists, load it
	if configPath != "" {
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			err = loadJSONConfig(configPath, cfg)
		case ".hcl":
			err = loadHCLConfig(configPath, cfg)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}

		if err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func loadJSONConfig(configPath string, cfg *Config) error {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	// Decode into a map first to handle the hyphenated keys
	var data map[string]any
	err = json.NewDecoder(file).Decode(&data)
	if err != nil {
		return fmt.Errorf("failed to decode JSON config: %w", err)
	}

	return parseConfigMap(data, cfg)
}

// parseConfigMap maps raw config values onto the Config struct. JSON and
// HCL both feed this, so the two formats accept the identical schema.
func parseConfigMap(data map[string]any, cfg *Config) error {
	_, serversSpecified := data["servers"]
	if val, exists := data["servers"]; exists {
		serverList, ok := val.([]any)
		if !ok {
			return fmt.Errorf("servers must be an array")
		}

		// Clear default servers if specified in config
		cfg.Servers = []ServerConfig{}

		for i, serverData := range serverList {
			serverMap, ok := serverData.(map[string]any)
			if !ok {
				return fmt.Errorf("server configuration at index %d must be an object", i)
			}

			server := ServerConfig{
				Type:                 ProxyTypeStandard,
				Enabled:              true,
				MaxConnections:       100,
				ConnectionsPerClient: 10,
			}

			if typeVal, exists := serverMap["type"]; exists {
				ptr, err := parseValue[string](typeVal)
				if err != nil {
					return fmt.Errorf("server type at index %d must be a string: %w", i, err)
				}
				serverType := ProxyType(*ptr)
				if serverType != ProxyTypeStandard {
					return fmt.Errorf("invalid proxy type at index %d: %s", i, *ptr)
				}
				server.Type = serverType
			}

			if addrVal, exists := serverMap["listen-address"]; exists {
				ptr, err := parseValue[string](addrVal)
				if err != nil {
					return fmt.Errorf("listen-address at index %d must be a string: %w", i, err)
				}
				server.ListenAddress = *ptr
			}

			if enabledVal, exists := serverMap["enabled"]; exists {
				ptr, err := parseValue[bool](enabledVal)
				if err != nil {
					return fmt.Errorf("enabled at index %d must be a boolean: %w", i, err)
				}
				server.Enabled = *ptr
			}

			if maxConnsVal, exists := serverMap["max-connections"]; exists {
				ptr, err := parseValue[int](maxConnsVal)
				if err != nil {
					return fmt.Errorf("max-connections at index %d must be an integer: %w", i, err)
				}
				server.MaxConnections = *ptr
			}

			if clientConnsVal, exists := serverMap["connections-per-client"]; exists {
				ptr, err := parseValue[int](clientConnsVal)
				if err != nil {
					return fmt.Errorf("connections-per-client at index %d must be an integer: %w", i, err)
				}
				server.ConnectionsPerClient = *ptr
			}

			cfg.Servers = append(cfg.Servers, server)
		}
	}

	// Shorthand: a bare listen-address replaces the server list with a
	// single standard server on that address.
	if val, exists := data["listen-address"]; exists && !serversSpecified {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("listen-address must be a string")
		}
		cfg.Servers = []ServerConfig{
			{
				Type:                 ProxyTypeStandard,
				ListenAddress:        *ptr,
				Enabled:              true,
				MaxConnections:       100,
				ConnectionsPerClient: 10,
			},
		}
	}

	if val, exists := data["timeout-seconds"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("timeout-seconds must be a number")
		}
		cfg.TimeoutSeconds = *ptr
	}

	if val, exists := data["max-concurrent-connections"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("max-concurrent-connections must be a number")
		}
		cfg.MaxConcurrentConnections = *ptr
	}

	if val, exists := data["routing"]; exists {
		routingMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("routing must be an object")
		}
		if err := parseRoutingConfig(routingMap, &cfg.Routing); err != nil {
			return err
		}
	}

	if val, exists := data["statistics"]; exists {
		statsMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("statistics must be an object")
		}
		if err := parseStatisticsConfig(statsMap, &cfg.Statistics); err != nil {
			return err
		}
	}

	if val, exists := data["portal"]; exists {
		portalMap, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("portal must be an object")
		}
		if err := parsePortalConfig(portalMap, &cfg.Portal); err != nil {
			return err
		}
	}

	return nil
}

func parseRoutingConfig(data map[string]any, routing *RoutingConfig) error {
	if val, exists := data["mode"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("routing mode must be a string: %w", err)
		}
		routing.Mode = *ptr
	}
	if val, exists := data["proxies-dir"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("routing proxies-dir must be a string: %w", err)
		}
		routing.ProxiesDir = *ptr
	}
	if val, exists := data["affinity-ttl-seconds"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("routing affinity-ttl-seconds must be an integer: %w", err)
		}
		if *ptr <= 0 {
			return fmt.Errorf("routing affinity-ttl-seconds must be positive")
		}
		routing.AffinityTTLSeconds = *ptr
	}
	return nil
}

func parseStatisticsConfig(data map[string]any, stats *StatisticsConfig) error {
	if val, exists := data["enabled"]; exists {
		ptr, err := parseValue[bool](val)
		if err != nil {
			return fmt.Errorf("statistics enabled must be a boolean: %w", err)
		}
		stats.Enabled = *ptr
	}
	if val, exists := data["backend"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("statistics backend must be a string: %w", err)
		}
		stats.Backend = *ptr
	}
	if val, exists := data["sqlite-path"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("statistics sqlite-path must be a string: %w", err)
		}
		stats.SQLitePath = *ptr
	}
	if val, exists := data["postgres-dsn"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("statistics postgres-dsn must be a string: %w", err)
		}
		stats.PostgresDSN = *ptr
	}
	if val, exists := data["flush-interval"]; exists {
		ptr, err := parseValue[int](val)
		if err != nil {
			return fmt.Errorf("statistics flush-interval must be an integer: %w", err)
		}
		stats.FlushInterval = *ptr
	}
	return nil
}

func parsePortalConfig(data map[string]any, portal *PortalConfig) error {
	if val, exists := data["enabled"]; exists {
		ptr, err := parseValue[bool](val)
		if err != nil {
			return fmt.Errorf("portal enabled must be a boolean: %w", err)
		}
		portal.Enabled = *ptr
	}
	if val, exists := data["domain"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("portal domain must be a string: %w", err)
		}
		portal.Domain = *ptr
	}
	if val, exists := data["username"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("portal username must be a string: %w", err)
		}
		portal.Username = *ptr
	}
	if val, exists := data["password"]; exists {
		ptr, err := parseValue[string](val)
		if err != nil {
			return fmt.Errorf("portal password must be a string: %w", err)
		}
		portal.Password = *ptr
	}
	return nil
}

// parseValue converts a raw decoded config value into the requested type.
// Values may arrive as JSON numbers (float64), YAML integers, strings or
// booleans; a map with a "_secret" or "_env" key resolves the value from
// the named environment variable instead.
func parseValue[T any](value any) (*T, error) {
	var zero T
	tType := reflect.TypeOf(zero)
	ptr := reflect.New(tType)
	elem := ptr.Elem()

	// Secret-case: retrieve env var
	if m, ok := value.(map[string]any); ok {
		key, isSecret := m["_secret"].(string)
		if !isSecret {
			key, isSecret = m["_env"].(string)
		}
		if isSecret {
			res := os.Getenv(key)
			if res == "" {
				return nil, fmt.Errorf("secret %s not set", key)
			}
			value = res
		}
	}

	switch v := value.(type) {
	case float64:
		// JSON number
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(v)
		default:
			return nil, fmt.Errorf("expected %T, got JSON number", zero)
		}
	case int:
		// YAML number
		switch elem.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			elem.SetInt(int64(v))
		case reflect.Float32, reflect.Float64:
			elem.SetFloat(float64(v))
		default:
			return nil, fmt.Errorf("expected %T, got number", zero)
		}
	case string:
		switch elem.Kind() {
		case reflect.String:
			elem.SetString(v)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i, err := strconv.ParseInt(v, 10, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse int: %w", err)
			}
			elem.SetInt(i)
		case reflect.Float32, reflect.Float64:
			f, err := strconv.ParseFloat(v, elem.Type().Bits())
			if err != nil {
				return nil, fmt.Errorf("failed to parse float: %w", err)
			}
			elem.SetFloat(f)
		case reflect.Bool:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			elem.SetBool(b)
		default:
			return nil, fmt.Errorf("expected %T, got string", zero)
		}
	case bool:
		if elem.Kind() == reflect.Bool {
			elem.SetBool(v)
		} else {
			return nil, fmt.Errorf("expected %T, got bool", zero)
		}
	default:
		// direct-case: cast
		if rv, ok := value.(T); ok {
			return &rv, nil
		}
		return nil, fmt.Errorf("expected %T, got %T", zero, value)
	}
	return ptr.Interface().(*T), nil
}

func loadConfigFromEnv(cfg *Config) {
	if timeoutStr := os.Getenv("WEICHE_TIMEOUTSECONDS"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.TimeoutSeconds = timeout
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for WEICHE_TIMEOUTSECONDS: %s\n", timeoutStr)
		}
	}

	if maxConnStr := os.Getenv("WEICHE_MAXCONCURRENTCONNECTIONS"); maxConnStr != "" {
		if maxConn, err := strconv.Atoi(maxConnStr); err == nil {
			cfg.MaxConcurrentConnections = maxConn
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for WEICHE_MAXCONCURRENTCONNECTIONS: %s\n", maxConnStr)
		}
	}

	if listenAddress := os.Getenv("WEICHE_LISTENADDRESS"); listenAddress != "" {
		for i := range cfg.Servers {
			cfg.Servers[i].ListenAddress = listenAddress
		}
	}

	if mode := os.Getenv("WEICHE_MODE"); mode != "" {
		cfg.Routing.Mode = mode
	}

	if proxiesDir := os.Getenv("WEICHE_PROXIESDIR"); proxiesDir != "" {
		cfg.Routing.ProxiesDir = proxiesDir
	}

	if ttlStr := os.Getenv("WEICHE_AFFINITYTTL"); ttlStr != "" {
		if ttl, err := strconv.Atoi(ttlStr); err == nil && ttl > 0 {
			cfg.Routing.AffinityTTLSeconds = ttl
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for WEICHE_AFFINITYTTL: %s\n", ttlStr)
		}
	}

	if enabled := os.Getenv("WEICHE_STATSENABLED"); enabled != "" {
		cfg.Statistics.Enabled = strings.EqualFold(enabled, "true") || enabled == "1"
	}

	if backend := os.Getenv("WEICHE_STATSBACKEND"); backend != "" {
		cfg.Statistics.Backend = backend
	}

	if sqlitePath := os.Getenv("WEICHE_STATSSQLITEPATH"); sqlitePath != "" {
		cfg.Statistics.SQLitePath = sqlitePath
	}

	if postgresDSN := os.Getenv("WEICHE_STATSPOSTGRESDSN"); postgresDSN != "" {
		cfg.Statistics.PostgresDSN = postgresDSN
	}

	if enabled := os.Getenv("WEICHE_PORTALENABLED"); enabled != "" {
		cfg.Portal.Enabled = strings.EqualFold(enabled, "true") || enabled == "1"
	}

	if domain := os.Getenv("WEICHE_PORTALDOMAIN"); domain != "" {
		cfg.Portal.Domain = domain
	}

	if username := os.Getenv("WEICHE_PORTALUSERNAME"); username != "" {
		cfg.Portal.Username = username
	}

	if password := os.Getenv("WEICHE_PORTALPASSWORD"); password != "" {
		cfg.Portal.Password = password
	}
}
