package portal

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/codefionn/weiche/weiche-srv/logger"
	"github.com/codefionn/weiche/weiche-srv/stats"
)

// writeJSON writes a JSON response with proper error handling
func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// Data represents the statistics data for the portal dashboard
type Data struct {
	Overview    *stats.OverviewStats  `json:"overview"`
	ProxyUsage  []stats.ProxyUsage    `json:"proxy_usage"`
	DialErrors  []stats.DialErrorInfo `json:"dial_errors"`
	TopDomains  []stats.DomainStats   `json:"top_domains"`
	Routing     *RoutingStats         `json:"routing"`
	LastUpdated time.Time             `json:"last_updated"`
}

// RoutingStats summarizes the live routing engine state
type RoutingStats struct {
	Proxies            int     `json:"proxies"`
	AffinityEntries    int     `json:"affinity_entries"`
	AffinityTTLSeconds float64 `json:"affinity_ttl_seconds"`
}

// ProxyInfo is the portal view of one configured upstream proxy, with
// credentials already redacted
type ProxyInfo struct {
	Name         string   `json:"name"`
	Scheme       string   `json:"scheme"`
	Address      string   `json:"address"`
	URL          string   `json:"url"`
	Weight       int      `json:"weight"`
	Credentials  bool     `json:"has_credentials"`
	DefaultRoute bool     `json:"default_route"`
	Rules        []string `json:"rules"`
}
