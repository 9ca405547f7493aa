package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Supported upstream proxy URL schemes.
const (
	SchemeHTTP   = "http"
	SchemeHTTPS  = "https"
	SchemeSOCKS5 = "socks5"
)

// proxyFileNames is the search order inside a proxies directory.
// The first existing file wins.
var proxyFileNames = []string{"proxies.yaml", "proxies.yml", "proxies.json"}

// UpstreamProxy is one configured upstream proxy, immutable once loaded.
type UpstreamProxy struct {
	Name     string
	Scheme   string
	Host     string
	Port     int
	Weight   int
	Username string
	Password string
	URL      *url.URL
	Rules    []Rule
}

// Address returns the host:port the upstream proxy listens on.
func (p *UpstreamProxy) Address() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// HasCredentials reports whether the proxy carries authentication data.
func (p *UpstreamProxy) HasCredentials() bool {
	return p.Username != "" || p.Password != ""
}

// HasDefaultRule reports whether the proxy carries a default rule.
func (p *UpstreamProxy) HasDefaultRule() bool {
	for _, r := range p.Rules {
		if r.Kind() == RuleKindDefault {
			return true
		}
	}
	return false
}

// Redacted returns the proxy URL with credentials masked, safe for logs.
func (p *UpstreamProxy) Redacted() string {
	if p.URL == nil {
		return fmt.Sprintf("%s://%s", p.Scheme, p.Address())
	}
	u := *p.URL
	if u.User != nil || p.HasCredentials() {
		u.User = url.UserPassword("***", "***")
	}
	return u.String()
}

// ProxySet is the full loaded set of upstream proxies, read-only after
// construction. Lookups by name are backed by a map built at load time.
type ProxySet struct {
	Proxies []*UpstreamProxy
	byName  map[string]*UpstreamProxy
}

// NewProxySet builds a set from already-validated proxies. Used by tests
// and by code paths that assemble a table programmatically.
func NewProxySet(proxies []*UpstreamProxy) *ProxySet {
	set := &ProxySet{byName: make(map[string]*UpstreamProxy, len(proxies))}
	for _, p := range proxies {
		if p == nil || p.Name == "" {
			continue
		}
		if _, exists := set.byName[p.Name]; exists {
			continue
		}
		set.Proxies = append(set.Proxies, p)
		set.byName[p.Name] = p
	}
	return set
}

// ByName returns the proxy with the given name, or nil.
func (s *ProxySet) ByName(name string) *UpstreamProxy {
	if s == nil {
		return nil
	}
	return s.byName[name]
}

// Len returns the number of loaded proxies.
func (s *ProxySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Proxies)
}

// Warning describes a non-fatal problem found while loading a proxies file.
type Warning struct {
	Source  string // file or directory the warning refers to
	Entry   string // proxy name or positional label, empty for file-level warnings
	Message string
}

func (w Warning) String() string {
	if w.Entry != "" {
		return fmt.Sprintf("%s: entry %s: %s", w.Source, w.Entry, w.Message)
	}
	return fmt.Sprintf("%s: %s", w.Source, w.Message)
}

// LoadProxies loads the upstream proxy set from a directory. It never fails:
// a missing directory, missing file, or malformed content degrades to an
// empty (or partial) set plus warnings. One bad entry does not prevent the
// others from loading.
func LoadProxies(dir string) (*ProxySet, []Warning) {
	set := &ProxySet{byName: make(map[string]*UpstreamProxy)}
	var warnings []Warning

	if dir == "" {
		warnings = append(warnings, Warning{Source: dir, Message: "no proxies directory configured"})
		return set, warnings
	}

	var path string
	for _, name := range proxyFileNames {
		candidate := filepath.Join(dir, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			path = candidate
			break
		}
	}
	if path == "" {
		warnings = append(warnings, Warning{
			Source:  dir,
			Message: fmt.Sprintf("no proxies file found (looked for %s)", strings.Join(proxyFileNames, ", ")),
		})
		return set, warnings
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		warnings = append(warnings, Warning{Source: path, Message: fmt.Sprintf("failed to read file: %v", err)})
		return set, warnings
	}

	entries, err := decodeProxiesFile(path, raw)
	if err != nil {
		warnings = append(warnings, Warning{Source: path, Message: fmt.Sprintf("failed to parse file: %v", err)})
		return set, warnings
	}
	if len(entries) == 0 {
		warnings = append(warnings, Warning{Source: path, Message: "no proxies defined"})
		return set, warnings
	}

	for i, entry := range entries {
		label := entryLabel(entry, i)
		proxy, entryWarnings, err := parseProxyEntry(entry)
		for _, ew := range entryWarnings {
			warnings = append(warnings, Warning{Source: path, Entry: label, Message: ew})
		}
		if err != nil {
			warnings = append(warnings, Warning{Source: path, Entry: label, Message: err.Error()})
			continue
		}
		if _, exists := set.byName[proxy.Name]; exists {
			warnings = append(warnings, Warning{Source: path, Entry: label, Message: "duplicate proxy name, entry dropped"})
			continue
		}
		set.Proxies = append(set.Proxies, proxy)
		set.byName[proxy.Name] = proxy
	}

	return set, warnings
}

// decodeProxiesFile decodes YAML or JSON (by extension) into one entry map
// per proxy. Validation happens per entry afterwards, so a single broken
// entry cannot take the whole file down.
func decodeProxiesFile(path string, raw []byte) ([]map[string]any, error) {
	var file struct {
		Proxies []map[string]any `yaml:"proxies" json:"proxies"`
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return nil, err
		}
	case ".json":
		if err := json.Unmarshal(raw, &file); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported proxies file format: %s", filepath.Ext(path))
	}

	return file.Proxies, nil
}

func entryLabel(entry map[string]any, idx int) string {
	if name, ok := entry["name"].(string); ok && name != "" {
		return name
	}
	return fmt.Sprintf("proxies[%d]", idx)
}

// parseProxyEntry validates one proxies-file entry. The returned warnings
// describe recoverable problems (skipped rules, normalized weights) on an
// entry that still loads; a non-nil error drops the whole entry.
func parseProxyEntry(entry map[string]any) (*UpstreamProxy, []string, error) {
	var entryWarnings []string

	name, err := parseValue[string](entry["name"])
	if err != nil || *name == "" {
		return nil, nil, fmt.Errorf("missing or invalid 'name' field")
	}

	rawURL, err := parseValue[string](entry["url"])
	if err != nil || *rawURL == "" {
		return nil, nil, fmt.Errorf("missing or invalid 'url' field")
	}

	proxy := &UpstreamProxy{
		Name:   *name,
		Weight: 1,
	}
	if err := applyProxyURL(proxy, *rawURL); err != nil {
		return nil, nil, err
	}

	if rawWeight, present := entry["weight"]; present {
		weight, err := parseValue[int](rawWeight)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid 'weight' field: %v", err)
		}
		switch {
		case *weight < 0:
			entryWarnings = append(entryWarnings, fmt.Sprintf("negative weight %d normalized to 1", *weight))
			proxy.Weight = 1
		default:
			proxy.Weight = *weight
		}
	}

	// Explicit username/password fields take precedence over URL credentials.
	if rawUser, present := entry["username"]; present {
		user, err := parseValue[string](rawUser)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid 'username' field: %v", err)
		}
		proxy.Username = *user
	}
	if rawPass, present := entry["password"]; present {
		pass, err := parseValue[string](rawPass)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid 'password' field: %v", err)
		}
		proxy.Password = *pass
	}

	rawRules, ok := entry["rules"].([]any)
	if !ok || len(rawRules) == 0 {
		return nil, nil, fmt.Errorf("missing or empty 'rules' field")
	}
	for i, rawRule := range rawRules {
		ruleMap, ok := rawRule.(map[string]any)
		if !ok {
			entryWarnings = append(entryWarnings, fmt.Sprintf("rule %d is not an object, skipped", i))
			continue
		}
		rule, err := parseRule(ruleMap)
		if err != nil {
			entryWarnings = append(entryWarnings, fmt.Sprintf("rule %d skipped: %v", i, err))
			continue
		}
		proxy.Rules = append(proxy.Rules, rule)
	}
	if len(proxy.Rules) == 0 {
		return nil, entryWarnings, fmt.Errorf("no valid rules, entry dropped")
	}

	return proxy, entryWarnings, nil
}

// applyProxyURL parses the upstream URL into scheme, host, port and any
// embedded credentials. Ports default to 80/443/1080 by scheme.
func applyProxyURL(proxy *UpstreamProxy, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid 'url' field: %v", err)
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case SchemeHTTP, SchemeHTTPS, SchemeSOCKS5:
	default:
		return fmt.Errorf("unsupported scheme %q (must be http, https or socks5)", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("url %q has no host", rawURL)
	}

	port := defaultPortForScheme(scheme)
	if portStr := u.Port(); portStr != "" {
		port, err = strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("url %q has an invalid port", rawURL)
		}
	}

	proxy.Scheme = scheme
	proxy.Host = host
	proxy.Port = port
	proxy.URL = u
	if u.User != nil {
		proxy.Username = u.User.Username()
		proxy.Password, _ = u.User.Password()
	}
	return nil
}

func defaultPortForScheme(scheme string) int {
	switch scheme {
	case SchemeHTTP:
		return 80
	case SchemeHTTPS:
		return 443
	case SchemeSOCKS5:
		return 1080
	default:
		return 0
	}
}

func parseRule(ruleMap map[string]any) (Rule, error) {
	ruleType, ok := ruleMap["type"].(string)
	if !ok {
		return nil, fmt.Errorf("missing rule type")
	}

	switch RuleKind(ruleType) {
	case RuleKindHostPattern:
		pattern, err := parseValue[string](ruleMap["pattern"])
		if err != nil || *pattern == "" {
			return nil, fmt.Errorf("host_pattern rule requires a 'pattern' field")
		}
		return &RuleHostPattern{Pattern: *pattern}, nil
	case RuleKindPort:
		port, err := parseValue[int](ruleMap["port"])
		if err != nil {
			return nil, fmt.Errorf("port rule requires an integer 'port' field")
		}
		if *port <= 0 || *port > 65535 {
			return nil, fmt.Errorf("port rule has out-of-range port %d", *port)
		}
		return &RulePort{Port: *port}, nil
	case RuleKindDefault:
		return &RuleDefault{}, nil
	default:
		return nil, fmt.Errorf("unsupported rule type: %s", ruleType)
	}
}
