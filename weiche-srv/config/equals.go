package config

// HasChanged returns true if the configuration has changed compared to another config.
// This implementation explicitly compares all fields without using reflection.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if len(a.Servers) != len(b.Servers) {
		return true
	}
	for i := range a.Servers {
		if a.Servers[i].Type != b.Servers[i].Type ||
			a.Servers[i].ListenAddress != b.Servers[i].ListenAddress ||
			a.Servers[i].Enabled != b.Servers[i].Enabled ||
			a.Servers[i].MaxConnections != b.Servers[i].MaxConnections ||
			a.Servers[i].ConnectionsPerClient != b.Servers[i].ConnectionsPerClient {
			return true
		}
	}
	if a.TimeoutSeconds != b.TimeoutSeconds {
		return true
	}
	if a.MaxConcurrentConnections != b.MaxConcurrentConnections {
		return true
	}
	if a.Routing != b.Routing {
		return true
	}
	if a.Statistics != b.Statistics {
		return true
	}
	if a.Portal != b.Portal {
		return true
	}
	return false
}

// ProxySetEqual compares two loaded proxy sets entry by entry. Used by the
// reload path to skip a proxy restart when the proxies file is unchanged.
func ProxySetEqual(a, b *ProxySet) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.Proxies) != len(b.Proxies) {
		return false
	}
	for i := range a.Proxies {
		if !upstreamProxyEqual(a.Proxies[i], b.Proxies[i]) {
			return false
		}
	}
	return true
}

func upstreamProxyEqual(a, b *UpstreamProxy) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Name != b.Name ||
		a.Scheme != b.Scheme ||
		a.Host != b.Host ||
		a.Port != b.Port ||
		a.Weight != b.Weight ||
		a.Username != b.Username ||
		a.Password != b.Password {
		return false
	}
	if len(a.Rules) != len(b.Rules) {
		return false
	}
	for i := range a.Rules {
		if !ruleEqual(a.Rules[i], b.Rules[i]) {
			return false
		}
	}
	return true
}

// ruleEqual compares two Rule interfaces for equality.
func ruleEqual(a, b Rule) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch ta := a.(type) {
	case *RuleHostPattern:
		tb, ok := b.(*RuleHostPattern)
		return ok && ta.Pattern == tb.Pattern
	case *RulePort:
		tb, ok := b.(*RulePort)
		return ok && ta.Port == tb.Port
	case *RuleDefault:
		_, ok := b.(*RuleDefault)
		return ok
	default:
		return false
	}
}
