package router

import (
	"strings"

	"github.com/codefionn/weiche/weiche-srv/config"
	"github.com/codefionn/weiche/weiche-srv/logger"
)

// hostSetThreshold is the number of literal host patterns on one proxy at
// which they are fused into a single Aho-Corasick matcher.
const hostSetThreshold = 4

type compiledProxy struct {
	cfg        *config.UpstreamProxy
	matchers   []ruleMatcher
	hasDefault bool
}

func (cp *compiledProxy) matchesTarget(host string, port int) bool {
	for _, m := range cp.matchers {
		if m.matches(host, port) {
			return true
		}
	}
	return false
}

// Table is the compiled routing table. It is built once from a loaded
// proxy set and never mutated afterwards, so all lookups are lock-free.
type Table struct {
	proxies []*compiledProxy
	byName  map[string]*compiledProxy
}

// NewTable compiles the proxy set's rules into matchers. Rule compilation
// happens here, once, not per request.
func NewTable(set *config.ProxySet) *Table {
	t := &Table{byName: make(map[string]*compiledProxy)}
	if set == nil {
		return t
	}
	for _, p := range set.Proxies {
		cp := compileProxy(p)
		t.proxies = append(t.proxies, cp)
		t.byName[p.Name] = cp
	}
	return t
}

func compileProxy(p *config.UpstreamProxy) *compiledProxy {
	cp := &compiledProxy{cfg: p}
	var pending []hostSetPattern

	for _, rule := range p.Rules {
		switch r := rule.(type) {
		case *config.RuleHostPattern:
			literal, general := classifyHostPattern(r.Pattern)
			if general {
				re, err := compileHostRegexp(r.Pattern)
				if err != nil {
					logger.Warn("Proxy %s: failed to compile host pattern %q: %v", p.Name, r.Pattern, err)
					continue
				}
				cp.matchers = append(cp.matchers, re)
				continue
			}
			if literal.suffix && literal.text == "" {
				// bare "*" matches every host
				cp.matchers = append(cp.matchers, &hostSuffixMatcher{suffix: ""})
				continue
			}
			pending = append(pending, literal)
		case *config.RulePort:
			cp.matchers = append(cp.matchers, &portMatcher{port: r.Port})
		case *config.RuleDefault:
			cp.hasDefault = true
		}
	}

	if len(pending) >= hostSetThreshold {
		cp.matchers = append(cp.matchers, newHostSetMatcher(pending))
	} else {
		for _, literal := range pending {
			if literal.suffix {
				cp.matchers = append(cp.matchers, &hostSuffixMatcher{suffix: literal.text})
			} else {
				cp.matchers = append(cp.matchers, &hostExactMatcher{host: literal.text})
			}
		}
	}

	return cp
}

// Match returns the proxies whose non-default rules match the target.
// Default rules are deliberately excluded; they only count in the
// fallback pass (see DefaultCandidates).
func (t *Table) Match(host string, port int) []*config.UpstreamProxy {
	host = normalizeHost(host)
	var out []*config.UpstreamProxy
	for _, cp := range t.proxies {
		if cp.matchesTarget(host, port) {
			out = append(out, cp.cfg)
		}
	}
	return out
}

// DefaultCandidates returns the proxies carrying a default rule.
func (t *Table) DefaultCandidates() []*config.UpstreamProxy {
	var out []*config.UpstreamProxy
	for _, cp := range t.proxies {
		if cp.hasDefault {
			out = append(out, cp.cfg)
		}
	}
	return out
}

// Lookup returns the proxy with the given name, or nil.
func (t *Table) Lookup(name string) *config.UpstreamProxy {
	if cp, ok := t.byName[name]; ok {
		return cp.cfg
	}
	return nil
}

// Selectable reports whether the named proxy could still be selected for
// the target: its rules match, or it carries a default rule. Affinity
// hits are revalidated through this before being reused.
func (t *Table) Selectable(name, host string, port int) bool {
	cp, ok := t.byName[name]
	if !ok {
		return false
	}
	if cp.hasDefault {
		return true
	}
	return cp.matchesTarget(normalizeHost(host), port)
}

// Len returns the number of proxies in the table.
func (t *Table) Len() int {
	return len(t.proxies)
}

// Empty reports whether the table has no proxies at all.
func (t *Table) Empty() bool {
	return len(t.proxies) == 0
}

// Proxies returns the configured upstreams in table order.
func (t *Table) Proxies() []*config.UpstreamProxy {
	out := make([]*config.UpstreamProxy, len(t.proxies))
	for i, cp := range t.proxies {
		out[i] = cp.cfg
	}
	return out
}

func normalizeHost(host string) string {
	return strings.ToLower(host)
}
