package router

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/codefionn/weiche/weiche-srv/config"
	"github.com/codefionn/weiche/weiche-srv/logger"
)

// ConnInfo describes one client connection to route.
type ConnInfo struct {
	ClientIP   string
	TargetHost string
	TargetPort int
	// LongLived marks connections expected to outlive a single exchange,
	// such as WebSocket upgrades. Their affinity key ignores the target
	// port so reconnects on a sibling port stay on the same upstream.
	LongLived bool
}

// AffinityKey derives the session affinity cache key for the connection.
func (c ConnInfo) AffinityKey() string {
	if c.LongLived {
		return fmt.Sprintf("%s:%s", c.ClientIP, c.TargetHost)
	}
	return fmt.Sprintf("%s:%s:%d", c.ClientIP, c.TargetHost, c.TargetPort)
}

// DecisionSource tells where a routing decision came from.
type DecisionSource string

const (
	// SourceAffinity means a cached pin was reused.
	SourceAffinity DecisionSource = "affinity"
	// SourceRules means a non-default rule matched and won selection.
	SourceRules DecisionSource = "rules"
	// SourceDefault means only default-rule proxies were in play.
	SourceDefault DecisionSource = "default"
	// SourceDirect means no proxy applies and the caller should connect
	// to the target itself.
	SourceDirect DecisionSource = "direct"
)

// Decision is the outcome of routing one connection.
type Decision struct {
	ProxyName   string
	Proxy       *config.UpstreamProxy
	Source      DecisionSource
	AffinityKey string
}

// Direct reports whether the connection should bypass all upstreams.
func (d Decision) Direct() bool {
	return d.Proxy == nil
}

// Options tune a Router. Zero values select sane defaults.
type Options struct {
	// AffinityTTL is how long an unused affinity pin survives.
	AffinityTTL time.Duration
	// Rand drives weighted selection; tests inject a deterministic one.
	Rand RandomSource
	// DialTimeout bounds the TCP connect to an upstream proxy.
	DialTimeout time.Duration
}

// Router picks an upstream proxy per connection and opens tunnels
// through it. Safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	table    *Table
	affinity *AffinityCache
	rng      RandomSource
	dialer   *Dialer
}

// New creates a router over the compiled table and starts the affinity
// sweeper. Call Close when done.
func New(table *Table, opts Options) *Router {
	rng := opts.Rand
	if rng == nil {
		rng = newLockedRand()
	}
	r := &Router{
		table:    table,
		affinity: NewAffinityCache(opts.AffinityTTL),
		rng:      rng,
		dialer:   NewDialer(opts.DialTimeout),
	}
	r.affinity.StartSweeper()
	return r
}

// Table returns the routing table currently in use.
func (r *Router) Table() *Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table
}

// SetTable swaps in a freshly compiled table, typically after a config
// reload. Existing affinity pins stay; stale ones fail revalidation and
// get re-selected on their next use.
func (r *Router) SetTable(table *Table) {
	r.mu.Lock()
	r.table = table
	r.mu.Unlock()
	logger.Info("Routing table swapped: %d proxies", table.Len())
}

// Affinity exposes the session affinity cache for inspection.
func (r *Router) Affinity() *AffinityCache {
	return r.affinity
}

// Pick decides which upstream handles the connection without dialing
// anything. Affinity pins win when still valid; otherwise matching
// rules, then default-rule proxies, then direct.
func (r *Router) Pick(info ConnInfo) Decision {
	table := r.Table()
	key := info.AffinityKey()

	if name, ok := r.affinity.Get(key); ok {
		if table.Selectable(name, info.TargetHost, info.TargetPort) {
			logger.Debug("Routing %s:%d for %s via affinity pin %s", info.TargetHost, info.TargetPort, info.ClientIP, name)
			return Decision{ProxyName: name, Proxy: table.Lookup(name), Source: SourceAffinity, AffinityKey: key}
		}
		logger.Debug("Dropping stale affinity pin %s -> %s", key, name)
		r.affinity.Remove(key)
	}

	if p := Select(table.Match(info.TargetHost, info.TargetPort), r.rng); p != nil {
		r.affinity.Put(key, p.Name)
		logger.Debug("Routing %s:%d for %s via rule match %s", info.TargetHost, info.TargetPort, info.ClientIP, p.Name)
		return Decision{ProxyName: p.Name, Proxy: p, Source: SourceRules, AffinityKey: key}
	}

	if p := Select(table.DefaultCandidates(), r.rng); p != nil {
		r.affinity.Put(key, p.Name)
		logger.Debug("Routing %s:%d for %s via default proxy %s", info.TargetHost, info.TargetPort, info.ClientIP, p.Name)
		return Decision{ProxyName: p.Name, Proxy: p, Source: SourceDefault, AffinityKey: key}
	}

	logger.Debug("No upstream matches %s:%d for %s, connecting direct", info.TargetHost, info.TargetPort, info.ClientIP)
	return Decision{Source: SourceDirect, AffinityKey: key}
}

// Route picks an upstream and opens the tunnel through it. A direct
// decision returns a nil connection and no error; the caller dials the
// target itself. Upstream dial failures are returned as-is, with no
// failover to another proxy; the affinity pin is dropped so the next
// connection re-selects.
func (r *Router) Route(ctx context.Context, info ConnInfo) (Decision, net.Conn, error) {
	decision := r.Pick(info)
	if decision.Direct() {
		return decision, nil, nil
	}

	conn, err := r.dialer.DialUpstream(ctx, decision.Proxy, info.TargetHost, info.TargetPort)
	if err != nil {
		r.affinity.Remove(decision.AffinityKey)
		return decision, nil, err
	}
	return decision, conn, nil
}

// ConnClosed evicts the affinity pin for a finished connection.
func (r *Router) ConnClosed(info ConnInfo) {
	r.affinity.Remove(info.AffinityKey())
}

// Close stops the background affinity sweeper.
func (r *Router) Close() {
	r.affinity.Stop()
}
