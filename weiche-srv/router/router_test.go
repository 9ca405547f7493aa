package router

import (
	"context"
	"testing"
	"time"

	"github.com/codefionn/weiche/weiche-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// zeroRand always draws 0, making weighted selection pick the first
// name-ordered candidate.
type zeroRand struct{}

func (zeroRand) Intn(int) int { return 0 }

func newTestRouter(t *testing.T, table *Table) *Router {
	t.Helper()
	r := New(table, Options{Rand: zeroRand{}, AffinityTTL: time.Minute})
	t.Cleanup(r.Close)
	return r
}

func TestAffinityKeyFormats(t *testing.T) {
	info := ConnInfo{ClientIP: "10.0.0.1", TargetHost: "example.com", TargetPort: 443}
	assert.Equal(t, "10.0.0.1:example.com:443", info.AffinityKey())

	info.LongLived = true
	assert.Equal(t, "10.0.0.1:example.com", info.AffinityKey(), "long-lived connections key on host only")
}

func TestPickRulesThenAffinity(t *testing.T) {
	r := newTestRouter(t, buildTable(
		testProxy("corp", 1, &config.RuleHostPattern{Pattern: "*.corp.example"}),
	))
	info := ConnInfo{ClientIP: "10.0.0.1", TargetHost: "www.corp.example", TargetPort: 443}

	d := r.Pick(info)
	assert.Equal(t, SourceRules, d.Source)
	assert.Equal(t, "corp", d.ProxyName)
	require.NotNil(t, d.Proxy)
	assert.False(t, d.Direct())
	assert.Equal(t, "10.0.0.1:www.corp.example:443", d.AffinityKey)

	// The decision is now pinned for this client/target pair.
	d = r.Pick(info)
	assert.Equal(t, SourceAffinity, d.Source)
	assert.Equal(t, "corp", d.ProxyName)
}

func TestPickPrefersRulesOverDefault(t *testing.T) {
	r := newTestRouter(t, buildTable(
		testProxy("corp", 1, &config.RuleHostPattern{Pattern: "*.corp.example"}),
		testProxy("fallback", 1, &config.RuleDefault{}),
	))

	d := r.Pick(ConnInfo{ClientIP: "10.0.0.1", TargetHost: "www.corp.example", TargetPort: 443})
	assert.Equal(t, SourceRules, d.Source)
	assert.Equal(t, "corp", d.ProxyName)
}

func TestPickDefaultFallback(t *testing.T) {
	r := newTestRouter(t, buildTable(
		testProxy("corp", 1, &config.RuleHostPattern{Pattern: "*.corp.example"}),
		testProxy("fallback", 1, &config.RuleDefault{}),
	))
	info := ConnInfo{ClientIP: "10.0.0.1", TargetHost: "unmatched.example", TargetPort: 443}

	d := r.Pick(info)
	assert.Equal(t, SourceDefault, d.Source)
	assert.Equal(t, "fallback", d.ProxyName)

	// Default picks are pinned like any other.
	d = r.Pick(info)
	assert.Equal(t, SourceAffinity, d.Source)
	assert.Equal(t, "fallback", d.ProxyName)
}

func TestPickDirectNotCached(t *testing.T) {
	r := newTestRouter(t, buildTable(
		testProxy("corp", 1, &config.RuleHostPattern{Pattern: "*.corp.example"}),
	))
	info := ConnInfo{ClientIP: "10.0.0.1", TargetHost: "elsewhere.example", TargetPort: 443}

	d := r.Pick(info)
	assert.Equal(t, SourceDirect, d.Source)
	assert.True(t, d.Direct())
	assert.Equal(t, 0, r.Affinity().Len(), "direct decisions are not pinned")

	d = r.Pick(info)
	assert.Equal(t, SourceDirect, d.Source)
}

func TestPickSeparatePinPerPort(t *testing.T) {
	r := newTestRouter(t, buildTable(
		testProxy("corp", 1, &config.RuleHostPattern{Pattern: "www.corp.example"}),
	))

	d := r.Pick(ConnInfo{ClientIP: "10.0.0.1", TargetHost: "www.corp.example", TargetPort: 80})
	assert.Equal(t, SourceRules, d.Source)
	d = r.Pick(ConnInfo{ClientIP: "10.0.0.1", TargetHost: "www.corp.example", TargetPort: 443})
	assert.Equal(t, SourceRules, d.Source, "different port means a different pin")
	assert.Equal(t, 2, r.Affinity().Len())
}

func TestPickLongLivedSharesPinAcrossPorts(t *testing.T) {
	r := newTestRouter(t, buildTable(
		testProxy("corp", 1, &config.RuleHostPattern{Pattern: "www.corp.example"}),
	))

	d := r.Pick(ConnInfo{ClientIP: "10.0.0.1", TargetHost: "www.corp.example", TargetPort: 80, LongLived: true})
	assert.Equal(t, SourceRules, d.Source)
	d = r.Pick(ConnInfo{ClientIP: "10.0.0.1", TargetHost: "www.corp.example", TargetPort: 443, LongLived: true})
	assert.Equal(t, SourceAffinity, d.Source, "long-lived pins ignore the port")
	assert.Equal(t, 1, r.Affinity().Len())
}

func TestPickSeparatePinPerClient(t *testing.T) {
	r := newTestRouter(t, buildTable(
		testProxy("corp", 1, &config.RuleHostPattern{Pattern: "www.corp.example"}),
	))

	r.Pick(ConnInfo{ClientIP: "10.0.0.1", TargetHost: "www.corp.example", TargetPort: 443})
	r.Pick(ConnInfo{ClientIP: "10.0.0.2", TargetHost: "www.corp.example", TargetPort: 443})
	assert.Equal(t, 2, r.Affinity().Len(), "each client IP gets its own pin")
}

func TestSetTableDropsStalePin(t *testing.T) {
	r := newTestRouter(t, buildTable(
		testProxy("corp", 1, &config.RuleHostPattern{Pattern: "*.corp.example"}),
	))
	info := ConnInfo{ClientIP: "10.0.0.1", TargetHost: "www.corp.example", TargetPort: 443}

	d := r.Pick(info)
	require.Equal(t, "corp", d.ProxyName)

	// Reload drops "corp" and introduces "newcorp" for the same hosts.
	r.SetTable(buildTable(
		testProxy("newcorp", 1, &config.RuleHostPattern{Pattern: "*.corp.example"}),
	))

	d = r.Pick(info)
	assert.Equal(t, SourceRules, d.Source, "stale pin must be re-selected")
	assert.Equal(t, "newcorp", d.ProxyName)

	d = r.Pick(info)
	assert.Equal(t, SourceAffinity, d.Source)
	assert.Equal(t, "newcorp", d.ProxyName)
}

func TestPinSurvivesTableSwapWhenStillValid(t *testing.T) {
	r := newTestRouter(t, buildTable(
		testProxy("corp", 1, &config.RuleHostPattern{Pattern: "*.corp.example"}),
	))
	info := ConnInfo{ClientIP: "10.0.0.1", TargetHost: "www.corp.example", TargetPort: 443}

	require.Equal(t, "corp", r.Pick(info).ProxyName)

	// The reloaded table still contains corp with matching rules.
	r.SetTable(buildTable(
		testProxy("corp", 5, &config.RuleHostPattern{Pattern: "*.corp.example"}),
		testProxy("extra", 1, &config.RuleDefault{}),
	))

	d := r.Pick(info)
	assert.Equal(t, SourceAffinity, d.Source)
	assert.Equal(t, "corp", d.ProxyName)
}

func TestRouteDirect(t *testing.T) {
	r := newTestRouter(t, NewTable(nil))

	d, conn, err := r.Route(context.Background(), ConnInfo{
		ClientIP: "10.0.0.1", TargetHost: "example.com", TargetPort: 443,
	})
	require.NoError(t, err)
	assert.Nil(t, conn, "direct decision leaves dialing to the caller")
	assert.True(t, d.Direct())
	assert.Equal(t, SourceDirect, d.Source)
}

func TestRouteDialFailureDropsPin(t *testing.T) {
	r := newTestRouter(t, buildTable(
		proxyAt(t, "dead", config.SchemeHTTP, refusedTCPAddr(t), &config.RuleDefault{}),
	))
	info := ConnInfo{ClientIP: "10.0.0.1", TargetHost: "example.com", TargetPort: 443}

	d, conn, err := r.Route(context.Background(), info)
	require.Error(t, err)
	assert.Nil(t, conn)
	assert.Equal(t, "dead", d.ProxyName, "decision still names the failed upstream")
	assert.True(t, IsDialError(err))
	assert.True(t, IsUnreachable(err))
	assert.Equal(t, 0, r.Affinity().Len(), "failed dial must drop the pin")

	// No failover: the same single-shot selection happens again.
	d, conn, err = r.Route(context.Background(), info)
	require.Error(t, err)
	assert.Nil(t, conn)
	assert.Equal(t, SourceDefault, d.Source)
}

func TestConnClosedEvictsPin(t *testing.T) {
	r := newTestRouter(t, buildTable(
		testProxy("corp", 1, &config.RuleHostPattern{Pattern: "www.corp.example"}),
	))
	info := ConnInfo{ClientIP: "10.0.0.1", TargetHost: "www.corp.example", TargetPort: 443}

	r.Pick(info)
	require.Equal(t, 1, r.Affinity().Len())

	r.ConnClosed(info)
	assert.Equal(t, 0, r.Affinity().Len())
}

func TestRouterTableSwap(t *testing.T) {
	first := buildTable(testProxy("corp", 1, &config.RuleDefault{}))
	r := newTestRouter(t, first)
	assert.Same(t, first, r.Table())

	second := buildTable(testProxy("other", 1, &config.RuleDefault{}))
	r.SetTable(second)
	assert.Same(t, second, r.Table())
}
