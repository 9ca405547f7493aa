package router

import (
	"testing"

	"github.com/codefionn/weiche/weiche-srv/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProxy(name string, weight int, rules ...config.Rule) *config.UpstreamProxy {
	return &config.UpstreamProxy{
		Name:   name,
		Scheme: config.SchemeHTTP,
		Host:   "upstream.test",
		Port:   3128,
		Weight: weight,
		Rules:  rules,
	}
}

func buildTable(proxies ...*config.UpstreamProxy) *Table {
	return NewTable(config.NewProxySet(proxies))
}

func proxyNames(proxies []*config.UpstreamProxy) []string {
	names := make([]string, len(proxies))
	for i, p := range proxies {
		names[i] = p.Name
	}
	return names
}

func TestTableMatch(t *testing.T) {
	table := buildTable(
		testProxy("corp", 1,
			&config.RuleHostPattern{Pattern: "*.corp.example"},
			&config.RulePort{Port: 8443},
		),
		testProxy("video", 2, &config.RuleHostPattern{Pattern: "*.video.example"}),
		testProxy("fallback", 1, &config.RuleDefault{}),
	)

	assert.Equal(t, []string{"corp"}, proxyNames(table.Match("www.corp.example", 443)))
	assert.Equal(t, []string{"video"}, proxyNames(table.Match("cdn.video.example", 443)))
	assert.Equal(t, []string{"corp"}, proxyNames(table.Match("anything.example", 8443)), "port rule matches regardless of host")

	// Default rules never count in the first pass.
	assert.Empty(t, table.Match("unknown.example", 80))
}

func TestTableMatchCaseInsensitive(t *testing.T) {
	table := buildTable(
		testProxy("corp", 1, &config.RuleHostPattern{Pattern: "*.Corp.Example"}),
	)
	assert.Equal(t, []string{"corp"}, proxyNames(table.Match("WWW.CORP.EXAMPLE", 443)))
	assert.Equal(t, []string{"corp"}, proxyNames(table.Match("www.corp.example", 443)))
}

func TestTableMatchMultipleProxies(t *testing.T) {
	table := buildTable(
		testProxy("a", 1, &config.RuleHostPattern{Pattern: "*.example.com"}),
		testProxy("b", 2, &config.RuleHostPattern{Pattern: "www.example.com"}),
	)
	names := proxyNames(table.Match("www.example.com", 443))
	assert.ElementsMatch(t, []string{"a", "b"}, names)
}

func TestTableBareWildcard(t *testing.T) {
	table := buildTable(
		testProxy("catchall", 1, &config.RuleHostPattern{Pattern: "*"}),
	)
	assert.Equal(t, []string{"catchall"}, proxyNames(table.Match("whatever.example", 80)))
	assert.Equal(t, []string{"catchall"}, proxyNames(table.Match("other.example", 65535)))
}

func TestTableDefaultCandidates(t *testing.T) {
	table := buildTable(
		testProxy("corp", 1, &config.RuleHostPattern{Pattern: "*.corp.example"}),
		testProxy("fallback", 1, &config.RuleDefault{}),
		testProxy("mixed", 3,
			&config.RuleHostPattern{Pattern: "api.service.example"},
			&config.RuleDefault{},
		),
	)
	assert.ElementsMatch(t, []string{"fallback", "mixed"}, proxyNames(table.DefaultCandidates()))

	// A proxy whose only routable rule is default still matches in the
	// first pass through its non-default rules.
	assert.Equal(t, []string{"mixed"}, proxyNames(table.Match("api.service.example", 80)))
}

func TestTableSelectable(t *testing.T) {
	table := buildTable(
		testProxy("corp", 1, &config.RuleHostPattern{Pattern: "*.corp.example"}),
		testProxy("fallback", 1, &config.RuleDefault{}),
	)

	assert.True(t, table.Selectable("corp", "www.corp.example", 443))
	assert.True(t, table.Selectable("corp", "WWW.CORP.EXAMPLE", 443))
	assert.False(t, table.Selectable("corp", "unrelated.example", 443))

	// Default-rule proxies stay selectable for any target.
	assert.True(t, table.Selectable("fallback", "unrelated.example", 443))

	assert.False(t, table.Selectable("missing", "www.corp.example", 443))
}

func TestTableLookup(t *testing.T) {
	corp := testProxy("corp", 1, &config.RuleHostPattern{Pattern: "*.corp.example"})
	table := buildTable(corp)

	assert.Same(t, corp, table.Lookup("corp"))
	assert.Nil(t, table.Lookup("missing"))
}

func TestTableEmpty(t *testing.T) {
	table := NewTable(nil)
	assert.True(t, table.Empty())
	assert.Equal(t, 0, table.Len())
	assert.Empty(t, table.Match("host.example", 80))
	assert.Empty(t, table.DefaultCandidates())
	assert.False(t, table.Selectable("anything", "host.example", 80))

	table = buildTable(testProxy("one", 1, &config.RuleDefault{}))
	assert.False(t, table.Empty())
	assert.Equal(t, 1, table.Len())
	assert.Equal(t, []string{"one"}, proxyNames(table.Proxies()))
}

func TestTableFusesLiteralHostRules(t *testing.T) {
	table := buildTable(
		testProxy("bulk", 1,
			&config.RuleHostPattern{Pattern: "one.example"},
			&config.RuleHostPattern{Pattern: "two.example"},
			&config.RuleHostPattern{Pattern: "three.example"},
			&config.RuleHostPattern{Pattern: "*.four.example"},
			&config.RuleHostPattern{Pattern: "five.example"},
		),
	)

	require.Len(t, table.proxies, 1)
	require.Len(t, table.proxies[0].matchers, 1, "literal host rules above the threshold fuse into one matcher")
	_, fused := table.proxies[0].matchers[0].(*hostSetMatcher)
	assert.True(t, fused, "fused matcher should be a host set")

	for _, host := range []string{"one.example", "two.example", "three.example", "sub.four.example", "five.example"} {
		assert.Equal(t, []string{"bulk"}, proxyNames(table.Match(host, 443)), "host %s", host)
	}
	assert.Empty(t, table.Match("four.example", 443), "suffix pattern excludes the apex")
	assert.Empty(t, table.Match("six.example", 443))
}

func TestTableBelowFusionThreshold(t *testing.T) {
	table := buildTable(
		testProxy("small", 1,
			&config.RuleHostPattern{Pattern: "one.example"},
			&config.RuleHostPattern{Pattern: "*.two.example"},
		),
	)

	require.Len(t, table.proxies, 1)
	assert.Len(t, table.proxies[0].matchers, 2, "few literal rules stay as individual matchers")
	assert.Equal(t, []string{"small"}, proxyNames(table.Match("one.example", 443)))
	assert.Equal(t, []string{"small"}, proxyNames(table.Match("x.two.example", 443)))
}
