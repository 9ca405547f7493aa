package router

import (
	"regexp"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
)

// ruleMatcher is one compiled non-default routing rule. Hosts passed in are
// already lowercased by the table.
type ruleMatcher interface {
	matches(host string, port int) bool
}

// hostExactMatcher matches one literal hostname.
type hostExactMatcher struct {
	host string
}

func (m *hostExactMatcher) matches(host string, _ int) bool {
	return host == m.host
}

// hostSuffixMatcher matches hosts ending in a literal suffix. Patterns of
// the form "*.example.com" compile to this, with suffix ".example.com".
type hostSuffixMatcher struct {
	suffix string
}

func (m *hostSuffixMatcher) matches(host string, _ int) bool {
	return strings.HasSuffix(host, m.suffix)
}

// hostRegexpMatcher is the general wildcard fallback: literal segments
// quoted and joined by ".*", anchored at both ends.
type hostRegexpMatcher struct {
	re *regexp.Regexp
}

func (m *hostRegexpMatcher) matches(host string, _ int) bool {
	return m.re.MatchString(host)
}

// portMatcher matches the destination port exactly.
type portMatcher struct {
	port int
}

func (m *portMatcher) matches(_ string, port int) bool {
	return port == m.port
}

// hostSetPattern is one literal searched by a fused host-set trie.
type hostSetPattern struct {
	text   string
	suffix bool // suffix match when true, whole-host equality otherwise
}

// hostSetMatcher fuses many literal and suffix host patterns of one proxy
// into a single Aho-Corasick scan. Trie hits are validated positionally:
// the matched text must reach the end of the host, and exact patterns must
// also start at offset zero.
type hostSetMatcher struct {
	trie     *ahocorasick.Trie
	patterns []hostSetPattern
}

func newHostSetMatcher(patterns []hostSetPattern) *hostSetMatcher {
	texts := make([]string, len(patterns))
	for i, p := range patterns {
		texts[i] = p.text
	}
	return &hostSetMatcher{
		trie:     ahocorasick.NewTrieBuilder().AddStrings(texts).Build(),
		patterns: patterns,
	}
}

func (m *hostSetMatcher) matches(host string, _ int) bool {
	for _, match := range m.trie.MatchString(host) {
		p := m.patterns[match.Pattern()]
		if int(match.Pos())+len(p.text) != len(host) {
			continue
		}
		if p.suffix || match.Pos() == 0 {
			return true
		}
	}
	return false
}

// classifyHostPattern splits a wildcard pattern into one of three shapes:
// a bare literal, a "*suffix" form, or a general pattern needing a regexp.
// Patterns are lowercased here; hosts are lowercased at match time.
func classifyHostPattern(pattern string) (literal hostSetPattern, general bool) {
	pattern = strings.ToLower(pattern)

	if !strings.Contains(pattern, "*") {
		return hostSetPattern{text: pattern}, false
	}
	if strings.HasPrefix(pattern, "*") && !strings.Contains(pattern[1:], "*") {
		return hostSetPattern{text: pattern[1:], suffix: true}, false
	}
	return hostSetPattern{}, true
}

// compileHostRegexp builds the anchored matcher for a general wildcard
// pattern: '*' expands to any run of characters including none.
func compileHostRegexp(pattern string) (*hostRegexpMatcher, error) {
	segments := strings.Split(strings.ToLower(pattern), "*")
	for i, segment := range segments {
		segments[i] = regexp.QuoteMeta(segment)
	}
	re, err := regexp.Compile("^" + strings.Join(segments, ".*") + "$")
	if err != nil {
		return nil, err
	}
	return &hostRegexpMatcher{re: re}, nil
}
