package config

import "fmt"

// RuleKind identifies the variant of a routing rule.
type RuleKind string

// Available rule kinds, matching the on-disk "type" field.
const (
	RuleKindHostPattern RuleKind = "host_pattern"
	RuleKindPort        RuleKind = "port"
	RuleKindDefault     RuleKind = "default"
)

// Rule is one predicate inside an upstream proxy's rule list. A proxy is a
// candidate for a connection when any of its rules matches the target
// (logical OR); default rules are only consulted when no non-default rule
// matched anywhere in the table.
type Rule interface {
	Kind() RuleKind
}

// RuleHostPattern matches the target hostname against a wildcard pattern.
// '*' matches any run of characters including none; the comparison is
// case-insensitive and anchored at both ends, so a pattern without a
// wildcard requires exact equality.
type RuleHostPattern struct {
	Pattern string
}

// Kind returns the rule kind for this rule.
func (r *RuleHostPattern) Kind() RuleKind {
	return RuleKindHostPattern
}

func (r *RuleHostPattern) String() string {
	return fmt.Sprintf("host_pattern(%s)", r.Pattern)
}

// RulePort matches the target port exactly.
type RulePort struct {
	Port int
}

// Kind returns the rule kind for this rule.
func (r *RulePort) Kind() RuleKind {
	return RuleKindPort
}

func (r *RulePort) String() string {
	return fmt.Sprintf("port(%d)", r.Port)
}

// RuleDefault matches unconditionally, but only in the fallback pass.
type RuleDefault struct{}

// Kind returns the rule kind for this rule.
func (r *RuleDefault) Kind() RuleKind {
	return RuleKindDefault
}

func (r *RuleDefault) String() string {
	return "default"
}
