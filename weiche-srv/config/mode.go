package config

import (
	"fmt"
	"strings"
)

// ModeTypeMultiUpstream is the only routed mode type currently supported.
const ModeTypeMultiUpstream = "multiupstream"

// ModeSpec is a parsed mode selector string.
type ModeSpec struct {
	Type string
	Dir  string
}

func (m ModeSpec) String() string {
	return m.Type + ":" + m.Dir
}

// ParseModeSpec parses a mode selector of the form "multiupstream:<dir>".
// The directory part is mandatory: a multiupstream mode without a proxies
// directory cannot route anything.
func ParseModeSpec(spec string) (ModeSpec, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return ModeSpec{}, fmt.Errorf("empty mode selector")
	}

	typeName, rest, found := strings.Cut(spec, ":")
	if typeName != ModeTypeMultiUpstream {
		return ModeSpec{}, fmt.Errorf("unsupported mode type %q", typeName)
	}
	if !found || strings.TrimSpace(rest) == "" {
		return ModeSpec{}, fmt.Errorf("mode %q requires a configuration directory, e.g. %s:/etc/weiche/proxies",
			ModeTypeMultiUpstream, ModeTypeMultiUpstream)
	}

	return ModeSpec{Type: typeName, Dir: strings.TrimSpace(rest)}, nil
}

// ResolveProxiesDir returns the proxies directory the routing config points
// at, honoring the mode selector when present. An empty result means the
// proxy runs without a routing table.
func (r *RoutingConfig) ResolveProxiesDir() (string, error) {
	if r.Mode != "" {
		spec, err := ParseModeSpec(r.Mode)
		if err != nil {
			return "", err
		}
		return spec.Dir, nil
	}
	return r.ProxiesDir, nil
}
