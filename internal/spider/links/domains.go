package links

import (
	"slices"
	"strings"
)

// domainMatcher matches hosts against exact names and suffix wildcards.
// "*.example.com" and ".example.com" both match example.com and its
// subdomains.
type domainMatcher struct {
	exact    map[string]struct{}
	suffixes []string
}

func newDomainMatcher(patterns []string) *domainMatcher {
	m := &domainMatcher{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
			continue
		case strings.HasPrefix(value, "*."):
			m.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			m.addSuffix(strings.TrimPrefix(value, "."))
		default:
			m.exact[value] = struct{}{}
		}
	}
	if len(m.exact) == 0 && len(m.suffixes) == 0 {
		return nil
	}
	return m
}

func (m *domainMatcher) addSuffix(suffix string) {
	if suffix == "" || slices.Contains(m.suffixes, suffix) {
		return
	}
	m.suffixes = append(m.suffixes, suffix)
}

// Match reports whether host is covered. A nil matcher matches nothing.
func (m *domainMatcher) Match(host string) bool {
	if m == nil {
		return false
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if _, ok := m.exact[host]; ok {
		return true
	}
	for _, suffix := range m.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
