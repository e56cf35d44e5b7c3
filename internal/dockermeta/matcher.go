package dockermeta

import "github.com/grafana/regexp"

// Matcher extracts a container ID from a routing tag.
type Matcher struct {
	re    *regexp.Regexp
	group int
}

// NewMatcher wraps a compiled pattern. The first capture group is the ID;
// a pattern without groups uses the whole match.
func NewMatcher(re *regexp.Regexp) *Matcher {
	group := 0
	if re.NumSubexp() > 0 {
		group = 1
	}
	return &Matcher{re: re, group: group}
}

// Match returns the ID from the first match anywhere in tag.
func (m *Matcher) Match(tag string) (string, bool) {
	loc := m.re.FindStringSubmatchIndex(tag)
	if loc == nil {
		return "", false
	}
	start, end := loc[2*m.group], loc[2*m.group+1]
	if start < 0 || start == end {
		// Optional group that did not participate.
		return "", false
	}
	return tag[start:end], true
}
