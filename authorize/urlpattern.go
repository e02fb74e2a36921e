package authorize

import (
	"net/url"
	"regexp"
	"strings"
)

// patternParts splits a URL pattern into scheme, host, port and path groups.
// `*` is a wildcard in any position; a host of the form `*.example.org`
// matches example.org and every subdomain.
var patternParts = regexp.MustCompile(`^((\*|[A-Za-z-]+):(//)?)?(\*|((\*\.)?[^*/:]+))?(:(\d+))?(/.*)?$`)

type urlPattern struct {
	scheme *regexp.Regexp // nil matches any scheme
	host   *regexp.Regexp // nil matches any host
	port   string         // empty matches any port
	path   *regexp.Regexp // nil matches any path
}

// URLPatternList glob-style URL allow/deny list. Used both for registered
// redirect URI checks and for deny-listing redirect URIs at client
// registration.
type URLPatternList struct {
	patterns []urlPattern
	allowAll bool
}

// NewURLPatternList compiles the given patterns. Malformed patterns are
// skipped; `*` alone makes the list match everything.
func NewURLPatternList(patterns []string) *URLPatternList {
	l := &URLPatternList{}
	for _, p := range patterns {
		l.Add(p)
	}
	return l
}

// Add compiles and appends a single pattern.
func (l *URLPatternList) Add(pattern string) {
	if pattern == "*" {
		l.allowAll = true
		return
	}
	m := patternParts.FindStringSubmatch(pattern)
	if m == nil {
		return
	}
	scheme, host, port, path := m[2], m[4], m[8], m[9]

	var p urlPattern
	if scheme != "" && scheme != "*" {
		p.scheme = regexp.MustCompile("(?i)^" + globToRegexp(scheme) + "$")
	}
	switch {
	case host == "" || host == "*":
		// any host
	case strings.HasPrefix(host, "*."):
		p.host = regexp.MustCompile(`(?i)^([a-z0-9.-]*\.)?` + globToRegexp(host[2:]) + "$")
	default:
		p.host = regexp.MustCompile("(?i)^" + globToRegexp(host) + "$")
	}
	p.port = port
	if path != "" && path != "/*" {
		p.path = regexp.MustCompile("^" + globToRegexp(path) + "$")
	}
	l.patterns = append(l.patterns, p)
}

// IsURLListed reports whether the candidate URL matches any pattern. URLs
// without a parseable host never match.
func (l *URLPatternList) IsURLListed(rawURL string) bool {
	if l.allowAll {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	for _, p := range l.patterns {
		if p.matches(u) {
			return true
		}
	}
	return false
}

func (p *urlPattern) matches(u *url.URL) bool {
	if p.scheme != nil && !p.scheme.MatchString(u.Scheme) {
		return false
	}
	if p.host != nil && !p.host.MatchString(u.Hostname()) {
		return false
	}
	if p.port != "" && p.port != u.Port() {
		return false
	}
	if p.path != nil && !p.path.MatchString(u.Path) {
		return false
	}
	return true
}

// globToRegexp quotes a glob fragment, turning each `*` into `.*`.
func globToRegexp(glob string) string {
	parts := strings.Split(glob, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return strings.Join(parts, ".*")
}
