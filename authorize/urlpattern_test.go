package authorize

import "testing"

func TestURLPatternListMixed(t *testing.T) {
	list := NewURLPatternList([]string{
		"*.gluu.org/foo*bar",
		"https://example.org/foo/bar.html",
		"*.attacker.com/*",
	})

	cases := []struct {
		url    string
		listed bool
	}{
		{"gluu.org", false},
		{"http://gluu.org/foo/bar", true},
		{"http://www.gluu.org/foobar", true},
		{"https://www.attacker.com/foo/bar", true},
		{"https://attacker.com/anything", true},
		{"http://example.org/foo/bar.html", false},
		{"https://example.org/foo/bar.html", true},
		{"https://example.org/foo/other.html", false},
	}
	for _, c := range cases {
		if got := list.IsURLListed(c.url); got != c.listed {
			t.Errorf("IsURLListed(%q) = %v, want %v", c.url, got, c.listed)
		}
	}
}

func TestURLPatternListSubdomains(t *testing.T) {
	list := NewURLPatternList([]string{"*.example.org"})

	if !list.IsURLListed("https://example.org/cb") {
		t.Error("bare domain should match a *. pattern")
	}
	if !list.IsURLListed("https://a.b.example.org/cb") {
		t.Error("nested subdomain should match")
	}
	if list.IsURLListed("https://badexample.org/cb") {
		t.Error("suffix-similar domain must not match")
	}
	if list.IsURLListed("https://example.org.evil.com/cb") {
		t.Error("domain as subdomain of another host must not match")
	}
}

func TestURLPatternListScheme(t *testing.T) {
	list := NewURLPatternList([]string{"https://secure.example.com/*"})

	if list.IsURLListed("http://secure.example.com/cb") {
		t.Error("scheme must be enforced when the pattern names one")
	}
	if !list.IsURLListed("https://secure.example.com/cb") {
		t.Error("matching scheme rejected")
	}
}

func TestURLPatternListWildcardAll(t *testing.T) {
	list := NewURLPatternList([]string{"*"})
	if !list.IsURLListed("https://anything.example/x") {
		t.Error("* should match everything")
	}
}

func TestURLPatternListUnparseable(t *testing.T) {
	list := NewURLPatternList([]string{"*.example.org"})
	if list.IsURLListed("not a url") {
		t.Error("unparseable URLs never match")
	}
	if list.IsURLListed("") {
		t.Error("empty URL never matches")
	}
}

func TestURLPatternListPort(t *testing.T) {
	list := NewURLPatternList([]string{"http://localhost:9098/*"})
	if !list.IsURLListed("http://localhost:9098/callback") {
		t.Error("port pattern should match same port")
	}
	if list.IsURLListed("http://localhost:9096/callback") {
		t.Error("port pattern must not match a different port")
	}
}
