package retentionrules

import (
	"testing"

	"github.com/always-cache/cache-reconciler/cache"
	"github.com/always-cache/cache-reconciler/pkg/verdict"
	"gopkg.in/yaml.v3"
)

func TestRuleFinder(t *testing.T) {
	makeEntry := func(method, url string) cache.Entry {
		return cache.Entry{Key: method + url, Method: method, URL: url}
	}

	rules := Rules{
		Rule{Prefix: "/wp-", Skip: true},
		Rule{Method: "POST", Verdict: "delete"},
		Rule{Path: "/search", Query: map[string]string{"live": ""}, Verdict: "dynamic"},
	}

	if rule := rules.Find(makeEntry("GET", "/")); rule != nil {
		t.Fatal("Incorrect rule")
	}
	if rule := rules.Find(makeEntry("GET", "http://dev.localhost/wp-admin")); rule == nil || !rule.Skip {
		t.Fatal("Incorrect rule")
	}
	if rule := rules.Find(makeEntry("post", "/orders")); rule == nil || rule.Verdict != "delete" {
		t.Fatal("Incorrect rule")
	}
	if rule := rules.Find(makeEntry("GET", "/search?q=x")); rule != nil {
		t.Fatal("Incorrect rule")
	}
	rule := rules.Find(makeEntry("GET", "/search?live"))
	if rule == nil {
		t.Fatal("Missing rule")
	}
	if v, ok := rule.Pinned(); !ok || v != verdict.Dynamic {
		t.Fatalf("Pinned verdict is %s", v)
	}
}

func TestValidate(t *testing.T) {
	if err := (Rules{{Prefix: "/a", Skip: true}, {Verdict: "Refresh"}}).Validate(); err != nil {
		t.Fatal(err)
	}
	for _, rules := range []Rules{
		{{Prefix: "/a"}},
		{{Skip: true, Verdict: "keep"}},
		{{Verdict: "forever"}},
	} {
		if err := rules.Validate(); err == nil {
			t.Fatalf("Expected error for %+v", rules)
		}
	}
}

func TestRulesFromYAML(t *testing.T) {
	var rules Rules
	err := yaml.Unmarshal([]byte(`
- prefix: /static/
  verdict: keep
- method: POST
  path: /login
  skip: true
`), &rules)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 || rules[0].Verdict != "keep" || !rules[1].Skip || rules[1].Method != "POST" {
		t.Fatalf("Rules are %+v", rules)
	}
}
