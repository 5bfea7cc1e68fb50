package verdict

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		text string
		want Verdict
	}{
		{"keep", Keep},
		{"DELETE", Delete},
		{"This request should be refreshed soon.", Refresh},
		{"Sure! My answer: delete. Do not refresh it.", Delete},
		{"The content looks dynamic", Dynamic},
		{"refresh, it is dynamic", Refresh},
		{"", Keep},
		{"I am not sure what to do here", Keep},
	}
	for _, tt := range tests {
		if got := Parse(tt.text, Keep); got != tt.want {
			t.Errorf("Parse(%q) = %s, want %s", tt.text, got, tt.want)
		}
	}
}

func TestParseUsesFallback(t *testing.T) {
	if got := Parse("no idea", Dynamic); got != Dynamic {
		t.Fatalf("Parse with fallback = %s", got)
	}
}

func TestFromString(t *testing.T) {
	if v, err := FromString(" Refresh "); err != nil || v != Refresh {
		t.Fatalf("FromString = %s, %v", v, err)
	}
	if _, err := FromString("empty"); err == nil {
		t.Fatal("expected error for unknown verdict")
	}
}

func TestAllowed(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"safe", true},
		{"", true},
		{"unsafe\nS1", false},
		{"This is not allowed.", false},
		{"No, this request is inappropriate", false},
		{"Nothing wrong here", true},
		{"Yes, allowed", true},
	}
	for _, tt := range tests {
		if got := Allowed(tt.text); got != tt.want {
			t.Errorf("Allowed(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestRelated(t *testing.T) {
	if !Related("Yes. Both point at /items.") {
		t.Fatal("expected related")
	}
	if Related("No") || Related("") || Related("yesterday") {
		t.Fatal("expected unrelated")
	}
}
