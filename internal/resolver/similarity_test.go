package resolver

import "testing"

func TestLevenshteinDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"lazarus", "lazarus", 0},
		{"Lazarus", "lazarus", 0}, // case-insensitive
		{"lazarus", "lazaru", 1},
		{"lazarus", "lasarus", 1},
		{"kitten", "sitting", 3},
		{"", "abc", 3},
		{"abc", "", 3},
	}

	var m Levenshtein
	for _, tt := range tests {
		if got := m.Distance(tt.a, tt.b); got != tt.want {
			t.Errorf("Distance(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestTokenSetDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"Lazarus Group", "group lazarus", 0},
		{"Lazarus Group", "Lazarus", 1},
		{"Fancy Bear", "Cozy Bear", 2},
		{"", "", 0},
	}

	var m TokenSet
	for _, tt := range tests {
		if got := m.Distance(tt.a, tt.b); got != tt.want {
			t.Errorf("Distance(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestNewMatcher(t *testing.T) {
	for _, name := range []string{"levenshtein", "token-set"} {
		m, err := NewMatcher(name)
		if err != nil {
			t.Errorf("NewMatcher(%q): %v", name, err)
			continue
		}
		if m.Name() != name {
			t.Errorf("Name() = %q, want %q", m.Name(), name)
		}
	}
	if _, err := NewMatcher("soundex"); err == nil {
		t.Error("unknown algorithm should error")
	}
}
