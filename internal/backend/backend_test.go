package backend

import (
	"errors"
	"testing"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"docs", true},
		{"a b.txt", true},
		{"Mon Jan 2 15:04:05 2006", true},
		{"", false},
		{".", false},
		{"..", false},
		{"a/b", false},
		{`a\b`, false},
		{"a\x00b", false},
	}
	for _, tt := range tests {
		err := ValidateName(tt.name)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateName(%q) = %v, want ok=%v", tt.name, err, tt.ok)
		}
		if err != nil && !errors.Is(err, ErrInvalidName) {
			t.Errorf("ValidateName(%q) error %v does not wrap ErrInvalidName", tt.name, err)
		}
	}
}

func TestKindString(t *testing.T) {
	if KindDirectory.String() != "directory" || KindFile.String() != "file" {
		t.Errorf("unexpected kind strings %q %q", KindDirectory, KindFile)
	}
	if Kind(9).String() != "kind(9)" {
		t.Errorf("unexpected %q", Kind(9))
	}
}
