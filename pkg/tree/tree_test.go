package tree

import (
	"bytes"
	"testing"

	"github.com/fruitsalade/treemirror/pkg/models"
)

func sample() models.Directory {
	return models.Directory{
		Name: models.RootName,
		Children: []models.Entry{
			models.File{Name: "a.txt"},
			models.Directory{Name: "dir", Children: []models.Entry{
				models.File{Name: "b.txt"},
				models.Directory{Name: "empty", Children: []models.Entry{}},
			}},
		},
	}
}

func TestFindByPath(t *testing.T) {
	root := sample()

	tests := []struct {
		path  string
		found bool
		name  string
	}{
		{"/", true, "root"},
		{"", true, "root"},
		{"/a.txt", true, "a.txt"},
		{"dir", true, "dir"},
		{"/dir/b.txt", true, "b.txt"},
		{"/dir/empty/", true, "empty"},
		{"/a.txt/x", false, ""},
		{"/nonexistent", false, ""},
	}

	for _, tt := range tests {
		e, ok := FindByPath(root, tt.path)
		if ok != tt.found {
			t.Errorf("FindByPath(%q) found=%v, want %v", tt.path, ok, tt.found)
			continue
		}
		if ok && models.NameOf(e) != tt.name {
			t.Errorf("FindByPath(%q) name = %q, want %q", tt.path, models.NameOf(e), tt.name)
		}
	}
}

func TestCountNodes(t *testing.T) {
	if n := CountNodes(sample()); n != 5 {
		t.Errorf("CountNodes = %d, want 5", n)
	}
	if n := CountNodes(models.EmptySnapshot().Root); n != 1 {
		t.Errorf("CountNodes(empty) = %d, want 1", n)
	}
}

func TestBuildChildPath(t *testing.T) {
	if p := BuildChildPath("/", "a"); p != "/a" {
		t.Errorf("got %q", p)
	}
	if p := BuildChildPath("/a", "b"); p != "/a/b" {
		t.Errorf("got %q", p)
	}
}

func TestFlatten(t *testing.T) {
	got := Flatten(sample())
	want := []string{"/a.txt", "/dir/", "/dir/b.txt", "/dir/empty/"}
	if len(got) != len(want) {
		t.Fatalf("Flatten = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Flatten[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPrint(t *testing.T) {
	var buf bytes.Buffer
	if err := Print(&buf, sample()); err != nil {
		t.Fatal(err)
	}
	want := "root/\n  a.txt\n  dir/\n    b.txt\n    empty/\n"
	if buf.String() != want {
		t.Errorf("Print =\n%s\nwant\n%s", buf.String(), want)
	}
}
