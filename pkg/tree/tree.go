// Package tree provides read-only helpers for walking snapshot trees.
package tree

import (
	"fmt"
	"io"
	"strings"

	"github.com/fruitsalade/treemirror/pkg/models"
)

// FindByPath resolves a slash-separated path relative to root.
// "" and "/" resolve to root itself. When names repeat inside one directory
// the first match in enumeration order wins.
func FindByPath(root models.Directory, path string) (models.Entry, bool) {
	path = strings.Trim(path, "/")
	if path == "" {
		return root, true
	}
	var cur models.Entry = root
	for _, part := range strings.Split(path, "/") {
		dir, ok := cur.(models.Directory)
		if !ok {
			return nil, false
		}
		next, ok := child(dir, part)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func child(dir models.Directory, name string) (models.Entry, bool) {
	for _, c := range dir.Children {
		if models.NameOf(c) == name {
			return c, true
		}
	}
	return nil, false
}

// CountNodes counts all entries in a tree, root included.
func CountNodes(e models.Entry) int {
	count := 1
	if dir, ok := e.(models.Directory); ok {
		for _, c := range dir.Children {
			count += CountNodes(c)
		}
	}
	return count
}

// BuildChildPath constructs a child path from parent + name.
func BuildChildPath(parentPath, name string) string {
	if parentPath == "/" || parentPath == "" {
		return "/" + name
	}
	return parentPath + "/" + name
}

// Flatten returns the paths of all entries below root in depth-first
// pre-order. Directory paths end with "/".
func Flatten(root models.Directory) []string {
	var out []string
	flattenRecursive(root, "/", &out)
	return out
}

func flattenRecursive(dir models.Directory, path string, out *[]string) {
	for _, c := range dir.Children {
		p := BuildChildPath(path, models.NameOf(c))
		switch v := c.(type) {
		case models.Directory:
			*out = append(*out, p+"/")
			flattenRecursive(v, p, out)
		case models.File:
			*out = append(*out, p)
		}
	}
}

// Print writes an indented listing of the tree.
func Print(w io.Writer, root models.Directory) error {
	if _, err := fmt.Fprintf(w, "%s/\n", root.Name); err != nil {
		return err
	}
	return printChildren(w, root, "  ")
}

func printChildren(w io.Writer, dir models.Directory, indent string) error {
	for _, c := range dir.Children {
		switch v := c.(type) {
		case models.Directory:
			if _, err := fmt.Fprintf(w, "%s%s/\n", indent, v.Name); err != nil {
				return err
			}
			if err := printChildren(w, v, indent+"  "); err != nil {
				return err
			}
		case models.File:
			if _, err := fmt.Fprintf(w, "%s%s\n", indent, v.Name); err != nil {
				return err
			}
		}
	}
	return nil
}
