// Package models contains the snapshot types shared by the mirror and its consumers.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// RootName is the name carried by the root directory of every snapshot.
const RootName = "root"

const (
	KindDir  = "dir"
	KindFile = "file"
)

// Entry is either a Directory or a File. Use a type switch to tell them apart.
type Entry interface {
	isEntry()
}

// Directory is a directory node and its children in backend enumeration order.
type Directory struct {
	Name     string
	Children []Entry
}

// File is a file node. Content is never loaded by a walk and stays empty.
type File struct {
	Name    string
	Content string
}

func (Directory) isEntry() {}
func (File) isEntry()      {}

// NameOf returns the name of an entry.
func NameOf(e Entry) string {
	switch v := e.(type) {
	case Directory:
		return v.Name
	case File:
		return v.Name
	default:
		return ""
	}
}

// KindOf returns "dir" or "file".
func KindOf(e Entry) string {
	if _, ok := e.(Directory); ok {
		return KindDir
	}
	return KindFile
}

// Snapshot is an immutable view of the backend tree at one instant.
// Consumers detect change by comparing *Snapshot pointers; a published
// snapshot is never modified.
type Snapshot struct {
	Root       Directory
	Generation uint64
	WalkedAt   time.Time
}

// EmptySnapshot returns the generation 0 snapshot with an empty root.
func EmptySnapshot() *Snapshot {
	return &Snapshot{Root: Directory{Name: RootName, Children: []Entry{}}}
}

// wireEntry is the decoded JSON shape of both entry kinds.
type wireEntry struct {
	Kind     string       `json:"kind"`
	Name     string       `json:"name"`
	Children []*wireEntry `json:"children"`
	Content  *string      `json:"content"`
}

type dirJSON struct {
	Kind     string `json:"kind"`
	Name     string `json:"name"`
	Children []any  `json:"children"`
}

type fileJSON struct {
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

func toWire(e Entry) any {
	switch v := e.(type) {
	case Directory:
		w := dirJSON{Kind: KindDir, Name: v.Name, Children: make([]any, 0, len(v.Children))}
		for _, c := range v.Children {
			w.Children = append(w.Children, toWire(c))
		}
		return w
	case File:
		return fileJSON{Kind: KindFile, Name: v.Name, Content: v.Content}
	default:
		return nil
	}
}

func fromWire(w *wireEntry) (Entry, error) {
	switch w.Kind {
	case KindDir:
		d := Directory{Name: w.Name, Children: make([]Entry, 0, len(w.Children))}
		for _, c := range w.Children {
			child, err := fromWire(c)
			if err != nil {
				return nil, err
			}
			d.Children = append(d.Children, child)
		}
		return d, nil
	case KindFile:
		f := File{Name: w.Name}
		if w.Content != nil {
			f.Content = *w.Content
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unknown entry kind %q", w.Kind)
	}
}

// MarshalJSON renders {"kind":"dir","name":...,"children":[...]}.
// Children is always present, even when empty.
func (d Directory) MarshalJSON() ([]byte, error) {
	return json.Marshal(toWire(d))
}

// UnmarshalJSON parses the shape produced by MarshalJSON.
func (d *Directory) UnmarshalJSON(data []byte) error {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Kind != KindDir {
		return fmt.Errorf("expected kind %q, got %q", KindDir, w.Kind)
	}
	e, err := fromWire(&w)
	if err != nil {
		return err
	}
	*d = e.(Directory)
	return nil
}

// MarshalJSON renders {"kind":"file","name":...,"content":""}.
func (f File) MarshalJSON() ([]byte, error) {
	return json.Marshal(toWire(f))
}

// UnmarshalJSON parses the shape produced by MarshalJSON.
func (f *File) UnmarshalJSON(data []byte) error {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Kind != KindFile {
		return fmt.Errorf("expected kind %q, got %q", KindFile, w.Kind)
	}
	e, err := fromWire(&w)
	if err != nil {
		return err
	}
	*f = e.(File)
	return nil
}

// MarshalEntry encodes any entry.
func MarshalEntry(e Entry) ([]byte, error) {
	switch v := e.(type) {
	case Directory:
		return v.MarshalJSON()
	case File:
		return v.MarshalJSON()
	default:
		return nil, fmt.Errorf("unsupported entry type %T", e)
	}
}

// UnmarshalEntry decodes an entry of either kind.
func UnmarshalEntry(data []byte) (Entry, error) {
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return fromWire(&w)
}

// SnapshotResponse is the wire form of a snapshot served to remote consumers.
type SnapshotResponse struct {
	Generation uint64    `json:"generation"`
	WalkedAt   time.Time `json:"walked_at"`
	Root       Directory `json:"root"`
}

// Response converts a snapshot to its wire form.
func (s *Snapshot) Response() SnapshotResponse {
	return SnapshotResponse{Generation: s.Generation, WalkedAt: s.WalkedAt, Root: s.Root}
}
