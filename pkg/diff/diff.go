/*
Copyright 2024 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package diff computes what changed between two states of an object.
//
// Only the essence of an object is compared: the content its owner controls,
// without status and without bookkeeping kept by the cluster or by the engine.
// Dictionaries are compared field by field. Lists and scalars are compared as
// a whole, so a list that changed in any position is reported as one change.
package diff

import (
	"fmt"
	"sort"
	"strings"

	"gomodules.xyz/jsonpatch/v2"
	"k8s.io/apimachinery/pkg/api/equality"
)

// Op is the kind of a change.
type Op string

const (
	// Add means the field is only present in the new state.
	Add Op = "add"
	// Change means the field is present in both states with different values.
	Change Op = "change"
	// Remove means the field is only present in the old state.
	Remove Op = "remove"
)

// Path is a field path, outermost key first.
type Path []string

func (p Path) String() string {
	return strings.Join(p, ".")
}

// HasPrefix returns true if p is prefix or below it.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Entry is one change. Old is nil for additions, New is nil for removals.
type Entry struct {
	Op   Op
	Path Path
	Old  interface{}
	New  interface{}
}

func (e Entry) String() string {
	return fmt.Sprintf("%s %s: %v -> %v", e.Op, e.Path, e.Old, e.New)
}

// Diff is an ordered list of changes, sorted by path.
type Diff []Entry

// IsEmpty returns true if nothing changed.
func (d Diff) IsEmpty() bool {
	return len(d) == 0
}

// Paths returns the paths of all entries.
func (d Diff) Paths() []string {
	out := make([]string, 0, len(d))
	for _, e := range d {
		out = append(out, e.Path.String())
	}
	return out
}

// Compute returns the changes turning old into new. Missing maps are treated
// as empty.
func Compute(old, new map[string]interface{}) Diff {
	var d Diff
	walkMaps(&d, nil, old, new)
	return d
}

// Values returns the changes turning old into new for arbitrary values. A nil
// value means absent, so Values(nil, x) is a single addition at the root.
func Values(old, new interface{}) Diff {
	var d Diff
	walk(&d, nil, old, new)
	return d
}

func walk(d *Diff, path Path, old, new interface{}) {
	switch {
	case old == nil && new == nil:
		return
	case old == nil:
		*d = append(*d, Entry{Op: Add, Path: path, New: new})
		return
	case new == nil:
		*d = append(*d, Entry{Op: Remove, Path: path, Old: old})
		return
	}

	oldMap, oldIsMap := old.(map[string]interface{})
	newMap, newIsMap := new.(map[string]interface{})
	if oldIsMap && newIsMap {
		walkMaps(d, path, oldMap, newMap)
		return
	}
	if !equality.Semantic.DeepEqual(old, new) {
		*d = append(*d, Entry{Op: Change, Path: path, Old: old, New: new})
	}
}

func walkMaps(d *Diff, path Path, old, new map[string]interface{}) {
	keys := make([]string, 0, len(old)+len(new))
	for k := range old {
		keys = append(keys, k)
	}
	for k := range new {
		if _, ok := old[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		sub := make(Path, len(path), len(path)+1)
		copy(sub, path)
		walk(d, append(sub, k), old[k], new[k])
	}
}

// Reduce returns the changes at or below path, with paths made relative to
// it. Changes above path, such as the addition of a whole parent dictionary,
// are narrowed down to the values at path.
func (d Diff) Reduce(path ...string) Diff {
	if len(path) == 0 {
		return d
	}
	var out Diff
	for _, e := range d {
		switch {
		case e.Path.HasPrefix(path):
			rel := make(Path, len(e.Path)-len(path))
			copy(rel, e.Path[len(path):])
			out = append(out, Entry{Op: e.Op, Path: rel, Old: e.Old, New: e.New})
		case Path(path).HasPrefix(e.Path):
			tail := path[len(e.Path):]
			out = append(out, Values(resolve(e.Old, tail), resolve(e.New, tail))...)
		}
	}
	return out
}

// Touches returns true if anything at, below or above path changed in a way
// that affects the value at path.
func (d Diff) Touches(path ...string) bool {
	return !d.Reduce(path...).IsEmpty()
}

// resolve returns the value at path inside v, or nil if any level is missing.
func resolve(v interface{}, path []string) interface{} {
	for _, k := range path {
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil
		}
		v = m[k]
	}
	return v
}

// Resolve returns the value at path inside obj, or nil if it is absent.
func Resolve(obj map[string]interface{}, path ...string) interface{} {
	return resolve(obj, path)
}

// Inverse returns the diff turning new back into old.
func (d Diff) Inverse() Diff {
	out := make(Diff, len(d))
	for i, e := range d {
		op := e.Op
		switch op {
		case Add:
			op = Remove
		case Remove:
			op = Add
		}
		out[i] = Entry{Op: op, Path: e.Path, Old: e.New, New: e.Old}
	}
	return out
}

// JSONPatch renders the diff as RFC 6902 operations.
func (d Diff) JSONPatch() []jsonpatch.Operation {
	ops := make([]jsonpatch.Operation, 0, len(d))
	for _, e := range d {
		pointer := pointerOf(e.Path)
		switch e.Op {
		case Add:
			ops = append(ops, jsonpatch.NewOperation("add", pointer, e.New))
		case Change:
			ops = append(ops, jsonpatch.NewOperation("replace", pointer, e.New))
		case Remove:
			ops = append(ops, jsonpatch.NewOperation("remove", pointer, nil))
		}
	}
	return ops
}

var pointerEscaper = strings.NewReplacer("~", "~0", "/", "~1")

func pointerOf(p Path) string {
	if len(p) == 0 {
		return ""
	}
	var b strings.Builder
	for _, k := range p {
		b.WriteString("/")
		b.WriteString(pointerEscaper.Replace(k))
	}
	return b.String()
}
