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

// Package patch accumulates the changes of one reconciliation pass into a
// single JSON merge patch and applies it with optimistic concurrency.
package patch

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	utiljson "k8s.io/apimachinery/pkg/util/json"
)

// Patch is a JSON merge patch under construction. The zero value is an empty
// patch. A nil value at a path means the field is removed.
type Patch struct {
	body map[string]interface{}
	err  error
}

// New returns an empty Patch.
func New() *Patch {
	return &Patch{}
}

// Set sets the field at path to value. value is converted to its JSON form.
func (p *Patch) Set(path []string, value interface{}) {
	if len(path) == 0 {
		p.fail(fmt.Errorf("cannot set a value at the root of a patch"))
		return
	}
	normalized, err := normalize(value)
	if err != nil {
		p.fail(fmt.Errorf("cannot set %v: %w", path, err))
		return
	}
	p.parent(path)[path[len(path)-1]] = normalized
}

// Remove removes the field at path from the object.
func (p *Patch) Remove(path []string) {
	if len(path) == 0 {
		return
	}
	p.parent(path)[path[len(path)-1]] = nil
}

// Forget drops whatever the patch holds at path, leaving the field as it is
// in the object.
func (p *Patch) Forget(path []string) {
	if len(path) == 0 || p.body == nil {
		return
	}
	m := p.body
	for _, k := range path[:len(path)-1] {
		next, ok := m[k].(map[string]interface{})
		if !ok {
			return
		}
		m = next
	}
	delete(m, path[len(path)-1])
}

// Get returns the value the patch holds at path.
func (p *Patch) Get(path ...string) (interface{}, bool) {
	var v interface{} = p.body
	for _, k := range path {
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if v, ok = m[k]; !ok {
			return nil, false
		}
	}
	return v, true
}

// parent returns the dictionary holding the last element of path, creating
// the intermediate dictionaries. Non-dictionary values on the way are
// replaced.
func (p *Patch) parent(path []string) map[string]interface{} {
	if p.body == nil {
		p.body = map[string]interface{}{}
	}
	m := p.body
	for _, k := range path[:len(path)-1] {
		next, ok := m[k].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			m[k] = next
		}
		m = next
	}
	return m
}

// Merge merges a merge patch fragment into the patch. Dictionaries are merged
// recursively, everything else replaces what the patch holds.
func (p *Patch) Merge(fragment map[string]interface{}) {
	if len(fragment) == 0 {
		return
	}
	normalized, err := normalize(fragment)
	if err != nil {
		p.fail(fmt.Errorf("cannot merge fragment: %w", err))
		return
	}
	if p.body == nil {
		p.body = map[string]interface{}{}
	}
	mergeInto(p.body, normalized.(map[string]interface{}))
}

func mergeInto(dst, src map[string]interface{}) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]interface{})
		dstMap, dstIsMap := dst[k].(map[string]interface{})
		if srcIsMap && dstIsMap {
			mergeInto(dstMap, srcMap)
			continue
		}
		dst[k] = v
	}
}

// SetStatus merges fragment into the status.
func (p *Patch) SetStatus(fragment map[string]interface{}) {
	if len(fragment) == 0 {
		return
	}
	p.Merge(map[string]interface{}{"status": fragment})
}

// SetAnnotation sets an annotation.
func (p *Patch) SetAnnotation(key, value string) {
	p.Set([]string{"metadata", "annotations", key}, value)
}

// RemoveAnnotation removes an annotation.
func (p *Patch) RemoveAnnotation(key string) {
	p.Remove([]string{"metadata", "annotations", key})
}

// SetFinalizers replaces the finalizer list. Merge patches can not change
// lists partially.
func (p *Patch) SetFinalizers(finalizers []string) {
	if finalizers == nil {
		finalizers = []string{}
	}
	p.Set([]string{"metadata", "finalizers"}, finalizers)
}

// IsEmpty returns true if the patch changes nothing.
func (p *Patch) IsEmpty() bool {
	return isEmpty(p.body)
}

func isEmpty(m map[string]interface{}) bool {
	for _, v := range m {
		sub, ok := v.(map[string]interface{})
		if !ok || !isEmpty(sub) {
			return false
		}
	}
	return true
}

// Err returns the first error met while building the patch.
func (p *Patch) Err() error {
	return p.err
}

func (p *Patch) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

// Bytes returns the patch as JSON.
func (p *Patch) Bytes() ([]byte, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.body == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p.body)
}

// Copy returns a deep copy of the patch.
func (p *Patch) Copy() *Patch {
	out := &Patch{err: p.err}
	if p.body != nil {
		out.body = runtime.DeepCopyJSONValue(p.body).(map[string]interface{})
	}
	return out
}

// Combine returns a patch with the effect of applying p and then other.
func (p *Patch) Combine(other *Patch) (*Patch, error) {
	first, err := p.Bytes()
	if err != nil {
		return nil, err
	}
	second, err := other.Bytes()
	if err != nil {
		return nil, err
	}
	combined, err := jsonpatch.MergeMergePatches(first, second)
	if err != nil {
		return nil, fmt.Errorf("failed to combine patches: %w", err)
	}
	out := &Patch{}
	if err := utiljson.Unmarshal(combined, &out.body); err != nil {
		return nil, err
	}
	return out, nil
}

// Apply returns obj with the patch applied, the way the API server would.
func (p *Patch) Apply(obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	body, err := p.Bytes()
	if err != nil {
		return nil, err
	}
	original, err := obj.MarshalJSON()
	if err != nil {
		return nil, err
	}
	merged, err := jsonpatch.MergePatch(original, body)
	if err != nil {
		return nil, fmt.Errorf("failed to apply patch: %w", err)
	}
	out := &unstructured.Unstructured{}
	if err := out.UnmarshalJSON(merged); err != nil {
		return nil, err
	}
	return out, nil
}

// normalize converts v to the types JSON decoding produces, with integers as
// int64 like in unstructured objects.
func normalize(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := utiljson.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
