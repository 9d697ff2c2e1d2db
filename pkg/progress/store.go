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

package progress

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	utiljson "k8s.io/apimachinery/pkg/util/json"
	"k8s.io/apimachinery/pkg/util/validation"

	"sigs.k8s.io/handler-runtime/pkg/patch"
)

// DefaultPrefix is the annotation domain used when none is configured.
const DefaultPrefix = "handler-runtime.k8s.io"

// LastHandledName is the annotation name, under the prefix, of the essence
// that was last handled completely.
const LastHandledName = "last-handled-configuration"

// Store loads and saves handler records and the last handled essence.
type Store interface {
	// Load returns the records kept in obj. Missing or unreadable records
	// are left out, which makes them pending.
	Load(obj *unstructured.Unstructured) Records

	// Save writes records into p.
	Save(records Records, p *patch.Patch)

	// Purge removes the records of ids from obj through p.
	Purge(obj *unstructured.Unstructured, p *patch.Patch, ids ...string)

	// LoadEssence returns the last handled essence kept in obj, if any.
	LoadEssence(obj *unstructured.Unstructured) (map[string]interface{}, bool)

	// SaveEssence writes essence into p.
	SaveEssence(essence map[string]interface{}, p *patch.Patch) error

	// Prefixes returns the annotation domains the store writes to. They are
	// excluded from the essence.
	Prefixes() []string
}

// AnnotationsStore keeps one JSON annotation per handler under Prefix.
type AnnotationsStore struct {
	Prefix string
}

var _ Store = AnnotationsStore{}

func (s AnnotationsStore) prefix() string {
	if s.Prefix == "" {
		return DefaultPrefix
	}
	return s.Prefix
}

// Prefixes implements Store.
func (s AnnotationsStore) Prefixes() []string {
	return []string{s.prefix()}
}

var invalidNameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

const digestLength = 10

// Key returns the annotation key for the record of id. IDs that are not
// valid annotation names as they are get replaced characters and a digest
// suffix to keep distinct IDs apart.
func (s AnnotationsStore) Key(id string) string {
	name := invalidNameChars.ReplaceAllString(id, ".")
	name = strings.Trim(name, "._-")
	if name == id && name != LastHandledName && len(name) <= validation.LabelValueMaxLength {
		return s.prefix() + "/" + name
	}

	sum := sha256.Sum256([]byte(id))
	suffix := hex.EncodeToString(sum[:])[:digestLength]
	limit := validation.LabelValueMaxLength - digestLength - 1
	if len(name) > limit {
		name = strings.TrimRight(name[:limit], "._-")
	}
	if name == "" {
		return s.prefix() + "/" + suffix
	}
	return s.prefix() + "/" + name + "-" + suffix
}

func (s AnnotationsStore) lastHandledKey() string {
	return s.prefix() + "/" + LastHandledName
}

// Load implements Store.
func (s AnnotationsStore) Load(obj *unstructured.Unstructured) Records {
	records := Records{}
	if obj == nil {
		return records
	}
	domain := s.prefix() + "/"
	for key, value := range obj.GetAnnotations() {
		if !strings.HasPrefix(key, domain) || key == s.lastHandledKey() {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(value), &r); err != nil || r.ID == "" || s.Key(r.ID) != key {
			continue
		}
		switch r.State {
		case Pending, Retrying, Succeeded, Failed:
		default:
			r.State = Pending
		}
		records[r.ID] = r
	}
	return records
}

// Save implements Store.
func (s AnnotationsStore) Save(records Records, p *patch.Patch) {
	for id, r := range records {
		r.ID = id
		if r.State == Active {
			r.State = Pending
		}
		data, err := json.Marshal(r)
		if err != nil {
			continue
		}
		p.SetAnnotation(s.Key(id), string(data))
	}
}

// Purge implements Store.
func (s AnnotationsStore) Purge(obj *unstructured.Unstructured, p *patch.Patch, ids ...string) {
	annotations := obj.GetAnnotations()
	for _, id := range ids {
		key := s.Key(id)
		p.Forget([]string{"metadata", "annotations", key})
		if _, ok := annotations[key]; ok {
			p.RemoveAnnotation(key)
		}
	}
}

// LoadEssence implements Store.
func (s AnnotationsStore) LoadEssence(obj *unstructured.Unstructured) (map[string]interface{}, bool) {
	if obj == nil {
		return nil, false
	}
	value, ok := obj.GetAnnotations()[s.lastHandledKey()]
	if !ok {
		return nil, false
	}
	essence := map[string]interface{}{}
	// Integers decode as int64, as in the object itself.
	if err := utiljson.Unmarshal([]byte(value), &essence); err != nil {
		return nil, false
	}
	return essence, true
}

// SaveEssence implements Store.
func (s AnnotationsStore) SaveEssence(essence map[string]interface{}, p *patch.Patch) error {
	data, err := json.Marshal(essence)
	if err != nil {
		return err
	}
	p.SetAnnotation(s.lastHandledKey(), string(data))
	return nil
}
