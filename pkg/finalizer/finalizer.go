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

// Package finalizer keeps objects from being removed from the cluster until
// their deletion handlers are done.
package finalizer

import (
	"slices"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"sigs.k8s.io/handler-runtime/pkg/patch"
)

// DefaultName is the finalizer used when none is configured.
const DefaultName = "handler-runtime.k8s.io/finalizer"

// Manager adds and removes one finalizer.
type Manager struct {
	Name string
}

func (m Manager) name() string {
	if m.Name == "" {
		return DefaultName
	}
	return m.Name
}

// Has returns true if obj carries the finalizer.
func (m Manager) Has(obj *unstructured.Unstructured) bool {
	return slices.Contains(obj.GetFinalizers(), m.name())
}

// Ensure adds the finalizer through p unless obj already has it or is being
// deleted. It returns true if p was changed.
func (m Manager) Ensure(obj *unstructured.Unstructured, p *patch.Patch) bool {
	if obj.GetDeletionTimestamp() != nil || m.Has(obj) {
		return false
	}
	p.SetFinalizers(append(obj.GetFinalizers(), m.name()))
	return true
}

// Release removes the finalizer through p. Other finalizers stay. It returns
// true if p was changed.
func (m Manager) Release(obj *unstructured.Unstructured, p *patch.Patch) bool {
	if !m.Has(obj) {
		return false
	}
	p.SetFinalizers(slices.DeleteFunc(obj.GetFinalizers(), func(f string) bool {
		return f == m.name()
	}))
	return true
}
