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

// Package resource describes the kinds of objects the engine watches and the
// identity of individual objects.
package resource

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
)

// Resource identifies a kind of object served by the cluster API.
type Resource struct {
	Group   string
	Version string
	Plural  string

	// Namespaced is true if objects of this kind live in namespaces.
	Namespaced bool

	// StatusSubresource is true if the kind serves status through the
	// status subresource, in which case status can not be patched through
	// the main endpoint.
	StatusSubresource bool
}

// GroupVersionResource returns the schema representation of the resource.
func (r Resource) GroupVersionResource() schema.GroupVersionResource {
	return schema.GroupVersionResource{Group: r.Group, Version: r.Version, Resource: r.Plural}
}

// APIVersion returns the group/version string used in object bodies.
func (r Resource) APIVersion() string {
	return schema.GroupVersion{Group: r.Group, Version: r.Version}.String()
}

// String returns the resource as plural.version.group.
func (r Resource) String() string {
	if r.Group == "" {
		return r.Plural + "." + r.Version
	}
	return r.Plural + "." + r.Version + "." + r.Group
}

// Parse parses a resource written as "plural.version.group" or "group/version/plural".
func Parse(s string, namespaced bool) (Resource, error) {
	if parts := strings.Split(s, "/"); len(parts) == 3 {
		if parts[1] == "" || parts[2] == "" {
			return Resource{}, fmt.Errorf("invalid resource %q", s)
		}
		return Resource{Group: parts[0], Version: parts[1], Plural: parts[2], Namespaced: namespaced}, nil
	}
	parts := strings.SplitN(s, ".", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Resource{}, fmt.Errorf("invalid resource %q: expected plural.version.group or group/version/plural", s)
	}
	r := Resource{Plural: parts[0], Version: parts[1], Namespaced: namespaced}
	if len(parts) == 3 {
		r.Group = parts[2]
	}
	return r, nil
}

// ObjectKey identifies a single object. The UID is part of the key so that an
// object deleted and re-created under the same name is a different identity.
type ObjectKey struct {
	Namespace string
	Name      string
	UID       types.UID
}

// KeyOf returns the identity of obj.
func KeyOf(obj *unstructured.Unstructured) ObjectKey {
	if obj == nil {
		return ObjectKey{}
	}
	return ObjectKey{Namespace: obj.GetNamespace(), Name: obj.GetName(), UID: obj.GetUID()}
}

// NamespacedName returns the namespace/name part of the key.
func (k ObjectKey) NamespacedName() types.NamespacedName {
	return types.NamespacedName{Namespace: k.Namespace, Name: k.Name}
}

func (k ObjectKey) String() string {
	return k.NamespacedName().String()
}
