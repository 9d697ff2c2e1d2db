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

package client

import (
	"errors"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

var (
	// ErrAmbiguousTarget is returned when both an explicit identity and an
	// object body were supplied to address an object.
	ErrAmbiguousTarget = errors.New("either an explicit name and namespace or an object body must be given, not both")

	// ErrMissingTarget is returned when neither an explicit name nor a body
	// carrying a name was supplied.
	ErrMissingTarget = errors.New("an object must be addressed by name or by body")
)

// Target addresses one object. Exactly one of the explicit identity (Name, and
// Namespace for namespaced objects) or Body must be set.
type Target struct {
	Namespace string
	Name      string

	// Body is an object carrying its own metadata.name and metadata.namespace.
	Body *unstructured.Unstructured
}

// ByName addresses an object by explicit identity. An empty namespace
// addresses a cluster-scoped object.
func ByName(namespace, name string) Target {
	return Target{Namespace: namespace, Name: name}
}

// ByBody addresses the object described by obj.
func ByBody(obj *unstructured.Unstructured) Target {
	return Target{Body: obj}
}

// Resolve returns the namespace and name the target points to. It fails,
// without guessing, if the target is ambiguous or empty.
func (t Target) Resolve() (namespace, name string, err error) {
	if t.Body != nil {
		if t.Namespace != "" || t.Name != "" {
			return "", "", fmt.Errorf("%w: got namespace=%q name=%q and a body for %q",
				ErrAmbiguousTarget, t.Namespace, t.Name, t.Body.GetName())
		}
		if t.Body.GetName() == "" {
			return "", "", fmt.Errorf("%w: the body has no metadata.name", ErrMissingTarget)
		}
		return t.Body.GetNamespace(), t.Body.GetName(), nil
	}
	if t.Name == "" {
		return "", "", ErrMissingTarget
	}
	return t.Namespace, t.Name, nil
}

// Clustered returns true if the target addresses a cluster-scoped endpoint.
func (t Target) Clustered() bool {
	ns, _, err := t.Resolve()
	return err == nil && ns == ""
}
