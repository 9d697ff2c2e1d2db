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

package diff

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Cause is the reason an object is being reconciled.
type Cause string

const (
	// Creation is the first reconciliation of an object.
	Creation Cause = "create"
	// Update means the essence changed since it was last handled.
	Update Cause = "update"
	// Deletion means the object is marked for deletion.
	Deletion Cause = "delete"
	// Resume is the first sight of an already handled object since the
	// process started, or a wake-up of an unchanged object.
	Resume Cause = "resume"
	// Noop means nothing changed.
	Noop Cause = "noop"
	// Gone means the object was physically removed from the cluster.
	Gone Cause = "gone"
)

// Classify decides the cause of a reconciliation pass. d is the diff between
// the last handled essence and the current one, handled tells whether a last
// handled essence exists at all, and resuming whether this is the first sight
// of obj since the process started or resume handlers are still unfinished.
func Classify(obj *unstructured.Unstructured, d Diff, handled, resuming bool) Cause {
	switch {
	case obj == nil:
		return Gone
	case obj.GetDeletionTimestamp() != nil:
		return Deletion
	case !handled:
		return Creation
	case !d.IsEmpty():
		return Update
	case resuming:
		return Resume
	default:
		return Noop
	}
}
