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

// Package event contains the notifications produced by the watch stream consumer
// and consumed by the per-object queue.
package event

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"sigs.k8s.io/handler-runtime/pkg/resource"
)

// Type is the kind of change an Event describes.
type Type string

const (
	// Added is sent for a new object, and for every object seen during a relist.
	Added Type = "ADDED"
	// Modified is sent when an existing object changed.
	Modified Type = "MODIFIED"
	// Deleted is sent once an object has been physically removed from the cluster.
	Deleted Type = "DELETED"
	// Error is sent when the stream reported an error it will recover from.
	Error Type = "ERROR"
	// Gone is sent when the resume version expired and a full resync follows.
	Gone Type = "GONE"
)

// Event is one notification about one object.
type Event struct {
	Type Type

	// Object is the snapshot of the object at the time of the event. It is nil
	// for Error and Gone events.
	Object *unstructured.Unstructured

	// ResourceVersion is the position of the event in the stream.
	ResourceVersion string

	// Err is set for Error and Gone events.
	Err error

	// Synthetic is true for events produced by a relist or a wake-up rather
	// than read from the watch stream.
	Synthetic bool

	// Refresh asks for the object to be read again before it is handled,
	// because Object may be outdated. Wake-ups set it.
	Refresh bool
}

// Key returns the identity of the object the event is about.
func (e Event) Key() resource.ObjectKey {
	return resource.KeyOf(e.Object)
}

// IsObjectEvent returns true if the event carries an object that should be
// routed to a per-object worker.
func (e Event) IsObjectEvent() bool {
	switch e.Type {
	case Added, Modified, Deleted:
		return e.Object != nil
	}
	return false
}
