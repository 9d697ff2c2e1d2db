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

// Package client contains the cluster API primitives the engine is built on:
// list, watch, get, conditional patch and delete of objects of one resource.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"

	"sigs.k8s.io/handler-runtime/pkg/resource"
)

// WatchOptions configure a single watch request.
type WatchOptions struct {
	// ResourceVersion is the version to resume from. Empty means "from now".
	ResourceVersion string

	// Timeout asks the server to close the stream after this long.
	Timeout time.Duration

	// AllowBookmarks asks the server to send bookmark events.
	AllowBookmarks bool
}

// Reader knows how to read objects of a resource.
type Reader interface {
	// List returns all objects of the resource in namespace (all namespaces if empty),
	// together with the list's resourceVersion.
	List(ctx context.Context, res resource.Resource, namespace string) (*unstructured.UnstructuredList, error)

	// Get returns the current state of the object addressed by target.
	Get(ctx context.Context, res resource.Resource, target Target) (*unstructured.Unstructured, error)
}

// Watcher knows how to open watch streams.
type Watcher interface {
	// Watch opens a stream of change notifications for the resource.
	Watch(ctx context.Context, res resource.Resource, namespace string, opts WatchOptions) (watch.Interface, error)
}

// Writer knows how to mutate objects of a resource.
type Writer interface {
	// Patch applies a JSON merge patch to the object addressed by target. If
	// resourceVersion is not empty, the patch only succeeds if the object is
	// still at that version; otherwise a Conflict error is returned.
	Patch(ctx context.Context, res resource.Resource, target Target, resourceVersion string, patch []byte) (*unstructured.Unstructured, error)

	// Delete requests the deletion of the object addressed by target.
	Delete(ctx context.Context, res resource.Resource, target Target) error
}

// Client is the complete set of cluster API primitives used by the engine.
type Client interface {
	Reader
	Watcher
	Writer
}

// Conditional returns a copy of the merge patch carrying resourceVersion in its
// metadata. The API server rejects such a patch with a Conflict if the object
// has been modified since that version was read.
func Conditional(patch []byte, resourceVersion string) ([]byte, error) {
	if resourceVersion == "" {
		return patch, nil
	}
	body := map[string]interface{}{}
	if len(patch) > 0 {
		if err := json.Unmarshal(patch, &body); err != nil {
			return nil, fmt.Errorf("patch is not a JSON object: %w", err)
		}
	}
	metadata, ok := body["metadata"].(map[string]interface{})
	if !ok {
		metadata = map[string]interface{}{}
		body["metadata"] = metadata
	}
	metadata["resourceVersion"] = resourceVersion
	return json.Marshal(body)
}
