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

/*
Package fake provides an in-memory cluster implementing client.Client for testing.

The cluster is backed by a simple object store indexed by GroupVersionResource
and behaves like an API server in the ways the engine depends on:

  - every write bumps a cluster-wide resourceVersion
  - patches carrying a stale metadata.resourceVersion fail with a Conflict
  - deleting an object with finalizers only sets its deletionTimestamp, and the
    object is removed once the last finalizer is patched away
  - watches replay history after the requested resourceVersion, and fail with
    Expired once that history has been compacted

Usage:

	cluster := fake.NewCluster()
	obj, _ := cluster.Create(ctx, res, newObject("name1"))

Current Limitations / Known Issues with the fake Cluster:
  - there is no OpenAPI or CRD schema validation
  - status is an ordinary field; the status subresource is not emulated
  - label and field selectors are not supported
*/
package fake
