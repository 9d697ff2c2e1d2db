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

package patch

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"sigs.k8s.io/handler-runtime/pkg/client"
	"sigs.k8s.io/handler-runtime/pkg/metrics"
	"sigs.k8s.io/handler-runtime/pkg/resource"
)

// DefaultMaxAttempts is the default number of conflicting patch attempts
// before giving up.
const DefaultMaxAttempts = 3

// ErrConflictRetriesExhausted is returned when every attempt to patch an
// object conflicted with a concurrent change. It is transient: the next event
// for the object retries the pass.
var ErrConflictRetriesExhausted = errors.New("the object kept changing while being patched")

// BuildFunc returns the patch for obj. It is called again with the fresh
// object whenever a patch conflicts, so everything it derives from obj is
// recomputed against the latest state.
type BuildFunc func(obj *unstructured.Unstructured) (*Patch, error)

// Client is the subset of the cluster API the Applier needs.
type Client interface {
	client.Reader
	client.Writer
}

// Applier sends patches conditioned on the resourceVersion they were built
// against.
type Applier struct {
	Client   Client
	Resource resource.Resource

	// MaxAttempts is the number of patch attempts. Defaults to
	// DefaultMaxAttempts.
	MaxAttempts int

	Log logr.Logger
}

// Apply builds a patch for obj and sends it. On a conflict it reads the
// object again and rebuilds the patch. It returns the patched object, or nil
// without an error if the object no longer exists. If the patch is empty,
// nothing is sent and obj is returned.
func (a *Applier) Apply(ctx context.Context, obj *unstructured.Unstructured, build BuildFunc) (*unstructured.Unstructured, error) {
	attempts := a.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	res := a.Resource.String()
	current := obj
	for attempt := 1; ; attempt++ {
		p, err := build(current)
		if err != nil {
			return nil, err
		}
		if p == nil || p.IsEmpty() {
			return current, nil
		}
		body, err := p.Bytes()
		if err != nil {
			return nil, fmt.Errorf("failed to build patch: %w", err)
		}

		target := client.ByName(current.GetNamespace(), current.GetName())
		updated, err := a.Client.Patch(ctx, a.Resource, target, current.GetResourceVersion(), body)
		switch {
		case err == nil:
			metrics.Patches.WithLabelValues(res, metrics.PatchApplied).Inc()
			return updated, nil
		case apierrors.IsNotFound(err):
			metrics.Patches.WithLabelValues(res, metrics.PatchGone).Inc()
			return nil, nil
		case !apierrors.IsConflict(err):
			metrics.Patches.WithLabelValues(res, metrics.PatchFailed).Inc()
			return nil, fmt.Errorf("failed to patch %s: %w", resource.KeyOf(current), err)
		}

		metrics.Patches.WithLabelValues(res, metrics.PatchConflict).Inc()
		if attempt >= attempts {
			return nil, fmt.Errorf("%w: %s after %d attempts", ErrConflictRetriesExhausted, resource.KeyOf(current), attempt)
		}
		a.Log.V(1).Info("Patch conflicted, retrying against the latest version",
			"resourceVersion", current.GetResourceVersion(), "attempt", attempt)

		fresh, err := a.Client.Get(ctx, a.Resource, target)
		switch {
		case apierrors.IsNotFound(err):
			return nil, nil
		case err != nil:
			return nil, fmt.Errorf("failed to re-read %s: %w", resource.KeyOf(current), err)
		case fresh.GetUID() != obj.GetUID():
			// Same name, different object.
			return nil, nil
		}
		current = fresh
	}
}
