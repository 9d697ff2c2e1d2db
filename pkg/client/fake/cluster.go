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

package fake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/uuid"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/utils/clock"

	"sigs.k8s.io/handler-runtime/pkg/client"
	"sigs.k8s.io/handler-runtime/pkg/resource"
)

// PatchRecord is a patch accepted or rejected by the cluster.
type PatchRecord struct {
	Resource        resource.Resource
	Namespace       string
	Name            string
	ResourceVersion string
	Body            []byte
	Err             error
}

// PatchReactor is called before a patch is applied. A non-nil error is returned
// to the caller instead of applying the patch.
type PatchReactor func(namespace, name string, body []byte) error

type historyEntry struct {
	gvr   schema.GroupVersionResource
	rv    uint64
	event watch.Event
}

var _ client.Client = &Cluster{}

// Cluster is an in-memory API server for a set of resources.
type Cluster struct {
	// Clock is used for deletion timestamps. Defaults to the real clock.
	Clock clock.PassiveClock

	mu       sync.Mutex
	rv       uint64
	objects  map[schema.GroupVersionResource]map[types.NamespacedName]*unstructured.Unstructured
	history  []historyEntry
	floor    uint64
	watchers map[*fakeWatcher]struct{}
	patches  []PatchRecord
	reactors []PatchReactor
}

// NewCluster returns an empty cluster.
func NewCluster() *Cluster {
	return &Cluster{
		Clock:    clock.RealClock{},
		objects:  map[schema.GroupVersionResource]map[types.NamespacedName]*unstructured.Unstructured{},
		watchers: map[*fakeWatcher]struct{}{},
	}
}

// AddPatchReactor registers a reactor consulted before every patch.
func (c *Cluster) AddPatchReactor(r PatchReactor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reactors = append(c.reactors, r)
}

// Patches returns every patch received so far, in order.
func (c *Cluster) Patches() []PatchRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PatchRecord, len(c.patches))
	copy(out, c.patches)
	return out
}

// ResourceVersion returns the current cluster-wide resource version.
func (c *Cluster) ResourceVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strconv.FormatUint(c.rv, 10)
}

func (c *Cluster) store(res resource.Resource) map[types.NamespacedName]*unstructured.Unstructured {
	gvr := res.GroupVersionResource()
	s, ok := c.objects[gvr]
	if !ok {
		s = map[types.NamespacedName]*unstructured.Unstructured{}
		c.objects[gvr] = s
	}
	return s
}

func (c *Cluster) nextVersion() string {
	c.rv++
	return strconv.FormatUint(c.rv, 10)
}

func groupResource(res resource.Resource) schema.GroupResource {
	return res.GroupVersionResource().GroupResource()
}

// Create stores a new object. The name must be set; uid, creationTimestamp and
// resourceVersion are assigned by the cluster.
func (c *Cluster) Create(_ context.Context, res resource.Resource, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	if obj.GetName() == "" {
		return nil, apierrors.NewBadRequest("metadata.name is required")
	}
	if obj.GetResourceVersion() != "" {
		return nil, apierrors.NewBadRequest("resourceVersion can not be set for Create requests")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := types.NamespacedName{Namespace: obj.GetNamespace(), Name: obj.GetName()}
	s := c.store(res)
	if _, ok := s[key]; ok {
		return nil, apierrors.NewAlreadyExists(groupResource(res), obj.GetName())
	}
	stored := obj.DeepCopy()
	if stored.GetAPIVersion() == "" {
		stored.SetAPIVersion(res.APIVersion())
	}
	stored.SetUID(uuid.NewUUID())
	stored.SetCreationTimestamp(metav1.NewTime(c.Clock.Now()))
	stored.SetResourceVersion(c.nextVersion())
	s[key] = stored
	c.emit(res, watch.Added, stored)
	return stored.DeepCopy(), nil
}

// Update replaces the user-owned content of an existing object unconditionally,
// the way another writer would. System metadata is preserved.
func (c *Cluster) Update(_ context.Context, res resource.Resource, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := types.NamespacedName{Namespace: obj.GetNamespace(), Name: obj.GetName()}
	s := c.store(res)
	old, ok := s[key]
	if !ok {
		return nil, apierrors.NewNotFound(groupResource(res), obj.GetName())
	}
	updated := obj.DeepCopy()
	preserveSystemFields(old, updated)
	updated.SetResourceVersion(c.nextVersion())
	s[key] = updated
	c.emit(res, watch.Modified, updated)
	return updated.DeepCopy(), nil
}

func (c *Cluster) List(_ context.Context, res resource.Resource, namespace string) (*unstructured.UnstructuredList, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	list := &unstructured.UnstructuredList{}
	list.SetAPIVersion(res.APIVersion())
	list.SetKind("List")
	for key, obj := range c.store(res) {
		if namespace != "" && key.Namespace != namespace {
			continue
		}
		list.Items = append(list.Items, *obj.DeepCopy())
	}
	list.SetResourceVersion(strconv.FormatUint(c.rv, 10))
	return list, nil
}

func (c *Cluster) Get(_ context.Context, res resource.Resource, target client.Target) (*unstructured.Unstructured, error) {
	namespace, name, err := target.Resolve()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.store(res)[types.NamespacedName{Namespace: namespace, Name: name}]
	if !ok {
		return nil, apierrors.NewNotFound(groupResource(res), name)
	}
	return obj.DeepCopy(), nil
}

func (c *Cluster) Patch(_ context.Context, res resource.Resource, target client.Target, resourceVersion string, patch []byte) (*unstructured.Unstructured, error) {
	namespace, name, err := target.Resolve()
	if err != nil {
		return nil, err
	}
	body, err := client.Conditional(patch, resourceVersion)
	if err != nil {
		return nil, apierrors.NewBadRequest(err.Error())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	obj, err := c.patch(res, namespace, name, body)
	c.patches = append(c.patches, PatchRecord{
		Resource:        res,
		Namespace:       namespace,
		Name:            name,
		ResourceVersion: resourceVersion,
		Body:            body,
		Err:             err,
	})
	return obj, err
}

func (c *Cluster) patch(res resource.Resource, namespace, name string, body []byte) (*unstructured.Unstructured, error) {
	for _, r := range c.reactors {
		if err := r(namespace, name, body); err != nil {
			return nil, err
		}
	}

	key := types.NamespacedName{Namespace: namespace, Name: name}
	s := c.store(res)
	old, ok := s[key]
	if !ok {
		return nil, apierrors.NewNotFound(groupResource(res), name)
	}

	var requested struct {
		Metadata struct {
			ResourceVersion string `json:"resourceVersion"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(body, &requested); err != nil {
		return nil, apierrors.NewBadRequest(err.Error())
	}
	if rv := requested.Metadata.ResourceVersion; rv != "" && rv != old.GetResourceVersion() {
		return nil, apierrors.NewConflict(groupResource(res), name, errors.New("the object has been modified; please apply your changes to the latest version and try again"))
	}

	original, err := old.MarshalJSON()
	if err != nil {
		return nil, err
	}
	merged, err := jsonpatch.MergePatch(original, body)
	if err != nil {
		return nil, apierrors.NewBadRequest(fmt.Sprintf("invalid merge patch: %v", err))
	}
	updated := &unstructured.Unstructured{}
	if err := updated.UnmarshalJSON(merged); err != nil {
		return nil, apierrors.NewBadRequest(err.Error())
	}
	preserveSystemFields(old, updated)
	updated.SetResourceVersion(c.nextVersion())

	if updated.GetDeletionTimestamp() != nil && len(updated.GetFinalizers()) == 0 {
		delete(s, key)
		c.emit(res, watch.Deleted, updated)
		return updated.DeepCopy(), nil
	}
	s[key] = updated
	c.emit(res, watch.Modified, updated)
	return updated.DeepCopy(), nil
}

func (c *Cluster) Delete(_ context.Context, res resource.Resource, target client.Target) error {
	namespace, name, err := target.Resolve()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := types.NamespacedName{Namespace: namespace, Name: name}
	s := c.store(res)
	obj, ok := s[key]
	if !ok {
		return apierrors.NewNotFound(groupResource(res), name)
	}
	if len(obj.GetFinalizers()) == 0 {
		delete(s, key)
		deleted := obj.DeepCopy()
		deleted.SetResourceVersion(c.nextVersion())
		c.emit(res, watch.Deleted, deleted)
		return nil
	}
	if obj.GetDeletionTimestamp() != nil {
		return nil
	}
	updated := obj.DeepCopy()
	now := metav1.NewTime(c.Clock.Now())
	updated.SetDeletionTimestamp(&now)
	updated.SetResourceVersion(c.nextVersion())
	s[key] = updated
	c.emit(res, watch.Modified, updated)
	return nil
}

// preserveSystemFields restores the fields clients can not change.
func preserveSystemFields(old, updated *unstructured.Unstructured) {
	updated.SetUID(old.GetUID())
	updated.SetName(old.GetName())
	updated.SetNamespace(old.GetNamespace())
	updated.SetCreationTimestamp(old.GetCreationTimestamp())
	updated.SetDeletionTimestamp(old.GetDeletionTimestamp())
	if updated.GetAPIVersion() == "" {
		updated.SetAPIVersion(old.GetAPIVersion())
	}
	if updated.GetKind() == "" {
		updated.SetKind(old.GetKind())
	}
}
