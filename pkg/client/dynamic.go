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
	"context"
	"encoding/json"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/utils/ptr"

	"sigs.k8s.io/handler-runtime/pkg/resource"
)

// NewForConfig returns a Client talking to the API server described by config.
func NewForConfig(config *rest.Config) (Client, error) {
	dc, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to init client: %w", err)
	}
	return New(dc), nil
}

// New returns a Client backed by a dynamic client.
func New(dc dynamic.Interface) Client {
	return &dynamicClient{dc: dc}
}

var _ Client = &dynamicClient{}

type dynamicClient struct {
	dc dynamic.Interface
}

// resourceFor picks the cluster-scoped endpoint when namespace is empty and the
// namespaced one otherwise.
func (c *dynamicClient) resourceFor(res resource.Resource, namespace string) dynamic.ResourceInterface {
	nri := c.dc.Resource(res.GroupVersionResource())
	if namespace == "" {
		return nri
	}
	return nri.Namespace(namespace)
}

func (c *dynamicClient) List(ctx context.Context, res resource.Resource, namespace string) (*unstructured.UnstructuredList, error) {
	return c.resourceFor(res, namespace).List(ctx, metav1.ListOptions{})
}

func (c *dynamicClient) Watch(ctx context.Context, res resource.Resource, namespace string, opts WatchOptions) (watch.Interface, error) {
	lo := metav1.ListOptions{
		ResourceVersion:     opts.ResourceVersion,
		AllowWatchBookmarks: opts.AllowBookmarks,
	}
	if opts.Timeout > 0 {
		lo.TimeoutSeconds = ptr.To(int64(opts.Timeout.Seconds()))
	}
	return c.resourceFor(res, namespace).Watch(ctx, lo)
}

func (c *dynamicClient) Get(ctx context.Context, res resource.Resource, target Target) (*unstructured.Unstructured, error) {
	namespace, name, err := target.Resolve()
	if err != nil {
		return nil, err
	}
	return c.resourceFor(res, namespace).Get(ctx, name, metav1.GetOptions{})
}

func (c *dynamicClient) Patch(ctx context.Context, res resource.Resource, target Target, resourceVersion string, patch []byte) (*unstructured.Unstructured, error) {
	namespace, name, err := target.Resolve()
	if err != nil {
		return nil, err
	}
	main, status, err := splitStatus(res, patch)
	if err != nil {
		return nil, err
	}

	// Status goes first: if it fails, nothing of the pass is committed and
	// the handlers that produced it run again.
	ri := c.resourceFor(res, namespace)
	var obj *unstructured.Unstructured
	if status != nil {
		body, err := Conditional(status, resourceVersion)
		if err != nil {
			return nil, err
		}
		obj, err = ri.Patch(ctx, name, types.MergePatchType, body, metav1.PatchOptions{}, "status")
		if err != nil {
			return nil, err
		}
		resourceVersion = obj.GetResourceVersion()
	}
	if main != nil {
		body, err := Conditional(main, resourceVersion)
		if err != nil {
			return nil, err
		}
		obj, err = ri.Patch(ctx, name, types.MergePatchType, body, metav1.PatchOptions{})
		if err != nil {
			return nil, err
		}
	}
	return obj, nil
}

func (c *dynamicClient) Delete(ctx context.Context, res resource.Resource, target Target) error {
	namespace, name, err := target.Resolve()
	if err != nil {
		return err
	}
	return c.resourceFor(res, namespace).Delete(ctx, name, metav1.DeleteOptions{})
}

// splitStatus separates the status stanza of a merge patch for resources that
// serve status through the status subresource. Either part may be nil.
func splitStatus(res resource.Resource, patch []byte) (main, status []byte, err error) {
	if !res.StatusSubresource {
		return patch, nil, nil
	}
	body := map[string]interface{}{}
	if err := json.Unmarshal(patch, &body); err != nil {
		return nil, nil, fmt.Errorf("patch is not a JSON object: %w", err)
	}
	s, ok := body["status"]
	if !ok {
		return patch, nil, nil
	}
	delete(body, "status")
	if status, err = json.Marshal(map[string]interface{}{"status": s}); err != nil {
		return nil, nil, err
	}
	if len(body) == 0 {
		return nil, status, nil
	}
	if main, err = json.Marshal(body); err != nil {
		return nil, nil, err
	}
	return main, status, nil
}
