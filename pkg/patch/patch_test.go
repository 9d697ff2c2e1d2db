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

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"sigs.k8s.io/handler-runtime/pkg/client"
	"sigs.k8s.io/handler-runtime/pkg/client/fake"
	"sigs.k8s.io/handler-runtime/pkg/metrics"
	"sigs.k8s.io/handler-runtime/pkg/resource"
)

var examples = resource.Resource{Group: "kopf.dev", Version: "v1", Plural: "kopfexamples", Namespaced: true}

var _ = Describe("Patch", func() {
	It("should start empty", func() {
		p := New()
		Expect(p.IsEmpty()).To(BeTrue())
		Expect(p.Bytes()).To(MatchJSON(`{}`))

		var zero Patch
		Expect(zero.IsEmpty()).To(BeTrue())
	})

	It("should accumulate fields, removals and annotations", func() {
		p := New()
		p.Set([]string{"spec", "replicas"}, 3)
		p.Remove([]string{"spec", "obsolete"})
		p.SetAnnotation("handler-runtime.k8s.io/scale", `{"state":"succeeded"}`)
		p.RemoveAnnotation("handler-runtime.k8s.io/old")
		p.SetFinalizers(nil)
		p.SetStatus(map[string]interface{}{"scale": map[string]interface{}{"replicas": 3}})

		Expect(p.IsEmpty()).To(BeFalse())
		Expect(p.Bytes()).To(MatchJSON(`{
			"spec": {"replicas": 3, "obsolete": null},
			"metadata": {
				"annotations": {"handler-runtime.k8s.io/scale": "{\"state\":\"succeeded\"}", "handler-runtime.k8s.io/old": null},
				"finalizers": []
			},
			"status": {"scale": {"replicas": 3}}
		}`))
		v, ok := p.Get("spec", "replicas")
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(int64(3)))
	})

	It("should merge fragments recursively", func() {
		p := New()
		p.SetStatus(map[string]interface{}{"a": map[string]interface{}{"x": 1}})
		p.SetStatus(map[string]interface{}{"a": map[string]interface{}{"y": 2}, "b": "c"})
		p.Merge(map[string]interface{}{"status": map[string]interface{}{"b": nil}})
		Expect(p.Bytes()).To(MatchJSON(`{"status": {"a": {"x": 1, "y": 2}, "b": null}}`))
	})

	It("should forget what it holds", func() {
		p := New()
		p.SetAnnotation("a", "b")
		p.Forget([]string{"metadata", "annotations", "a"})
		p.Forget([]string{"missing", "path"})
		Expect(p.IsEmpty()).To(BeTrue())
	})

	It("should report values that are not JSON", func() {
		p := New()
		p.Set([]string{"spec", "ch"}, make(chan int))
		Expect(p.Err()).To(HaveOccurred())
		_, err := p.Bytes()
		Expect(err).To(HaveOccurred())
	})

	It("should copy deeply", func() {
		p := New()
		p.SetStatus(map[string]interface{}{"a": map[string]interface{}{"x": 1}})
		c := p.Copy()
		c.SetStatus(map[string]interface{}{"a": map[string]interface{}{"x": 2}})
		Expect(p.Bytes()).To(MatchJSON(`{"status": {"a": {"x": 1}}}`))
		Expect(c.Bytes()).To(MatchJSON(`{"status": {"a": {"x": 2}}}`))
	})

	It("should combine patches in order", func() {
		first := New()
		first.SetStatus(map[string]interface{}{"a": 1, "b": 1})
		second := New()
		second.SetStatus(map[string]interface{}{"b": 2})
		second.SetAnnotation("k", "v")

		combined, err := first.Combine(second)
		Expect(err).NotTo(HaveOccurred())
		Expect(combined.Bytes()).To(MatchJSON(`{"status": {"a": 1, "b": 2}, "metadata": {"annotations": {"k": "v"}}}`))
	})

	It("should apply to an object", func() {
		obj := &unstructured.Unstructured{Object: map[string]interface{}{
			"metadata": map[string]interface{}{"name": "a", "annotations": map[string]interface{}{"x": "y"}},
			"spec":     map[string]interface{}{"replicas": int64(1)},
		}}
		p := New()
		p.Set([]string{"spec", "replicas"}, 2)
		p.RemoveAnnotation("x")

		out, err := p.Apply(obj)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.GetAnnotations()).To(BeEmpty())
		Expect(out.Object["spec"]).To(Equal(map[string]interface{}{"replicas": int64(2)}))
		Expect(obj.GetAnnotations()).To(HaveKey("x"))
	})
})

var _ = Describe("Applier", func() {
	var (
		ctx     context.Context
		cluster *fake.Cluster
		obj     *unstructured.Unstructured
		applier *Applier
	)

	setReplicas := func(n int) BuildFunc {
		return func(*unstructured.Unstructured) (*Patch, error) {
			p := New()
			p.SetStatus(map[string]interface{}{"replicas": n})
			return p, nil
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		cluster = fake.NewCluster()
		created := &unstructured.Unstructured{}
		created.SetKind("KopfExample")
		created.SetNamespace("default")
		created.SetName("kopf-example-1")
		var err error
		obj, err = cluster.Create(ctx, examples, created)
		Expect(err).NotTo(HaveOccurred())
		applier = &Applier{Client: cluster, Resource: examples}
	})

	It("should patch conditioned on the resourceVersion", func() {
		updated, err := applier.Apply(ctx, obj, setReplicas(3))
		Expect(err).NotTo(HaveOccurred())
		Expect(updated.Object["status"]).To(Equal(map[string]interface{}{"replicas": int64(3)}))

		patches := cluster.Patches()
		Expect(patches).To(HaveLen(1))
		Expect(patches[0].ResourceVersion).To(Equal(obj.GetResourceVersion()))
	})

	It("should not send empty patches", func() {
		out, err := applier.Apply(ctx, obj, func(*unstructured.Unstructured) (*Patch, error) {
			return New(), nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(BeIdenticalTo(obj))
		Expect(cluster.Patches()).To(BeEmpty())
	})

	It("should re-read and rebuild once per conflict", func() {
		stale := obj.DeepCopy()
		obj.Object["spec"] = map[string]interface{}{"replicas": int64(5)}
		_, err := cluster.Update(ctx, examples, obj)
		Expect(err).NotTo(HaveOccurred())

		before := testutil.ToFloat64(metrics.Patches.WithLabelValues(examples.String(), metrics.PatchConflict))
		var seen []string
		updated, err := applier.Apply(ctx, stale, func(current *unstructured.Unstructured) (*Patch, error) {
			seen = append(seen, current.GetResourceVersion())
			replicas, _, _ := unstructured.NestedInt64(current.Object, "spec", "replicas")
			p := New()
			p.SetStatus(map[string]interface{}{"replicas": replicas})
			return p, nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(seen).To(HaveLen(2))
		Expect(seen[0]).To(Equal(stale.GetResourceVersion()))
		Expect(updated.Object["status"]).To(Equal(map[string]interface{}{"replicas": int64(5)}))
		Expect(testutil.ToFloat64(metrics.Patches.WithLabelValues(examples.String(), metrics.PatchConflict))).To(Equal(before + 1))
	})

	It("should give up after the attempt cap", func() {
		conflict := apierrors.NewConflict(examples.GroupVersionResource().GroupResource(), "kopf-example-1", errors.New("changed"))
		cluster.AddPatchReactor(func(_, _ string, _ []byte) error { return conflict })

		builds := 0
		_, err := applier.Apply(ctx, obj, func(o *unstructured.Unstructured) (*Patch, error) {
			builds++
			return setReplicas(1)(o)
		})
		Expect(err).To(MatchError(ErrConflictRetriesExhausted))
		Expect(builds).To(Equal(DefaultMaxAttempts))
		Expect(cluster.Patches()).To(HaveLen(DefaultMaxAttempts))
	})

	It("should treat a vanished object as done", func() {
		Expect(cluster.Delete(ctx, examples, client.ByBody(obj))).To(Succeed())
		out, err := applier.Apply(ctx, obj, setReplicas(1))
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(BeNil())
	})

	It("should surface other errors", func() {
		cluster.AddPatchReactor(func(_, _ string, _ []byte) error { return apierrors.NewBadRequest("nope") })
		_, err := applier.Apply(ctx, obj, setReplicas(1))
		Expect(apierrors.IsBadRequest(errors.Unwrap(err))).To(BeTrue())
	})

	It("should fail before sending if the builder fails", func() {
		_, err := applier.Apply(ctx, obj, func(*unstructured.Unstructured) (*Patch, error) {
			return nil, errors.New("cannot build")
		})
		Expect(err).To(MatchError("cannot build"))
		Expect(cluster.Patches()).To(BeEmpty())
	})
})
