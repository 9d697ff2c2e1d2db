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

package watch

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/wait"
	apiwatch "k8s.io/apimachinery/pkg/watch"
	clocktesting "k8s.io/utils/clock/testing"

	"sigs.k8s.io/handler-runtime/pkg/client"
	"sigs.k8s.io/handler-runtime/pkg/client/fake"
	"sigs.k8s.io/handler-runtime/pkg/event"
	"sigs.k8s.io/handler-runtime/pkg/resource"
)

var kopfexamples = resource.Resource{Group: "kopf.dev", Version: "v1", Plural: "kopfexamples", Namespaced: true}

func newObject(name string) *unstructured.Unstructured {
	obj := &unstructured.Unstructured{}
	obj.SetAPIVersion("kopf.dev/v1")
	obj.SetKind("KopfExample")
	obj.SetNamespace("ns1")
	obj.SetName(name)
	_ = unstructured.SetNestedField(obj.Object, int64(1), "spec", "field")
	return obj
}

// recorder collects events delivered to the sink.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) sink(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) summary() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		s := string(ev.Type)
		if ev.Object != nil {
			s += " " + ev.Object.GetName()
		}
		if ev.Synthetic {
			s += " (synthetic)"
		}
		out = append(out, s)
	}
	return out
}

var fastBackoff = wait.Backoff{Duration: time.Second, Factor: 1, Steps: 1 << 20}

var _ = Describe("Consumer", func() {
	var (
		ctx     context.Context
		cancel  context.CancelFunc
		cluster *fake.Cluster
		clock   *clocktesting.FakeClock
		rec     *recorder
		done    chan error
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		cluster = fake.NewCluster()
		clock = clocktesting.NewFakeClock(time.Now())
		rec = &recorder{}
		done = make(chan error, 1)
	})

	AfterEach(func() {
		cancel()
		Eventually(done).Should(Receive(BeNil()))
	})

	run := func(c Client, opts Options) *Consumer {
		opts.Backoff = fastBackoff
		opts.Clock = clock
		consumer := NewConsumer(c, kopfexamples, opts)
		go func() {
			done <- consumer.Run(ctx, rec.sink)
		}()
		return consumer
	}

	It("should list first and then stream live changes", func() {
		_, err := cluster.Create(ctx, kopfexamples, newObject("b"))
		Expect(err).NotTo(HaveOccurred())
		_, err = cluster.Create(ctx, kopfexamples, newObject("a"))
		Expect(err).NotTo(HaveOccurred())

		consumer := run(cluster, Options{})
		Eventually(rec.summary).Should(Equal([]string{"ADDED a (synthetic)", "ADDED b (synthetic)"}))
		Expect(consumer.HasSynced()).To(BeTrue())
		Eventually(cluster.Watchers).Should(Equal(1))

		_, err = cluster.Create(ctx, kopfexamples, newObject("c"))
		Expect(err).NotTo(HaveOccurred())
		_, err = cluster.Patch(ctx, kopfexamples, client.ByName("ns1", "a"), "", []byte(`{"spec":{"field":2}}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(cluster.Delete(ctx, kopfexamples, client.ByName("ns1", "b"))).To(Succeed())

		Eventually(rec.summary).Should(Equal([]string{
			"ADDED a (synthetic)", "ADDED b (synthetic)",
			"ADDED c", "MODIFIED a", "DELETED b",
		}))
	})

	It("should resume from the last seen version after the server ends the stream", func() {
		run(cluster, Options{})
		Eventually(cluster.Watchers).Should(Equal(1))

		_, err := cluster.Create(ctx, kopfexamples, newObject("a"))
		Expect(err).NotTo(HaveOccurred())
		Eventually(rec.summary).Should(Equal([]string{"ADDED a"}))

		cluster.CloseWatches()
		Eventually(clock.HasWaiters).Should(BeTrue())

		By("changing the object while nobody is watching")
		_, err = cluster.Patch(ctx, kopfexamples, client.ByName("ns1", "a"), "", []byte(`{"spec":{"field":2}}`))
		Expect(err).NotTo(HaveOccurred())

		clock.Step(time.Second)
		Eventually(rec.summary).Should(Equal([]string{"ADDED a", "MODIFIED a"}))
	})

	It("should relist and report vanished objects once the resume version expired", func() {
		_, err := cluster.Create(ctx, kopfexamples, newObject("a"))
		Expect(err).NotTo(HaveOccurred())
		_, err = cluster.Create(ctx, kopfexamples, newObject("b"))
		Expect(err).NotTo(HaveOccurred())

		run(cluster, Options{})
		Eventually(rec.summary).Should(HaveLen(2))
		Eventually(cluster.Watchers).Should(Equal(1))

		cluster.CloseWatches()
		Eventually(clock.HasWaiters).Should(BeTrue())

		By("deleting one object and compacting the history while disconnected")
		Expect(cluster.Delete(ctx, kopfexamples, client.ByName("ns1", "a"))).To(Succeed())
		_, err = cluster.Create(ctx, kopfexamples, newObject("c"))
		Expect(err).NotTo(HaveOccurred())
		cluster.Compact()

		clock.Step(time.Second)
		Eventually(rec.summary).Should(Equal([]string{
			"ADDED a (synthetic)", "ADDED b (synthetic)",
			"GONE",
			"ADDED b (synthetic)", "ADDED c (synthetic)",
			"DELETED a (synthetic)",
		}))
	})

	It("should relist when the stream ends with an expired error event", func() {
		_, err := cluster.Create(ctx, kopfexamples, newObject("a"))
		Expect(err).NotTo(HaveOccurred())

		run(cluster, Options{})
		Eventually(cluster.Watchers).Should(Equal(1))

		cluster.ExpireWatches()
		Eventually(rec.summary).Should(Equal([]string{
			"ADDED a (synthetic)", "GONE", "ADDED a (synthetic)",
		}))
	})

	It("should watch from a known version without listing", func() {
		_, err := cluster.Create(ctx, kopfexamples, newObject("a"))
		Expect(err).NotTo(HaveOccurred())
		since := cluster.ResourceVersion()
		_, err = cluster.Create(ctx, kopfexamples, newObject("b"))
		Expect(err).NotTo(HaveOccurred())

		consumer := run(cluster, Options{SinceVersion: since})
		Expect(consumer.HasSynced()).To(BeTrue())
		Eventually(rec.summary).Should(Equal([]string{"ADDED b"}))
	})

	Context("with a scripted stream", func() {
		var scripted *scriptedClient

		BeforeEach(func() {
			scripted = &scriptedClient{Cluster: cluster, streams: make(chan *apiwatch.FakeWatcher, 4)}
		})

		It("should surface other errors and reconnect", func() {
			first := apiwatch.NewFakeWithChanSize(2, false)
			scripted.streams <- first
			run(scripted, Options{})

			Eventually(scripted.calls).Should(Equal(1))
			first.Error(&apierrors.NewInternalError(context.DeadlineExceeded).ErrStatus)

			Eventually(rec.summary).Should(Equal([]string{"ERROR"}))
			Eventually(clock.HasWaiters).Should(BeTrue())

			scripted.streams <- apiwatch.NewFakeWithChanSize(2, false)
			clock.Step(time.Second)
			Eventually(scripted.calls).Should(Equal(2))
		})

		It("should advance the resume version on bookmarks", func() {
			first := apiwatch.NewFakeWithChanSize(2, false)
			scripted.streams <- first
			run(scripted, Options{AllowBookmarks: true})

			Eventually(scripted.calls).Should(Equal(1))
			bookmark := &unstructured.Unstructured{}
			bookmark.SetResourceVersion("42")
			first.Action(apiwatch.Bookmark, bookmark)
			first.Stop()

			Eventually(clock.HasWaiters).Should(BeTrue())
			scripted.streams <- apiwatch.NewFakeWithChanSize(2, false)
			clock.Step(time.Second)

			Eventually(scripted.lastOptions).Should(HaveField("ResourceVersion", "42"))
			Expect(scripted.lastOptions().AllowBookmarks).To(BeTrue())
			Expect(rec.summary()).To(BeEmpty())
		})
	})
})

// scriptedClient lists from a fake cluster but serves watches from a queue of
// fake watchers.
type scriptedClient struct {
	*fake.Cluster

	streams chan *apiwatch.FakeWatcher

	mu      sync.Mutex
	n       int
	options client.WatchOptions
}

func (s *scriptedClient) Watch(ctx context.Context, _ resource.Resource, _ string, opts client.WatchOptions) (apiwatch.Interface, error) {
	s.mu.Lock()
	s.n++
	s.options = opts
	s.mu.Unlock()
	select {
	case w := <-s.streams:
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *scriptedClient) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

func (s *scriptedClient) lastOptions() client.WatchOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.options
}
