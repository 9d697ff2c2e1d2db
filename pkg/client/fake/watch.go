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
	"fmt"
	"strconv"
	"sync"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"

	"sigs.k8s.io/handler-runtime/pkg/client"
	"sigs.k8s.io/handler-runtime/pkg/resource"
)

func (c *Cluster) Watch(ctx context.Context, res resource.Resource, namespace string, opts client.WatchOptions) (watch.Interface, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	since := c.rv
	if opts.ResourceVersion != "" && opts.ResourceVersion != "0" {
		rv, err := strconv.ParseUint(opts.ResourceVersion, 10, 64)
		if err != nil {
			return nil, apierrors.NewBadRequest(fmt.Sprintf("invalid resourceVersion %q", opts.ResourceVersion))
		}
		if rv < c.floor {
			return nil, apierrors.NewResourceExpired(fmt.Sprintf("too old resource version: %d (%d)", rv, c.floor))
		}
		since = rv
	}

	w := &fakeWatcher{
		cluster:   c,
		gvr:       res.GroupVersionResource(),
		namespace: namespace,
		signal:    make(chan struct{}, 1),
		result:    make(chan watch.Event),
		stopped:   make(chan struct{}),
	}
	for _, h := range c.history {
		if h.rv > since && w.matches(h.gvr, h.event) {
			w.pending = append(w.pending, h.event)
		}
	}
	c.watchers[w] = struct{}{}
	w.notify()

	go w.pump()
	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.stopped:
		}
	}()
	return w, nil
}

// emit records the event and fans it out. c.mu must be held.
func (c *Cluster) emit(res resource.Resource, typ watch.EventType, obj *unstructured.Unstructured) {
	gvr := res.GroupVersionResource()
	ev := watch.Event{Type: typ, Object: obj.DeepCopy()}
	c.history = append(c.history, historyEntry{gvr: gvr, rv: c.rv, event: ev})
	for w := range c.watchers {
		if w.matches(gvr, ev) {
			w.push(watch.Event{Type: typ, Object: obj.DeepCopy()})
		}
	}
}

// Compact drops the event history. Watches resuming from any earlier
// resourceVersion fail with Expired afterwards.
func (c *Cluster) Compact() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compact()
}

func (c *Cluster) compact() {
	c.history = nil
	c.floor = c.rv
}

// ExpireWatches compacts the history and ends every open watch with an
// Expired error event, the way the API server does when a watch falls behind.
func (c *Cluster) ExpireWatches() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compact()
	status := apierrors.NewResourceExpired("too old resource version").ErrStatus
	for w := range c.watchers {
		w.push(watch.Event{Type: watch.Error, Object: status.DeepCopy()})
		w.closeAfterDrain()
		delete(c.watchers, w)
	}
}

// CloseWatches ends every open watch without an error, like a server-side
// timeout.
func (c *Cluster) CloseWatches() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for w := range c.watchers {
		w.closeAfterDrain()
		delete(c.watchers, w)
	}
}

// Watchers returns the number of open watches.
func (c *Cluster) Watchers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.watchers)
}

func (c *Cluster) removeWatcher(w *fakeWatcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.watchers, w)
}

var _ watch.Interface = &fakeWatcher{}

// fakeWatcher buffers events without bound so that writes to the cluster
// never block on slow consumers.
type fakeWatcher struct {
	cluster   *Cluster
	gvr       schema.GroupVersionResource
	namespace string

	mu       sync.Mutex
	pending  []watch.Event
	draining bool

	signal   chan struct{}
	result   chan watch.Event
	stopped  chan struct{}
	stopOnce sync.Once
}

func (w *fakeWatcher) matches(gvr schema.GroupVersionResource, ev watch.Event) bool {
	if gvr != w.gvr {
		return false
	}
	if w.namespace == "" {
		return true
	}
	obj, ok := ev.Object.(*unstructured.Unstructured)
	return ok && obj.GetNamespace() == w.namespace
}

func (w *fakeWatcher) push(ev watch.Event) {
	w.mu.Lock()
	w.pending = append(w.pending, ev)
	w.mu.Unlock()
	w.notify()
}

func (w *fakeWatcher) closeAfterDrain() {
	w.mu.Lock()
	w.draining = true
	w.mu.Unlock()
	w.notify()
}

func (w *fakeWatcher) notify() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *fakeWatcher) pump() {
	defer close(w.result)
	for {
		select {
		case <-w.stopped:
			return
		case <-w.signal:
		}
		for {
			w.mu.Lock()
			if len(w.pending) == 0 {
				draining := w.draining
				w.mu.Unlock()
				if draining {
					return
				}
				break
			}
			ev := w.pending[0]
			w.pending = w.pending[1:]
			w.mu.Unlock()

			select {
			case w.result <- ev:
			case <-w.stopped:
				return
			}
		}
	}
}

func (w *fakeWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopped)
		w.cluster.removeWatcher(w)
	})
}

func (w *fakeWatcher) ResultChan() <-chan watch.Event {
	return w.result
}
