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

// Package watch turns the cluster's list and watch API into a continuous,
// gap-free stream of events for one resource.
//
// The consumer lists the resource first and then watches from the list's
// resourceVersion. Ended streams are resumed from the last seen version. When
// that version has expired, the consumer relists and reconciles the listing
// against what it has seen before, so that no change is ever skipped silently:
// objects that vanished in the gap are reported as deleted.
package watch

import (
	"context"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/util/wait"
	apiwatch "k8s.io/apimachinery/pkg/watch"
	"k8s.io/utils/clock"

	"sigs.k8s.io/handler-runtime/pkg/client"
	"sigs.k8s.io/handler-runtime/pkg/event"
	logf "sigs.k8s.io/handler-runtime/pkg/log"
	"sigs.k8s.io/handler-runtime/pkg/metrics"
	"sigs.k8s.io/handler-runtime/pkg/resource"
)

// healthyStreamDuration is how long a stream must have lived, if it delivered
// nothing, for the reconnect backoff to be reset.
const healthyStreamDuration = time.Second

// DefaultBackoff is the reconnect backoff used when Options.Backoff is unset.
var DefaultBackoff = wait.Backoff{
	Duration: time.Second,
	Factor:   2,
	Jitter:   0.1,
	Steps:    math.MaxInt32,
	Cap:      60 * time.Second,
}

// Client is the part of the cluster API the consumer needs.
type Client interface {
	client.Reader
	client.Watcher
}

// Options configure a Consumer.
type Options struct {
	// Namespace restricts the consumer to one namespace. Empty means all
	// namespaces, or the cluster scope for cluster-scoped resources.
	Namespace string

	// SinceVersion starts watching from a known resourceVersion instead of
	// listing first.
	SinceVersion string

	// Backoff paces reconnects. It is reset after every healthy stream.
	Backoff wait.Backoff

	// ServerTimeout asks the server to end each stream after this long.
	ServerTimeout time.Duration

	// AllowBookmarks asks the server for bookmark events.
	AllowBookmarks bool

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Log defaults to a logger named after the resource.
	Log *logr.Logger
}

// Consumer produces the event stream of one resource.
type Consumer struct {
	client Client
	res    resource.Resource
	opts   Options
	log    logr.Logger

	// resourceVersion is the position the next watch resumes from.
	resourceVersion string

	// known holds the last snapshot of every object seen and not yet deleted.
	known map[resource.ObjectKey]*unstructured.Unstructured

	synced atomic.Bool
}

// NewConsumer returns a consumer of res.
func NewConsumer(c Client, res resource.Resource, opts Options) *Consumer {
	if opts.Backoff.Duration == 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Backoff.Steps == 0 {
		opts.Backoff.Steps = math.MaxInt32
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	log := logf.Log.WithName("watch").WithValues("resource", res.String())
	if opts.Log != nil {
		log = *opts.Log
	}
	consumer := &Consumer{
		client:          c,
		res:             res,
		opts:            opts,
		log:             log,
		resourceVersion: opts.SinceVersion,
		known:           map[resource.ObjectKey]*unstructured.Unstructured{},
	}
	consumer.synced.Store(opts.SinceVersion != "")
	return consumer
}

// Run delivers events to sink until ctx is done. sink is called from a
// single goroutine, in stream order. Run only returns once ctx is done.
func (c *Consumer) Run(ctx context.Context, sink func(event.Event)) error {
	needList := c.resourceVersion == ""
	backoff := c.opts.Backoff

	for {
		if ctx.Err() != nil {
			return nil
		}

		if needList {
			if err := c.relist(ctx, sink); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.log.Error(err, "Listing failed, retrying")
				sink(event.Event{Type: event.Error, Err: err})
				if !c.sleep(ctx, backoff.Step()) {
					return nil
				}
				continue
			}
			needList = false
		}

		healthy, err := c.watch(ctx, sink)
		if ctx.Err() != nil {
			return nil
		}
		if healthy {
			backoff = c.opts.Backoff
		}

		switch {
		case err == nil:
			c.log.V(1).Info("Watch stream ended, resuming", "resourceVersion", c.resourceVersion)
			metrics.WatchRestarts.WithLabelValues(c.res.String(), "closed").Inc()
		case apierrors.IsResourceExpired(err) || apierrors.IsGone(err):
			c.log.Info("Resume version expired, relisting", "resourceVersion", c.resourceVersion)
			metrics.WatchRestarts.WithLabelValues(c.res.String(), "expired").Inc()
			sink(event.Event{Type: event.Gone, ResourceVersion: c.resourceVersion, Err: err})
			needList = true
			continue
		default:
			c.log.Error(err, "Watch stream failed, reconnecting", "resourceVersion", c.resourceVersion)
			metrics.WatchRestarts.WithLabelValues(c.res.String(), "error").Inc()
			sink(event.Event{Type: event.Error, ResourceVersion: c.resourceVersion, Err: err})
		}

		if !c.sleep(ctx, backoff.Step()) {
			return nil
		}
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	t := c.opts.Clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C():
		return true
	}
}

// relist lists the resource and reports the listing as synthetic events:
// Added for every present object and Deleted for every object seen before
// but missing now.
func (c *Consumer) relist(ctx context.Context, sink func(event.Event)) error {
	list, err := c.client.List(ctx, c.res, c.opts.Namespace)
	if err != nil {
		return err
	}
	metrics.Relists.WithLabelValues(c.res.String()).Inc()

	items := list.Items
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].GetNamespace() != items[j].GetNamespace() {
			return items[i].GetNamespace() < items[j].GetNamespace()
		}
		return items[i].GetName() < items[j].GetName()
	})

	present := make(map[resource.ObjectKey]*unstructured.Unstructured, len(items))
	for i := range items {
		obj := &items[i]
		present[resource.KeyOf(obj)] = obj
	}

	var vanished []*unstructured.Unstructured
	for key, obj := range c.known {
		if _, ok := present[key]; !ok {
			vanished = append(vanished, obj)
		}
	}
	sort.SliceStable(vanished, func(i, j int) bool {
		return resource.KeyOf(vanished[i]).String() < resource.KeyOf(vanished[j]).String()
	})

	c.known = present
	c.resourceVersion = list.GetResourceVersion()
	c.synced.Store(true)
	c.log.V(1).Info("Listed", "objects", len(items), "vanished", len(vanished), "resourceVersion", c.resourceVersion)

	for i := range items {
		c.deliver(sink, event.Event{
			Type:            event.Added,
			Object:          &items[i],
			ResourceVersion: items[i].GetResourceVersion(),
			Synthetic:       true,
		})
	}
	for _, obj := range vanished {
		c.deliver(sink, event.Event{
			Type:            event.Deleted,
			Object:          obj,
			ResourceVersion: c.resourceVersion,
			Synthetic:       true,
		})
	}
	return nil
}

// watch consumes one stream. It returns whether the stream was healthy, and
// the error that ended it, if any. A nil error means the server closed it.
func (c *Consumer) watch(ctx context.Context, sink func(event.Event)) (bool, error) {
	w, err := c.client.Watch(ctx, c.res, c.opts.Namespace, client.WatchOptions{
		ResourceVersion: c.resourceVersion,
		Timeout:         c.opts.ServerTimeout,
		AllowBookmarks:  c.opts.AllowBookmarks,
	})
	if err != nil {
		return false, err
	}
	defer w.Stop()

	started := c.opts.Clock.Now()
	delivered := false
	for {
		select {
		case <-ctx.Done():
			return delivered, ctx.Err()
		case ev, ok := <-w.ResultChan():
			if !ok {
				return delivered || c.opts.Clock.Since(started) >= healthyStreamDuration, nil
			}
			switch ev.Type {
			case apiwatch.Added, apiwatch.Modified, apiwatch.Deleted:
				obj, ok := ev.Object.(*unstructured.Unstructured)
				if !ok {
					c.log.Info("Ignoring unexpected object in watch stream", "type", ev.Type)
					continue
				}
				c.resourceVersion = obj.GetResourceVersion()
				key := resource.KeyOf(obj)
				typ := event.Type(ev.Type)
				if ev.Type == apiwatch.Deleted {
					delete(c.known, key)
				} else {
					c.known[key] = obj
				}
				c.deliver(sink, event.Event{Type: typ, Object: obj, ResourceVersion: c.resourceVersion})
				delivered = true
			case apiwatch.Bookmark:
				if accessor, err := meta.Accessor(ev.Object); err == nil && accessor.GetResourceVersion() != "" {
					c.resourceVersion = accessor.GetResourceVersion()
				}
			case apiwatch.Error:
				return delivered, apierrors.FromObject(ev.Object)
			}
		}
	}
}

func (c *Consumer) deliver(sink func(event.Event), ev event.Event) {
	metrics.WatchEvents.WithLabelValues(c.res.String(), string(ev.Type)).Inc()
	sink(ev)
}

// HasSynced returns true once the first listing was delivered. It is safe
// to call while Run is active.
func (c *Consumer) HasSynced() bool {
	return c.synced.Load()
}

// ResourceVersion returns the position the consumer would resume from. It
// must not be called while Run is active.
func (c *Consumer) ResourceVersion() string {
	return c.resourceVersion
}
