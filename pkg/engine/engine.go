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

// Package engine wires the watch streams, the per-object queues and the
// reconciliation passes of all registered resources together.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/utils/clock"

	"sigs.k8s.io/handler-runtime/pkg/client"
	"sigs.k8s.io/handler-runtime/pkg/config"
	"sigs.k8s.io/handler-runtime/pkg/event"
	"sigs.k8s.io/handler-runtime/pkg/finalizer"
	"sigs.k8s.io/handler-runtime/pkg/handler"
	"sigs.k8s.io/handler-runtime/pkg/healthz"
	"sigs.k8s.io/handler-runtime/pkg/internal/wakeup"
	"sigs.k8s.io/handler-runtime/pkg/invoke"
	logf "sigs.k8s.io/handler-runtime/pkg/log"
	"sigs.k8s.io/handler-runtime/pkg/notice"
	"sigs.k8s.io/handler-runtime/pkg/patch"
	"sigs.k8s.io/handler-runtime/pkg/progress"
	"sigs.k8s.io/handler-runtime/pkg/queue"
	"sigs.k8s.io/handler-runtime/pkg/resource"
	"sigs.k8s.io/handler-runtime/pkg/watch"
)

// Options are the collaborators of an Engine.
type Options struct {
	// Notices receives notices about objects. Defaults to logging them.
	Notices notice.Sink

	// Log defaults to the handler-runtime root logger.
	Log *logr.Logger

	// Clock defaults to the real clock.
	Clock clock.Clock
}

// Engine reconciles the objects of the registered resources.
type Engine struct {
	client   client.Client
	settings config.Settings
	opts     Options
	log      logr.Logger

	mu          sync.Mutex
	started     bool
	controllers []*controller
}

// New returns an Engine talking to the cluster through c.
func New(c client.Client, settings config.Settings, opts Options) (*Engine, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	log := logf.Log.WithName("engine")
	if opts.Log != nil {
		log = *opts.Log
	}
	if opts.Notices == nil {
		opts.Notices = notice.LogSink{Log: log.WithName("notices")}
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Engine{client: c, settings: settings, opts: opts, log: log}, nil
}

// Register adds the handlers of a resource. All resources must be registered
// before Start.
func (e *Engine) Register(res resource.Resource, registry *handler.Registry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("resources must be registered before the engine starts")
	}
	if registry == nil {
		return fmt.Errorf("no handlers given for %s", res)
	}
	for _, c := range e.controllers {
		if c.res == res {
			return fmt.Errorf("%s is already registered", res)
		}
	}
	e.controllers = append(e.controllers, e.newController(res, registry))
	return nil
}

// Start runs the engine until ctx is done. It waits for passes in progress
// to finish before returning.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine was already started")
	}
	e.started = true
	controllers := append([]*controller(nil), e.controllers...)
	e.mu.Unlock()

	if len(controllers) == 0 {
		return errors.New("no resources registered")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range controllers {
		c.registry.Freeze()
		e.log.Info("Starting", "resource", c.res.String(), "handlers", len(c.registry.Handlers()))
		c.start(ctx, g)
	}
	err := g.Wait()
	e.log.Info("Stopped")
	return err
}

// ReadyCheck reports ready once every registered resource was listed.
func (e *Engine) ReadyCheck() healthz.Checker {
	return healthz.NamedCheck("watches", func(*http.Request) error {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.started {
			return errors.New("engine not started")
		}
		for _, c := range e.controllers {
			if !c.consumer.HasSynced() {
				return fmt.Errorf("%s not listed yet", c.res)
			}
		}
		return nil
	})
}

// controller runs one resource.
type controller struct {
	res       resource.Resource
	registry  *handler.Registry
	log       logr.Logger
	consumer  *watch.Consumer
	queue     *queue.Queue
	wakeups   wakeup.Queue[resource.ObjectKey]
	processor *Processor

	mu        sync.Mutex
	snapshots map[resource.ObjectKey]event.Event
}

func (e *Engine) newController(res resource.Resource, registry *handler.Registry) *controller {
	s := e.settings
	log := e.log.WithValues("resource", res.String())
	c := &controller{
		res:       res,
		registry:  registry,
		log:       log,
		snapshots: map[resource.ObjectKey]event.Event{},
	}

	backoff := watch.DefaultBackoff
	backoff.Duration = s.Watching.ReconnectBackoff.Duration
	backoff.Cap = s.Watching.MaxReconnectBackoff.Duration
	watchLog := log.WithName("watch")
	c.consumer = watch.NewConsumer(e.client, res, watch.Options{
		Namespace:      s.Watching.Namespace,
		Backoff:        backoff,
		ServerTimeout:  s.Watching.ServerTimeout.Duration,
		AllowBookmarks: s.Watching.AllowBookmarks,
		Clock:          e.opts.Clock,
		Log:            &watchLog,
	})

	store := progress.AnnotationsStore{Prefix: s.Persistence.AnnotationPrefix}
	c.processor = &Processor{
		Resource:  res,
		Client:    e.client,
		Registry:  registry,
		Store:     store,
		Finalizer: finalizer.Manager{Name: s.Persistence.Finalizer},
		Pipeline: invoke.New(invoke.Options{
			Resource:   res,
			Timeout:    s.Execution.DefaultTimeout.Duration,
			Backoff:    s.Execution.DefaultBackoff.Duration,
			MaxBackoff: s.Execution.MaxBackoff.Duration,
			Notices:    e.opts.Notices,
			Clock:      e.opts.Clock,
		}),
		Applier: &patch.Applier{
			Client:      e.client,
			Resource:    res,
			MaxAttempts: s.Patching.MaxAttempts,
			Log:         log.WithName("patch"),
		},
		Notices:   e.opts.Notices,
		Scheduler: c,
		Clock:     e.opts.Clock,
		Log:       log.WithName("processor"),
	}

	batchWindow := s.Queueing.BatchWindow.Duration
	if batchWindow == 0 {
		batchWindow = -1
	}
	queueLog := log.WithName("queue")
	c.queue = queue.New(res.String(), c.process, queue.Options{
		IdleTimeout:     s.Queueing.IdleTimeout.Duration,
		BatchWindow:     batchWindow,
		MaxWorkers:      s.Queueing.MaxWorkers,
		ShutdownTimeout: s.Queueing.ShutdownTimeout.Duration,
		Log:             &queueLog,
	})
	c.wakeups = wakeup.New[resource.ObjectKey](res.String())
	return c
}

func (c *controller) start(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		return c.queue.Run(ctx)
	})
	g.Go(func() error {
		if err := c.consumer.Run(ctx, c.observe); err != nil {
			return fmt.Errorf("watching %s: %w", c.res, err)
		}
		return nil
	})
	g.Go(func() error {
		c.wakeUpLoop()
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		c.wakeups.ShutDown()
		return nil
	})
}

// observe receives the events of the watch stream.
func (c *controller) observe(ev event.Event) {
	switch ev.Type {
	case event.Gone:
		c.log.Info("Resynchronizing after the watch expired", "error", ev.Err)
		return
	case event.Error:
		c.log.Error(ev.Err, "Watch stream failed, reconnecting")
		return
	}
	if !ev.IsObjectEvent() {
		return
	}

	key := ev.Key()
	c.mu.Lock()
	if ev.Type == event.Deleted {
		delete(c.snapshots, key)
	} else {
		c.snapshots[key] = ev
	}
	c.mu.Unlock()
	c.queue.Enqueue(ev)
}

func (c *controller) process(ctx context.Context, ev event.Event) {
	if err := c.processor.Process(ctx, ev); err != nil {
		utilruntime.HandleError(fmt.Errorf("reconciling %s %s: %w", c.res, ev.Key(), err))
	}
}

// Schedule implements Scheduler.
func (c *controller) Schedule(key resource.ObjectKey, after time.Duration) {
	if after < 0 {
		after = 0
	}
	c.wakeups.AddAfter(key, after)
}

// Cancel implements Scheduler.
func (c *controller) Cancel(key resource.ObjectKey) {
	c.wakeups.Cancel(key)
}

// wakeUpLoop turns due wake-ups into events for the queue.
func (c *controller) wakeUpLoop() {
	defer utilruntime.HandleCrash()
	for c.wakeUpOne() {
	}
}

func (c *controller) wakeUpOne() bool {
	key, shutdown := c.wakeups.Get()
	if shutdown {
		return false
	}
	defer c.wakeups.Done(key)

	c.mu.Lock()
	last, ok := c.snapshots[key]
	c.mu.Unlock()
	if !ok {
		return true
	}
	c.log.V(1).Info("Waking up", "namespace", key.Namespace, "name", key.Name)
	c.queue.Enqueue(event.Event{
		Type:      event.Modified,
		Object:    last.Object,
		Synthetic: true,
		Refresh:   true,
	})
	return true
}
