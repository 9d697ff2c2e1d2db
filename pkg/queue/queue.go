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

// Package queue multiplexes the event stream of a resource into one worker
// per object.
//
// Events of the same object are processed one at a time, in arrival order.
// Objects never wait for each other: every object gets its own goroutine,
// created on its first event and retired once it has been idle for a while.
//
// A worker that falls behind does not accumulate stale snapshots. Added and
// Modified events that are still waiting collapse into the latest one, and a
// Deleted event supersedes them. A Deleted event is never dropped.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"

	"sigs.k8s.io/handler-runtime/pkg/event"
	logf "sigs.k8s.io/handler-runtime/pkg/log"
	"sigs.k8s.io/handler-runtime/pkg/metrics"
	"sigs.k8s.io/handler-runtime/pkg/resource"
)

const (
	// DefaultIdleTimeout is how long a worker waits for new events before it retires.
	DefaultIdleTimeout = 5 * time.Second
	// DefaultBatchWindow is how long an idle worker lets a burst of events accumulate.
	DefaultBatchWindow = 100 * time.Millisecond
	// DefaultShutdownTimeout bounds how long Run waits for passes in progress.
	DefaultShutdownTimeout = 30 * time.Second
)

// ProcessFunc processes one event. It is never called concurrently for the
// same object.
type ProcessFunc func(ctx context.Context, ev event.Event)

// Options configure a Queue.
type Options struct {
	// IdleTimeout defaults to DefaultIdleTimeout.
	IdleTimeout time.Duration

	// BatchWindow defaults to DefaultBatchWindow. A negative value disables batching.
	BatchWindow time.Duration

	// MaxWorkers bounds the number of passes running at the same time.
	// Zero means unbounded.
	MaxWorkers int

	// ShutdownTimeout defaults to DefaultShutdownTimeout. Once it has passed,
	// the context of passes still in progress is cancelled.
	ShutdownTimeout time.Duration

	// Log defaults to a logger named after the queue.
	Log *logr.Logger
}

// Queue routes events to per-object workers.
type Queue struct {
	name    string
	process ProcessFunc
	opts    Options
	log     logr.Logger
	sem     chan struct{}

	mu       sync.Mutex
	idle     *sync.Cond
	workers  map[resource.ObjectKey]*worker
	pending  int
	inflight int
	running  bool
	stopped  bool
	ctx      context.Context
	wg       sync.WaitGroup
}

type worker struct {
	key     resource.ObjectKey
	backlog []event.Event
	signal  chan struct{}
}

func (w *worker) notify() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// New returns a queue calling process for every event.
func New(name string, process ProcessFunc, opts Options) *Queue {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.BatchWindow == 0 {
		opts.BatchWindow = DefaultBatchWindow
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	log := logf.Log.WithName("queue").WithValues("queue", name)
	if opts.Log != nil {
		log = *opts.Log
	}
	q := &Queue{
		name:    name,
		process: process,
		opts:    opts,
		log:     log,
		workers: map[resource.ObjectKey]*worker{},
	}
	if opts.MaxWorkers > 0 {
		q.sem = make(chan struct{}, opts.MaxWorkers)
	}
	q.idle = sync.NewCond(&q.mu)
	return q
}

// Enqueue routes ev to the worker of its object. Events that carry no object
// are ignored. It is safe for concurrent use and never blocks on processing.
func (q *Queue) Enqueue(ev event.Event) {
	if !ev.IsObjectEvent() {
		return
	}
	key := ev.Key()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		q.log.V(1).Info("Dropping event, queue is shutting down", "object", key, "type", ev.Type)
		return
	}

	w, ok := q.workers[key]
	if !ok {
		w = &worker{key: key, signal: make(chan struct{}, 1)}
		q.workers[key] = w
		if q.running {
			q.startWorker(w)
		}
	}

	superseded := q.coalesce(w, ev)
	q.pending += 1 - superseded
	if superseded > 0 {
		metrics.Coalesced.WithLabelValues(q.name).Add(float64(superseded))
	}
	w.notify()
}

// coalesce appends ev to the backlog and returns how many waiting events it
// superseded. q.mu must be held.
func (q *Queue) coalesce(w *worker, ev event.Event) int {
	switch ev.Type {
	case event.Deleted:
		kept := w.backlog[:0]
		for _, waiting := range w.backlog {
			if waiting.Type == event.Deleted {
				kept = append(kept, waiting)
			}
		}
		superseded := len(w.backlog) - len(kept)
		w.backlog = append(kept, ev)
		return superseded
	default:
		if n := len(w.backlog); n > 0 && w.backlog[n-1].Type != event.Deleted {
			w.backlog[n-1] = ev
			return 1
		}
		w.backlog = append(w.backlog, ev)
		return 0
	}
}

// startWorker launches the goroutine of w. q.mu must be held.
func (q *Queue) startWorker(w *worker) {
	q.wg.Add(1)
	metrics.Workers.WithLabelValues(q.name).Inc()
	go q.runWorker(w)
}

// Run starts processing and blocks until ctx is done and all passes in
// progress have finished, or ShutdownTimeout has passed.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.running || q.stopped {
		q.mu.Unlock()
		return fmt.Errorf("queue %q was already started", q.name)
	}
	processCtx, cancelProcessing := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelProcessing()
	q.ctx = processCtx
	q.running = true
	for _, w := range q.workers {
		q.startWorker(w)
	}
	q.mu.Unlock()

	<-ctx.Done()

	q.mu.Lock()
	q.stopped = true
	for _, w := range q.workers {
		w.notify()
	}
	q.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-time.After(q.opts.ShutdownTimeout):
		q.log.Info("Passes still in progress after the shutdown timeout, cancelling them")
		cancelProcessing()
		<-drained
		return nil
	}
}

func (q *Queue) runWorker(w *worker) {
	defer q.wg.Done()
	defer metrics.Workers.WithLabelValues(q.name).Dec()

	q.waitBatchWindow()

	idle := time.NewTimer(q.opts.IdleTimeout)
	defer idle.Stop()

	for {
		q.mu.Lock()
		if q.stopped {
			q.dropBacklog(w)
			q.mu.Unlock()
			return
		}
		if len(w.backlog) == 0 {
			q.mu.Unlock()

			select {
			case <-w.signal:
				q.waitBatchWindow()
				continue
			case <-idle.C:
				q.mu.Lock()
				if len(w.backlog) == 0 && !q.stopped {
					delete(q.workers, w.key)
					q.mu.Unlock()
					return
				}
				q.mu.Unlock()
				idle.Reset(q.opts.IdleTimeout)
				continue
			}
		}

		ev := w.backlog[0]
		w.backlog[0] = event.Event{}
		w.backlog = w.backlog[1:]
		q.pending--
		q.inflight++
		ctx := q.ctx
		q.mu.Unlock()

		q.processOne(ctx, ev)

		q.mu.Lock()
		q.inflight--
		if q.pending == 0 && q.inflight == 0 {
			q.idle.Broadcast()
		}
		q.mu.Unlock()

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(q.opts.IdleTimeout)
	}
}

// dropBacklog discards the events of w that will never be processed. q.mu
// must be held.
func (q *Queue) dropBacklog(w *worker) {
	q.pending -= len(w.backlog)
	w.backlog = nil
	delete(q.workers, w.key)
	if q.pending == 0 && q.inflight == 0 {
		q.idle.Broadcast()
	}
}

func (q *Queue) waitBatchWindow() {
	if q.opts.BatchWindow <= 0 {
		return
	}
	time.Sleep(q.opts.BatchWindow)
}

func (q *Queue) processOne(ctx context.Context, ev event.Event) {
	if q.sem != nil {
		select {
		case q.sem <- struct{}{}:
			defer func() { <-q.sem }()
		case <-ctx.Done():
			return
		}
	}
	defer func() {
		if r := recover(); r != nil {
			utilruntime.HandleError(fmt.Errorf("panic processing %s event for %s: %v", ev.Type, ev.Key(), r))
		}
	}()
	q.process(ctx, ev)
}

// Wait blocks until no event is waiting and no pass is in progress.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.pending > 0 || q.inflight > 0 {
		q.idle.Wait()
	}
}

// Len returns the number of events waiting to be processed.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Workers returns the number of live per-object workers.
func (q *Queue) Workers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.workers)
}
