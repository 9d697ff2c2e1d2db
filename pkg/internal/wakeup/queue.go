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

// Package wakeup implements the delay queue holding objects whose retries or
// timers are not yet due.
package wakeup

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/utils/clock"
	"k8s.io/utils/ptr"

	"sigs.k8s.io/handler-runtime/pkg/metrics"
)

// Queue hands out items once they are due. Items are de-duplicated: adding an
// item that is already queued keeps the earlier of the two due times. An item
// handed out by Get is not handed out again until Done is called for it.
type Queue[T comparable] interface {
	// Add queues item to be handed out immediately.
	Add(item T)
	// AddAfter queues item to be handed out once after has passed.
	AddAfter(item T, after time.Duration)
	// Cancel removes item from the queue if it is waiting.
	Cancel(item T)
	// Get blocks until an item is due or the queue is shut down.
	Get() (item T, shutdown bool)
	// Done marks item as no longer being processed.
	Done(item T)
	// ShutDown stops the queue. Blocked and future Get calls return immediately.
	ShutDown()
	// ShuttingDown returns true once ShutDown was called.
	ShuttingDown() bool
	// Len returns the number of waiting items.
	Len() int
}

// Opts contains the options for a Queue.
type Opts struct {
	// MetricProvider defaults to the provider backed by the handler-runtime
	// metrics registry.
	MetricProvider workqueue.MetricsProvider
}

// Opt allows to configure a Queue.
type Opt func(*Opts)

// New constructs a new Queue.
func New[T comparable](name string, o ...Opt) Queue[T] {
	opts := &Opts{}
	for _, f := range o {
		f(opts)
	}
	if opts.MetricProvider == nil {
		opts.MetricProvider = metrics.WorkqueueMetricsProvider{}
	}

	q := &wakeupQueue[T]{
		items:   map[T]*item[T]{},
		queue:   queue[T]{},
		tryPush: make(chan struct{}, 1),
		locked:  sets.Set[T]{},
		done:    make(chan struct{}),
		get:     make(chan item[T]),
		metrics: newQueueMetrics[T](opts.MetricProvider, name, clock.RealClock{}),
		now:     time.Now,
		tick:    time.Tick,
	}

	go q.spin()
	go q.updateUnfinishedWorkLoop()

	return q
}

type wakeupQueue[T comparable] struct {
	// lock has to be acquired for any access to either items or queue
	lock  sync.Mutex
	items map[T]*item[T]
	queue queue[T]

	tryPush chan struct{}

	// locked contains the keys we handed out through Get() and that haven't
	// yet been returned through Done().
	locked     sets.Set[T]
	lockedLock sync.RWMutex

	shutdown atomic.Bool
	done     chan struct{}
	once     sync.Once

	get chan item[T]

	// waiters is the number of routines blocked in Get, we use it to determine
	// if we can push items.
	waiters atomic.Int64

	metrics *queueMetrics[T]

	// Configurable for testing
	now  func() time.Time
	tick func(time.Duration) <-chan time.Time
}

func (w *wakeupQueue[T]) Add(key T) {
	w.AddAfter(key, 0)
}

func (w *wakeupQueue[T]) AddAfter(key T, after time.Duration) {
	if w.shutdown.Load() {
		return
	}

	w.lock.Lock()
	defer w.lock.Unlock()

	var readyAt *time.Time
	if after > 0 {
		readyAt = ptr.To(w.now().Add(after))
	}

	existing, ok := w.items[key]
	if !ok {
		w.items[key] = &item[T]{key: key, readyAt: readyAt}
		w.queue = append(w.queue, w.items[key])
		w.metrics.add(key)
	} else if existing.readyAt == nil || (readyAt != nil && !readyAt.Before(*existing.readyAt)) {
		return
	} else {
		existing.readyAt = readyAt
	}

	sort.Stable(w.queue)
	w.doTryPush()
}

func (w *wakeupQueue[T]) Cancel(key T) {
	w.lock.Lock()
	defer w.lock.Unlock()

	if _, ok := w.items[key]; !ok {
		return
	}
	delete(w.items, key)
	for i, it := range w.queue {
		if it.key == key {
			w.queue = append(w.queue[:i], w.queue[i+1:]...)
			break
		}
	}
	w.metrics.cancel(key)
}

func (w *wakeupQueue[T]) doTryPush() {
	select {
	case w.tryPush <- struct{}{}:
	default:
	}
}

func (w *wakeupQueue[T]) spin() {
	blockForever := make(chan time.Time)
	var nextReady <-chan time.Time
	nextReady = blockForever
	for {
		select {
		case <-w.done:
			return
		case <-w.tryPush:
		case <-nextReady:
		}

		nextReady = blockForever

		func() {
			w.lock.Lock()
			defer w.lock.Unlock()

			w.lockedLock.Lock()
			defer w.lockedLock.Unlock()

			// Indexes are removed backwards once the loop is done, so that
			// they stay valid while iterating.
			var toRemove []int
			defer func() {
				for i := len(toRemove) - 1; i >= 0; i-- {
					idx := toRemove[i]
					w.queue = append(w.queue[:idx], w.queue[idx+1:]...)
				}
			}()
			for idx, item := range w.queue {
				if w.waiters.Load() == 0 { // no waiters, nothing can be handed out
					return
				}
				// The queue is sorted by due time, nothing after this is due either.
				if item.readyAt != nil && item.readyAt.After(w.now()) {
					nextReady = w.tick(item.readyAt.Sub(w.now()))
					return
				}

				if w.locked.Has(item.key) {
					continue
				}

				select {
				case w.get <- *item:
				case <-w.done:
					return
				}
				w.locked.Insert(item.key)
				delete(w.items, item.key)
				w.waiters.Add(-1)
				toRemove = append(toRemove, idx)
			}
		}()
	}
}

func (w *wakeupQueue[T]) Get() (T, bool) {
	if w.shutdown.Load() {
		var zero T
		return zero, true
	}
	w.waiters.Add(1)

	w.doTryPush()
	select {
	case item := <-w.get:
		w.metrics.get(item.key)
		return item.key, false
	case <-w.done:
		var zero T
		return zero, true
	}
}

func (w *wakeupQueue[T]) Done(key T) {
	w.metrics.done(key)
	w.lockedLock.Lock()
	defer w.lockedLock.Unlock()
	w.locked.Delete(key)
	w.doTryPush()
}

func (w *wakeupQueue[T]) ShutDown() {
	w.once.Do(func() {
		w.shutdown.Store(true)
		close(w.done)
	})
}

func (w *wakeupQueue[T]) ShuttingDown() bool {
	return w.shutdown.Load()
}

func (w *wakeupQueue[T]) Len() int {
	w.lock.Lock()
	defer w.lock.Unlock()

	return len(w.queue)
}

func (w *wakeupQueue[T]) updateUnfinishedWorkLoop() {
	t := time.NewTicker(500 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			w.metrics.updateUnfinishedWork()
		}
	}
}

// queue is sorted by due time, immediately due items first.
type queue[T comparable] []*item[T]

func (q queue[T]) Len() int {
	return len(q)
}

func (q queue[T]) Less(i, j int) bool {
	switch {
	case q[i].readyAt == nil && q[j].readyAt != nil:
		return true
	case q[i].readyAt != nil && q[j].readyAt == nil:
		return false
	case q[i].readyAt != nil && q[j].readyAt != nil:
		return q[i].readyAt.Before(*q[j].readyAt)
	}
	return false
}

func (q queue[T]) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
}

type item[T comparable] struct {
	key     T
	readyAt *time.Time
}
