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

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/clock"

	"sigs.k8s.io/handler-runtime/pkg/client"
	"sigs.k8s.io/handler-runtime/pkg/diff"
	"sigs.k8s.io/handler-runtime/pkg/event"
	"sigs.k8s.io/handler-runtime/pkg/finalizer"
	"sigs.k8s.io/handler-runtime/pkg/handler"
	"sigs.k8s.io/handler-runtime/pkg/invoke"
	logf "sigs.k8s.io/handler-runtime/pkg/log"
	"sigs.k8s.io/handler-runtime/pkg/notice"
	"sigs.k8s.io/handler-runtime/pkg/patch"
	"sigs.k8s.io/handler-runtime/pkg/progress"
	"sigs.k8s.io/handler-runtime/pkg/resource"
)

// DefaultErrorDelay is how long a pass that could not be applied waits
// before it is repeated, unless another event comes first.
const DefaultErrorDelay = 10 * time.Second

// ReasonFinalizerReleased is the reason of the notice sent when an object is
// let go after its deletion handlers finished.
const ReasonFinalizerReleased = "FinalizerReleased"

// Scheduler arranges for an object to be processed again later.
type Scheduler interface {
	// Schedule processes the object again after the given delay, unless an
	// earlier wake-up is already scheduled.
	Schedule(key resource.ObjectKey, after time.Duration)

	// Cancel drops the scheduled wake-up of the object.
	Cancel(key resource.ObjectKey)
}

type noScheduler struct{}

func (noScheduler) Schedule(resource.ObjectKey, time.Duration) {}
func (noScheduler) Cancel(resource.ObjectKey)                  {}

// Processor runs reconciliation passes for the objects of one resource.
// Passes for the same object must not run concurrently.
type Processor struct {
	Resource  resource.Resource
	Client    client.Client
	Registry  *handler.Registry
	Store     progress.Store
	Finalizer finalizer.Manager
	Pipeline  *invoke.Pipeline
	Applier   *patch.Applier
	Notices   notice.Sink
	Scheduler Scheduler
	Clock     clock.Clock
	Log       logr.Logger

	mu   sync.Mutex
	seen map[types.UID]struct{}
}

func (p *Processor) scheduler() Scheduler {
	if p.Scheduler == nil {
		return noScheduler{}
	}
	return p.Scheduler
}

func (p *Processor) now() time.Time {
	if p.Clock == nil {
		return time.Now()
	}
	return p.Clock.Now()
}

// firstSight returns true the first time it is called for uid.
func (p *Processor) firstSight(uid types.UID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen == nil {
		p.seen = map[types.UID]struct{}{}
	}
	if _, ok := p.seen[uid]; ok {
		return false
	}
	p.seen[uid] = struct{}{}
	return true
}

func (p *Processor) forget(key resource.ObjectKey) {
	p.mu.Lock()
	delete(p.seen, key.UID)
	p.mu.Unlock()
	p.scheduler().Cancel(key)
}

// Process runs one reconciliation pass for the object of ev.
func (p *Processor) Process(ctx context.Context, ev event.Event) error {
	key := ev.Key()
	log := logf.ForObject(p.Log, p.Resource, key)

	if ev.Type == event.Deleted || ev.Object == nil {
		log.V(1).Info("Object is gone")
		p.forget(key)
		return nil
	}

	obj := ev.Object
	if ev.Refresh {
		fresh, err := p.Client.Get(ctx, p.Resource, client.ByName(key.Namespace, key.Name))
		switch {
		case apierrors.IsNotFound(err):
			p.forget(key)
			return nil
		case err != nil:
			return fmt.Errorf("failed to read %s: %w", key, err)
		case fresh.GetUID() != key.UID:
			p.forget(key)
			return nil
		}
		obj = fresh
	}

	pass := p.newPass(obj, log)
	pass.run(ctx)

	updated, err := p.Applier.Apply(ctx, obj, pass.build)
	if err != nil {
		p.scheduler().Schedule(key, DefaultErrorDelay)
		return err
	}
	if updated == nil {
		log.V(1).Info("Object disappeared while being patched")
		p.forget(key)
		return nil
	}
	if pass.released {
		notice.Info(p.Notices, updated, ReasonFinalizerReleased, "All deletion handlers finished, the object is released.")
	}

	if next := pass.outcome.Next; !next.IsZero() {
		after := next.Sub(p.now())
		log.V(1).Info("Scheduling a wake-up", "after", after)
		p.scheduler().Schedule(key, after)
	} else {
		p.scheduler().Cancel(key)
	}
	return nil
}

// pass holds the state of one reconciliation pass. Its handler outcomes are
// computed once; build turns them into a patch for any version of the
// object.
type pass struct {
	p   *Processor
	obj *unstructured.Unstructured
	log logr.Logger

	cause    diff.Cause
	req      handler.Request
	essence  map[string]interface{}
	records  progress.Records
	loaded   progress.Records
	outcomes *patch.Patch
	outcome  invoke.Outcome

	// selected holds the IDs of the non-recurring handlers of the cause.
	selected []string
	// settled is true once every handler of the cause is terminal.
	settled bool
	// released is true if the last built patch removes the finalizer.
	released bool
}

func (p *Processor) newPass(obj *unstructured.Unstructured, log logr.Logger) *pass {
	records := p.Store.Load(obj)
	lastHandled, handled := p.Store.LoadEssence(obj)
	essence := diff.Essence(obj, p.Store.Prefixes()...)
	d := diff.Compute(lastHandled, essence)
	resuming := p.firstSight(obj.GetUID())
	if !resuming {
		resuming = p.resumeUnfinished(records)
	}
	cause := diff.Classify(obj, d, handled, resuming)

	log = log.WithValues("cause", cause)
	req := handler.Request{
		Resource: p.Resource,
		Key:      resource.KeyOf(obj),
		Object:   obj,
		Cause:    cause,
		Diff:     d,
		New:      essence,
		Logger:   log,
		Notices:  p.Notices,
	}
	if handled {
		req.Old = lastHandled
	}

	return &pass{
		p:        p,
		obj:      obj,
		log:      log,
		cause:    cause,
		req:      req,
		essence:  essence,
		records:  records,
		loaded:   records.Copy(),
		outcomes: patch.New(),
	}
}

// resumeUnfinished returns true if a resume handler was attempted but is
// neither succeeded nor failed yet.
func (p *Processor) resumeUnfinished(records progress.Records) bool {
	for _, h := range p.Registry.Handlers() {
		if h.IsRecurring() || !h.RunsFor(diff.Resume) {
			continue
		}
		if r, ok := records[h.ID]; ok && !r.State.IsTerminal() {
			return true
		}
	}
	return false
}

func (s *pass) run(ctx context.Context) {
	req := s.req
	if s.cause != diff.Noop {
		s.log.V(1).Info("Handling", "diff", req.Diff.JSONPatch())
	}

	handlers := s.p.Registry.Select(req)
	for _, h := range handlers {
		s.selected = append(s.selected, h.ID)
	}
	s.outcome = s.p.Pipeline.Run(ctx, req, handlers, s.records, s.outcomes)
	s.settled = s.outcome.Done

	if s.cause == diff.Deletion {
		if !s.settled && !s.p.Finalizer.Has(s.obj) {
			// Nothing holds the object back, it may be gone any moment.
			s.log.Info("Deletion handlers did not finish and the object is not protected by a finalizer")
			s.outcome.Next = time.Time{}
		}
		return
	}

	timers := s.p.Pipeline.Run(ctx, req, s.p.Registry.Timers(req), s.records, s.outcomes)
	s.outcome.Invoked = append(s.outcome.Invoked, timers.Invoked...)
	if !timers.Next.IsZero() && (s.outcome.Next.IsZero() || timers.Next.Before(s.outcome.Next)) {
		s.outcome.Next = timers.Next
	}
}

// build returns the patch of the pass for current, which is the object the
// pass started with or a newer version of it.
func (s *pass) build(current *unstructured.Unstructured) (*patch.Patch, error) {
	out := s.outcomes.Copy()
	s.released = false

	changed := progress.Records{}
	for id, r := range s.records {
		if old, ok := s.loaded[id]; !ok || old != r {
			changed[id] = r
		}
	}
	s.p.Store.Save(changed, out)

	switch s.cause {
	case diff.Deletion:
		s.released = s.settled && s.p.Finalizer.Release(current, out)

	case diff.Creation, diff.Update, diff.Resume:
		if s.p.Registry.RequiresFinalizer() {
			s.p.Finalizer.Ensure(current, out)
		}
		if !s.settled {
			break
		}
		// The next change triggers the handlers again.
		s.p.Store.Purge(current, out, s.selected...)
		if s.cause != diff.Resume {
			if err := s.p.Store.SaveEssence(s.essence, out); err != nil {
				return nil, fmt.Errorf("failed to store the handled state: %w", err)
			}
		}

	case diff.Noop:
		if s.p.Registry.RequiresFinalizer() {
			s.p.Finalizer.Ensure(current, out)
		}
	}
	return out, out.Err()
}
