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

// Package invoke runs the selected handlers of one reconciliation pass and
// moves their records through the handler lifecycle.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/clock"

	"sigs.k8s.io/handler-runtime/pkg/diff"
	"sigs.k8s.io/handler-runtime/pkg/handler"
	"sigs.k8s.io/handler-runtime/pkg/metrics"
	"sigs.k8s.io/handler-runtime/pkg/notice"
	"sigs.k8s.io/handler-runtime/pkg/patch"
	"sigs.k8s.io/handler-runtime/pkg/progress"
	"sigs.k8s.io/handler-runtime/pkg/resource"
)

const (
	// DefaultTimeout bounds one handler invocation.
	DefaultTimeout = 10 * time.Minute
	// DefaultBackoff is the delay before the first retry.
	DefaultBackoff = time.Minute
	// DefaultMaxBackoff caps the delay between retries.
	DefaultMaxBackoff = 15 * time.Minute
)

// Reasons of the notices sent about handler outcomes.
const (
	ReasonSucceeded = "Succeeded"
	ReasonRetrying  = "Retrying"
	ReasonFailed    = "Failed"
)

// Options configure a Pipeline.
type Options struct {
	// Resource labels metrics.
	Resource resource.Resource

	// Timeout is used for handlers without their own. Defaults to
	// DefaultTimeout.
	Timeout time.Duration

	// Backoff is used for handlers without their own. Defaults to
	// DefaultBackoff.
	Backoff time.Duration

	// MaxBackoff caps retry delays. Defaults to DefaultMaxBackoff.
	MaxBackoff time.Duration

	// Notices receives handler outcomes. Defaults to notice.Discard.
	Notices notice.Sink

	// Clock defaults to the real clock.
	Clock clock.Clock
}

// Pipeline invokes handlers.
type Pipeline struct {
	opts Options
}

// New returns a Pipeline.
func New(opts Options) *Pipeline {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.Notices == nil {
		opts.Notices = notice.Discard
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Pipeline{opts: opts}
}

// Outcome summarizes a Run.
type Outcome struct {
	// Invoked lists the handlers invoked, in order.
	Invoked []string

	// Done is true if every non-recurring handler is in a terminal state.
	Done bool

	// Next is the earliest time a handler becomes due again, zero if none.
	Next time.Time
}

func (o *Outcome) schedule(t time.Time) {
	if o.Next.IsZero() || t.Before(o.Next) {
		o.Next = t
	}
}

// Run invokes the handlers that are due, in the given order. records is
// updated in place, and what successful handlers return is merged into p.
// One handler's failure never keeps the others from running.
func (p *Pipeline) Run(ctx context.Context, req handler.Request, handlers []handler.Handler, records progress.Records, out *patch.Patch) Outcome {
	outcome := Outcome{Done: true}
	digest := digestOf(req.New)

	for i := range handlers {
		h := &handlers[i]
		rec := records.Get(h.ID)

		if !h.IsRecurring() {
			if req.Cause == diff.Update && rec.Digest != "" && rec.Digest != digest {
				// Made for an older change, this one is not handled yet.
				rec = progress.NewRecord(h.ID)
			}
			if rec.State.IsTerminal() {
				continue
			}
		}
		if !rec.IsDue(p.opts.Clock.Now()) {
			outcome.schedule(rec.Delayed.Time)
			outcome.Done = outcome.Done && h.IsRecurring()
			continue
		}
		if ctx.Err() != nil {
			outcome.Done = outcome.Done && h.IsRecurring()
			continue
		}

		rec = p.invoke(ctx, h, req, rec, out)
		if !h.IsRecurring() {
			rec.Digest = digest
		}
		records.Set(rec)
		outcome.Invoked = append(outcome.Invoked, h.ID)

		if rec.Delayed != nil {
			outcome.schedule(rec.Delayed.Time)
		}
		if !h.IsRecurring() && !rec.State.IsTerminal() {
			outcome.Done = false
		}
	}
	return outcome
}

func (p *Pipeline) invoke(ctx context.Context, h *handler.Handler, req handler.Request, rec progress.Record, out *patch.Patch) progress.Record {
	start := p.opts.Clock.Now()
	if rec.Started == nil {
		rec.Started = progress.Stamp(start)
	}
	rec.State = progress.Active

	narrowed := h.Narrow(req)
	narrowed.Retry = rec.Attempts
	narrowed.Started = rec.Started.Time
	narrowed.Logger = req.Logger.WithValues("handler", h.ID)
	if narrowed.Notices == nil {
		narrowed.Notices = p.opts.Notices
	}
	log := narrowed.Logger

	result, err := p.call(ctx, h, narrowed)
	now := p.opts.Clock.Now()
	metrics.HandlerDuration.WithLabelValues(p.opts.Resource.String(), h.ID).Observe(now.Sub(start).Seconds())

	rec.Attempts++
	rec.LastAttempt = progress.Stamp(now)
	outcomeLabel := metrics.OutcomeSuccess

	delay, temporary := handler.IsTemporary(err)
	switch {
	case err == nil:
		out.SetStatus(result.Status)
		out.Merge(result.Patch)
		rec.State = progress.Succeeded
		rec.Message = ""
		rec.Delayed = nil
		log.Info("Handler succeeded", "attempts", rec.Attempts)
		notice.Info(p.opts.Notices, req.Object, ReasonSucceeded, fmt.Sprintf("Handler %q succeeded.", h.ID))

	case temporary && p.exhausted(h, rec, now):
		outcomeLabel = labelFor(err)
		rec.State = progress.Failed
		rec.Message = fmt.Sprintf("gave up after %d attempts: %v", rec.Attempts, err)
		rec.Delayed = nil
		log.Error(err, "Handler failed, no retries left", "attempts", rec.Attempts)
		notice.Warn(p.opts.Notices, req.Object, ReasonFailed, fmt.Sprintf("Handler %q failed: %s", h.ID, rec.Message))

	case temporary:
		outcomeLabel = labelFor(err)
		if delay <= 0 {
			delay = p.backoff(h, rec.Attempts)
		}
		rec.State = progress.Retrying
		rec.Message = err.Error()
		rec.Delayed = progress.Stamp(now.Add(delay))
		log.Info("Handler failed temporarily, will retry", "error", err.Error(), "delay", delay, "attempts", rec.Attempts)
		notice.Warn(p.opts.Notices, req.Object, ReasonRetrying, fmt.Sprintf("Handler %q failed temporarily and will retry in %s: %v", h.ID, delay, err))

	default:
		outcomeLabel = metrics.OutcomePermanent
		rec.State = progress.Failed
		rec.Message = err.Error()
		rec.Delayed = nil
		log.Error(err, "Handler failed permanently", "attempts", rec.Attempts)
		notice.Exception(p.opts.Notices, req.Object, ReasonFailed, fmt.Errorf("handler %q failed permanently: %w", h.ID, err))
	}
	metrics.HandlerInvocations.WithLabelValues(p.opts.Resource.String(), h.ID, outcomeLabel).Inc()

	if h.IsRecurring() {
		// Recurring handlers start over at their next due time.
		rec = progress.Record{ID: h.ID, State: progress.Pending, Delayed: progress.Stamp(now.Add(h.Interval)), Message: rec.Message}
	}
	return rec
}

// errTimeout marks invocations that ran out of time.
var errTimeout = errors.New("handler timed out")

func labelFor(err error) string {
	if errors.Is(err, errTimeout) {
		return metrics.OutcomeTimeout
	}
	return metrics.OutcomeTemporary
}

type callResult struct {
	result handler.Result
	err    error
}

// call invokes the handler with a bounded budget. A handler that does not
// return within its timeout is abandoned and counts as a temporary failure.
// Panics are permanent failures.
func (p *Pipeline) call(ctx context.Context, h *handler.Handler, req handler.Request) (handler.Result, error) {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = p.opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: handler.NewPermanentError(fmt.Errorf("handler panicked: %v", r))}
			}
		}()
		result, err := h.Fn(ctx, req)
		done <- callResult{result: result, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() != nil && errors.Is(r.err, ctx.Err()) {
			return handler.Result{}, handler.NewTemporaryError(fmt.Errorf("%w after %s: %v", errTimeout, timeout, r.err), 0)
		}
		return r.result, r.err
	case <-ctx.Done():
		return handler.Result{}, handler.NewTemporaryError(fmt.Errorf("%w after %s", errTimeout, timeout), 0)
	}
}

func (p *Pipeline) exhausted(h *handler.Handler, rec progress.Record, now time.Time) bool {
	if h.IsRecurring() {
		return false
	}
	if h.Retries > 0 && rec.Attempts >= h.Retries {
		return true
	}
	return h.Deadline > 0 && rec.Started != nil && now.Sub(rec.Started.Time) >= h.Deadline
}

// backoff returns the delay after the given number of failed attempts:
// exponential from the handler's initial delay, jittered, capped.
func (p *Pipeline) backoff(h *handler.Handler, attempts int) time.Duration {
	initial := h.Backoff
	if initial <= 0 {
		initial = p.opts.Backoff
	}
	b := wait.Backoff{
		Duration: initial,
		Factor:   2,
		Jitter:   0.1,
		Steps:    math.MaxInt32,
		Cap:      p.opts.MaxBackoff,
	}
	var delay time.Duration
	for i := 0; i < attempts; i++ {
		delay = b.Step()
	}
	return delay
}

func digestOf(essence interface{}) string {
	m, ok := essence.(map[string]interface{})
	if !ok {
		return ""
	}
	return diff.Digest(m)
}
