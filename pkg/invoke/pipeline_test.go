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

package invoke

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/tools/record"
	clocktesting "k8s.io/utils/clock/testing"

	"sigs.k8s.io/handler-runtime/pkg/diff"
	"sigs.k8s.io/handler-runtime/pkg/handler"
	"sigs.k8s.io/handler-runtime/pkg/metrics"
	"sigs.k8s.io/handler-runtime/pkg/notice"
	"sigs.k8s.io/handler-runtime/pkg/patch"
	"sigs.k8s.io/handler-runtime/pkg/progress"
	"sigs.k8s.io/handler-runtime/pkg/resource"
)

var examples = resource.Resource{Group: "kopf.dev", Version: "v1", Plural: "kopfexamples", Namespaced: true}

var _ = Describe("Pipeline", func() {
	var (
		ctx      context.Context
		clk      *clocktesting.FakeClock
		recorder *record.FakeRecorder
		pipeline *Pipeline
		records  progress.Records
		out      *patch.Patch
		req      handler.Request
		calls    map[string]int
	)

	counting := func(id string, fn handler.Func) handler.Handler {
		return handler.Handler{ID: id, Fn: func(ctx context.Context, req handler.Request) (handler.Result, error) {
			calls[id]++
			return fn(ctx, req)
		}}
	}
	succeed := func(context.Context, handler.Request) (handler.Result, error) {
		return handler.Result{Status: map[string]interface{}{"message": "hello"}}, nil
	}
	run := func(handlers ...handler.Handler) Outcome {
		return pipeline.Run(ctx, req, handlers, records, out)
	}

	BeforeEach(func() {
		ctx = context.Background()
		clk = clocktesting.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
		recorder = record.NewFakeRecorder(100)
		pipeline = New(Options{
			Resource: examples,
			Backoff:  10 * time.Second,
			Notices:  notice.RecorderSink{Recorder: recorder},
			Clock:    clk,
		})
		records = progress.Records{}
		out = patch.New()
		calls = map[string]int{}

		obj := &unstructured.Unstructured{}
		obj.SetName("kopf-example-1")
		obj.SetNamespace("default")
		essence := map[string]interface{}{"spec": map[string]interface{}{"replicas": int64(3)}}
		req = handler.Request{Resource: examples, Object: obj, Cause: diff.Creation, Diff: diff.Compute(nil, essence), New: essence}
	})

	It("should record success and merge the result", func() {
		outcome := run(counting("create_fn", succeed))

		Expect(outcome.Invoked).To(Equal([]string{"create_fn"}))
		Expect(outcome.Done).To(BeTrue())
		Expect(outcome.Next.IsZero()).To(BeTrue())
		rec := records.Get("create_fn")
		Expect(rec.State).To(Equal(progress.Succeeded))
		Expect(rec.Attempts).To(Equal(1))
		Expect(rec.Digest).To(Equal(diff.Digest(req.New.(map[string]interface{}))))
		Expect(out.Bytes()).To(MatchJSON(`{"status":{"message":"hello"}}`))
		Expect(<-recorder.Events).To(Equal(`Normal Succeeded Handler "create_fn" succeeded.`))
	})

	It("should not invoke succeeded handlers again", func() {
		h := counting("create_fn", succeed)
		run(h)
		outcome := run(h)
		Expect(calls["create_fn"]).To(Equal(1))
		Expect(outcome.Invoked).To(BeEmpty())
		Expect(outcome.Done).To(BeTrue())
	})

	It("should retry temporary failures after a backoff", func() {
		var retries []int
		h := counting("scale", func(_ context.Context, req handler.Request) (handler.Result, error) {
			retries = append(retries, req.Retry)
			if req.Retry == 0 {
				return handler.Result{}, handler.NewTemporaryError(errors.New("not yet"), 0)
			}
			return handler.Result{}, nil
		})

		outcome := run(h)
		rec := records.Get("scale")
		Expect(rec.State).To(Equal(progress.Retrying))
		Expect(rec.Message).To(ContainSubstring("not yet"))
		Expect(outcome.Done).To(BeFalse())
		delay := rec.Delayed.Time.Sub(clk.Now())
		Expect(delay).To(BeNumerically(">=", 10*time.Second))
		Expect(delay).To(BeNumerically("<=", 11*time.Second))
		Expect(outcome.Next).To(Equal(rec.Delayed.Time))

		clk.Step(5 * time.Second)
		outcome = run(h)
		Expect(outcome.Invoked).To(BeEmpty())
		Expect(outcome.Next).To(Equal(rec.Delayed.Time))
		Expect(calls["scale"]).To(Equal(1))

		clk.Step(10 * time.Second)
		outcome = run(h)
		Expect(outcome.Invoked).To(Equal([]string{"scale"}))
		Expect(outcome.Done).To(BeTrue())
		Expect(calls["scale"]).To(Equal(2))
		Expect(retries).To(Equal([]int{0, 1}))
		rec = records.Get("scale")
		Expect(rec.State).To(Equal(progress.Succeeded))
		Expect(rec.Attempts).To(Equal(2))
		Expect(rec.Delayed).To(BeNil())

		Expect(<-recorder.Events).To(HavePrefix("Warning Retrying"))
		Expect(<-recorder.Events).To(HavePrefix("Normal Succeeded"))
	})

	It("should honour the delay a temporary error asks for", func() {
		run(counting("scale", func(context.Context, handler.Request) (handler.Result, error) {
			return handler.Result{}, handler.NewTemporaryError(errors.New("later"), time.Hour)
		}))
		Expect(records.Get("scale").Delayed.Time).To(Equal(clk.Now().Add(time.Hour)))
	})

	It("should fail permanently on unclassified and permanent errors", func() {
		before := testutil.ToFloat64(metrics.HandlerInvocations.WithLabelValues(examples.String(), "plain", metrics.OutcomePermanent))
		outcome := run(
			counting("plain", func(context.Context, handler.Request) (handler.Result, error) {
				return handler.Result{}, errors.New("boom")
			}),
			counting("explicit", func(context.Context, handler.Request) (handler.Result, error) {
				return handler.Result{}, handler.NewPermanentError(errors.New("nope"))
			}),
		)
		Expect(outcome.Done).To(BeTrue())
		Expect(records.Get("plain").State).To(Equal(progress.Failed))
		Expect(records.Get("plain").Message).To(Equal("boom"))
		Expect(records.Get("explicit").State).To(Equal(progress.Failed))
		Expect(<-recorder.Events).To(Equal(`Warning Failed handler "plain" failed permanently: boom`))
		Expect(testutil.ToFloat64(metrics.HandlerInvocations.WithLabelValues(examples.String(), "plain", metrics.OutcomePermanent))).To(Equal(before + 1))

		run(counting("plain", succeed))
		Expect(calls["plain"]).To(Equal(1))
	})

	It("should keep running other handlers after a failure", func() {
		run(
			counting("broken", func(context.Context, handler.Request) (handler.Result, error) {
				panic("kaboom")
			}),
			counting("fine", succeed),
		)
		Expect(records.Get("broken").State).To(Equal(progress.Failed))
		Expect(records.Get("broken").Message).To(ContainSubstring("kaboom"))
		Expect(records.Get("fine").State).To(Equal(progress.Succeeded))
	})

	It("should give up when the retries are exhausted", func() {
		h := counting("flaky", func(context.Context, handler.Request) (handler.Result, error) {
			return handler.Result{}, handler.NewTemporaryError(errors.New("again"), time.Second)
		})
		h.Retries = 2

		run(h)
		Expect(records.Get("flaky").State).To(Equal(progress.Retrying))
		clk.Step(time.Second)
		outcome := run(h)
		Expect(outcome.Done).To(BeTrue())
		rec := records.Get("flaky")
		Expect(rec.State).To(Equal(progress.Failed))
		Expect(rec.Message).To(ContainSubstring("gave up after 2 attempts"))
	})

	It("should give up when the deadline passed", func() {
		h := counting("slow", func(context.Context, handler.Request) (handler.Result, error) {
			return handler.Result{}, handler.NewTemporaryError(errors.New("again"), time.Minute)
		})
		h.Deadline = 90 * time.Second

		run(h)
		clk.Step(time.Minute)
		run(h)
		Expect(records.Get("slow").State).To(Equal(progress.Retrying))
		clk.Step(time.Minute)
		run(h)
		Expect(records.Get("slow").State).To(Equal(progress.Failed))
		Expect(calls["slow"]).To(Equal(3))
	})

	It("should treat a timeout as a temporary failure", func() {
		h := counting("stuck", func(ctx context.Context, _ handler.Request) (handler.Result, error) {
			<-ctx.Done()
			return handler.Result{}, ctx.Err()
		})
		h.Timeout = 10 * time.Millisecond

		before := testutil.ToFloat64(metrics.HandlerInvocations.WithLabelValues(examples.String(), "stuck", metrics.OutcomeTimeout))
		run(h)
		rec := records.Get("stuck")
		Expect(rec.State).To(Equal(progress.Retrying))
		Expect(rec.Message).To(ContainSubstring("timed out"))
		Expect(testutil.ToFloat64(metrics.HandlerInvocations.WithLabelValues(examples.String(), "stuck", metrics.OutcomeTimeout))).To(Equal(before + 1))
	})

	It("should abandon handlers ignoring their timeout", func() {
		release := make(chan struct{})
		defer close(release)
		h := counting("deaf", func(context.Context, handler.Request) (handler.Result, error) {
			<-release
			return handler.Result{}, nil
		})
		h.Timeout = 10 * time.Millisecond

		run(h)
		Expect(records.Get("deaf").State).To(Equal(progress.Retrying))
	})

	It("should re-arm recurring handlers after every run", func() {
		h := counting("timer", succeed)
		h.Interval = time.Minute

		outcome := run(h)
		Expect(outcome.Done).To(BeTrue())
		rec := records.Get("timer")
		Expect(rec.State).To(Equal(progress.Pending))
		Expect(rec.Delayed.Time).To(Equal(clk.Now().Add(time.Minute)))
		Expect(outcome.Next).To(Equal(rec.Delayed.Time))

		clk.Step(30 * time.Second)
		outcome = run(h)
		Expect(outcome.Invoked).To(BeEmpty())
		Expect(outcome.Done).To(BeTrue())

		clk.Step(30 * time.Second)
		run(h)
		Expect(calls["timer"]).To(Equal(2))
	})

	It("should pass narrowed requests to field handlers", func() {
		var seen handler.Request
		h := counting("replicas", func(_ context.Context, req handler.Request) (handler.Result, error) {
			seen = req
			return handler.Result{}, nil
		})
		h.Field = []string{"spec", "replicas"}

		run(h)
		Expect(seen.New).To(Equal(int64(3)))
		Expect(seen.Old).To(BeNil())
		Expect(seen.Started).To(Equal(clk.Now()))
		Expect(seen.Notices).NotTo(BeNil())
	})

	It("should run handlers again for a newer change", func() {
		h := counting("update_fn", succeed)
		req.Cause = diff.Update
		run(h)

		req.New = map[string]interface{}{"spec": map[string]interface{}{"replicas": int64(4)}}
		run(h)
		Expect(calls["update_fn"]).To(Equal(2))

		req.Cause = diff.Creation
		req.New = map[string]interface{}{"spec": map[string]interface{}{"replicas": int64(5)}}
		run(h)
		Expect(calls["update_fn"]).To(Equal(2))
	})

	It("should not start handlers once the context is done", func() {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		outcome := pipeline.Run(cancelled, req, []handler.Handler{counting("create_fn", succeed)}, records, out)
		Expect(outcome.Done).To(BeFalse())
		Expect(outcome.Invoked).To(BeEmpty())
		Expect(calls).To(BeEmpty())
	})

	It("should grow the backoff exponentially up to the cap", func() {
		p := New(Options{Backoff: time.Second, MaxBackoff: 5 * time.Second})
		h := &handler.Handler{ID: "a"}
		Expect(p.backoff(h, 1)).To(BeNumerically("~", time.Second, 100*time.Millisecond))
		Expect(p.backoff(h, 2)).To(BeNumerically("~", 2*time.Second, 200*time.Millisecond))
		Expect(p.backoff(h, 3)).To(BeNumerically("~", 4*time.Second, 400*time.Millisecond))
		Expect(p.backoff(h, 10)).To(BeNumerically("<=", 5500*time.Millisecond))

		h.Backoff = 3 * time.Second
		Expect(p.backoff(h, 1)).To(BeNumerically("~", 3*time.Second, 300*time.Millisecond))
	})
})
