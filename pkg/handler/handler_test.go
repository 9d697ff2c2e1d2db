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

package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"sigs.k8s.io/handler-runtime/pkg/diff"
)

func noop(context.Context, Request) (Result, error) {
	return Result{}, nil
}

func ids(handlers []Handler) []string {
	out := make([]string, 0, len(handlers))
	for _, h := range handlers {
		out = append(out, h.ID)
	}
	return out
}

var _ = Describe("Errors", func() {
	It("should classify temporary errors with their delay", func() {
		err := fmt.Errorf("scaling: %w", NewTemporaryError(errors.New("not yet"), 10*time.Second))
		delay, ok := IsTemporary(err)
		Expect(ok).To(BeTrue())
		Expect(delay).To(Equal(10 * time.Second))
		Expect(IsPermanent(err)).To(BeFalse())
		Expect(err.Error()).To(ContainSubstring("not yet"))
	})

	It("should treat unclassified errors as permanent", func() {
		Expect(IsPermanent(errors.New("boom"))).To(BeTrue())
		Expect(IsPermanent(NewPermanentError(errors.New("boom")))).To(BeTrue())
		Expect(IsPermanent(nil)).To(BeFalse())
	})

	It("should let a permanent error win over a wrapped temporary one", func() {
		err := NewPermanentError(NewTemporaryError(errors.New("boom"), 0))
		_, ok := IsTemporary(err)
		Expect(ok).To(BeFalse())
		Expect(IsPermanent(err)).To(BeTrue())
	})
})

var _ = Describe("Registry", func() {
	var r *Registry

	BeforeEach(func() {
		r = NewRegistry()
	})

	It("should reject malformed handlers", func() {
		Expect(r.Register(Handler{Fn: noop})).To(MatchError(ContainSubstring("ID must not be empty")))
		Expect(r.Register(Handler{ID: "a"})).To(MatchError(ContainSubstring("Fn must not be nil")))
		Expect(r.Register(Handler{ID: "a", Fn: noop, Retries: -1})).NotTo(Succeed())
		Expect(r.Register(Handler{ID: "a", Fn: noop, Timeout: -time.Second})).NotTo(Succeed())
		Expect(r.Register(Handler{ID: "a", Fn: noop, Interval: time.Minute, Reasons: []diff.Cause{diff.Deletion}})).NotTo(Succeed())
		Expect(r.Register(Handler{ID: "a", Fn: noop, Optional: true})).NotTo(Succeed())
		Expect(r.Register(Handler{ID: "a", Fn: noop, Reasons: []diff.Cause{diff.Noop}})).NotTo(Succeed())
		Expect(r.Register(Handler{ID: "a", Fn: noop, Reasons: []diff.Cause{diff.Deletion}, Field: []string{"spec"}})).NotTo(Succeed())
		Expect(r.Register(Handler{ID: "a", Fn: noop, Field: []string{"spec", ""}})).NotTo(Succeed())
		Expect(r.Handlers()).To(BeEmpty())
	})

	It("should reject duplicate IDs", func() {
		Expect(r.Register(Handler{ID: "a", Fn: noop})).To(Succeed())
		Expect(r.Register(Handler{ID: "a", Fn: noop})).To(MatchError(ContainSubstring("already registered")))
		Expect(func() { r.MustRegister(Handler{ID: "a", Fn: noop}) }).To(Panic())
	})

	It("should reject registration after Freeze", func() {
		r.Freeze()
		Expect(r.Register(Handler{ID: "a", Fn: noop})).To(MatchError(ErrFrozen))
	})

	It("should select by cause and order by priority then registration", func() {
		r.MustRegister(Handler{ID: "create-low", Fn: noop, Reasons: []diff.Cause{diff.Creation}})
		r.MustRegister(Handler{ID: "change", Fn: noop})
		r.MustRegister(Handler{ID: "create-high", Fn: noop, Reasons: []diff.Cause{diff.Creation}, Priority: 10})
		r.MustRegister(Handler{ID: "resume", Fn: noop, Reasons: []diff.Cause{diff.Resume}})
		r.MustRegister(Handler{ID: "delete", Fn: noop, Reasons: []diff.Cause{diff.Deletion}})
		r.MustRegister(Handler{ID: "timer", Fn: noop, Interval: time.Minute})

		Expect(ids(r.Select(Request{Cause: diff.Creation}))).To(Equal([]string{"create-high", "create-low", "change"}))
		Expect(ids(r.Select(Request{Cause: diff.Update}))).To(Equal([]string{"change"}))
		Expect(ids(r.Select(Request{Cause: diff.Resume}))).To(Equal([]string{"resume"}))
		Expect(ids(r.Select(Request{Cause: diff.Deletion}))).To(Equal([]string{"delete"}))
		Expect(ids(r.Select(Request{Cause: diff.Noop}))).To(BeEmpty())

		Expect(ids(r.Timers(Request{Cause: diff.Noop}))).To(Equal([]string{"timer"}))
		Expect(ids(r.Timers(Request{Cause: diff.Deletion}))).To(BeEmpty())
		Expect(ids(r.Deletion())).To(Equal([]string{"delete"}))
	})

	It("should narrow field handlers to their field", func() {
		r.MustRegister(Handler{ID: "replicas", Fn: noop, Field: []string{"spec", "replicas"}, Reasons: []diff.Cause{diff.Update, diff.Resume}})
		r.MustRegister(Handler{ID: "image", Fn: noop, Field: []string{"spec", "image"}})

		old := map[string]interface{}{"spec": map[string]interface{}{"replicas": int64(1), "image": "a"}}
		new := map[string]interface{}{"spec": map[string]interface{}{"replicas": int64(2), "image": "a"}}
		req := Request{Cause: diff.Update, Diff: diff.Compute(old, new), Old: old, New: new}

		selected := r.Select(req)
		Expect(ids(selected)).To(Equal([]string{"replicas"}))

		narrowed := selected[0].Narrow(req)
		Expect(narrowed.Old).To(Equal(int64(1)))
		Expect(narrowed.New).To(Equal(int64(2)))
		Expect(narrowed.Diff).To(Equal(diff.Diff{{Op: diff.Change, Path: diff.Path{}, Old: int64(1), New: int64(2)}}))

		resume := Request{Cause: diff.Resume, Old: new, New: new}
		Expect(ids(r.Select(resume))).To(Equal([]string{"replicas"}))
		resume.New = map[string]interface{}{}
		Expect(r.Select(resume)).To(BeEmpty())
	})

	It("should apply value predicates to the narrowed request", func() {
		r.MustRegister(Handler{ID: "big", Fn: noop, Field: []string{"spec", "replicas"}, When: func(req Request) bool {
			n, ok := req.New.(int64)
			return ok && n > 5
		}})

		small := map[string]interface{}{"spec": map[string]interface{}{"replicas": int64(2)}}
		big := map[string]interface{}{"spec": map[string]interface{}{"replicas": int64(7)}}
		Expect(r.Select(Request{Cause: diff.Creation, Diff: diff.Compute(nil, small), New: small})).To(BeEmpty())
		Expect(ids(r.Select(Request{Cause: diff.Creation, Diff: diff.Compute(nil, big), New: big}))).To(Equal([]string{"big"}))
	})

	It("should require a finalizer only for mandatory deletion handlers", func() {
		r.MustRegister(Handler{ID: "create", Fn: noop})
		Expect(r.RequiresFinalizer()).To(BeFalse())

		r.MustRegister(Handler{ID: "optional", Fn: noop, Reasons: []diff.Cause{diff.Deletion}, Optional: true})
		Expect(r.RequiresFinalizer()).To(BeFalse())

		r.MustRegister(Handler{ID: "cleanup", Fn: noop, Reasons: []diff.Cause{diff.Deletion}})
		Expect(r.RequiresFinalizer()).To(BeTrue())
	})

	It("should not share slices with the caller", func() {
		field := []string{"spec", "a"}
		r.MustRegister(Handler{ID: "a", Fn: noop, Field: field})
		field[1] = "b"
		h, ok := r.Get("a")
		Expect(ok).To(BeTrue())
		Expect(h.Field).To(Equal([]string{"spec", "a"}))
	})
})
