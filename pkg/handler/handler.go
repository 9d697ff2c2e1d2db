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
	"slices"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"sigs.k8s.io/handler-runtime/pkg/diff"
	"sigs.k8s.io/handler-runtime/pkg/notice"
	"sigs.k8s.io/handler-runtime/pkg/resource"
)

// Func is the user code invoked for an object.
type Func func(ctx context.Context, req Request) (Result, error)

// Request is what a handler gets to see about one invocation.
type Request struct {
	// Resource and Key identify the object.
	Resource resource.Resource
	Key      resource.ObjectKey

	// Object is the object as read at the start of the pass. Handlers must
	// not modify it; changes go into the Result.
	Object *unstructured.Unstructured

	// Cause is why the pass happens.
	Cause diff.Cause

	// Diff holds the changes since the object was last handled. For handlers
	// with a Field, paths are relative to the field.
	Diff diff.Diff

	// Old and New are the last handled and the current essence, or the
	// values of the field for handlers with a Field. Old is nil on creation.
	Old interface{}
	New interface{}

	// Retry counts earlier attempts of this handler for the same change.
	Retry int

	// Started is when the first attempt for this change was made.
	Started time.Time

	// Logger carries the object identity and the handler ID.
	Logger logr.Logger

	// Notices sends notices about the object.
	Notices notice.Sink
}

// Result is what a successful handler contributes to the object.
type Result struct {
	// Status is merged into the object's status.
	Status map[string]interface{}

	// Patch is a merge patch fragment applied to the object as a whole.
	Patch map[string]interface{}
}

// Handler is a registered handler with its triggers and retry policy.
type Handler struct {
	// ID identifies the handler among the handlers of one resource. The
	// progress of the handler is stored under it, so it must be stable
	// across restarts.
	ID string

	Fn Func

	// Reasons are the causes the handler runs for. Empty means creation and
	// update, unless Interval is set.
	Reasons []diff.Cause

	// Field limits the handler to changes at or below this field path.
	Field []string

	// When further limits the handler to requests it returns true for.
	When func(Request) bool

	// Priority orders handlers selected for the same pass, higher first.
	// Handlers of equal priority run in registration order.
	Priority int

	// Interval makes the handler recurring: it runs on every pass at most
	// once per Interval.
	Interval time.Duration

	// Timeout bounds one invocation. Zero uses the engine default.
	Timeout time.Duration

	// Retries is the maximum number of attempts. Zero means unlimited.
	Retries int

	// Deadline is the maximum time since the first attempt after which no
	// more retries are made. Zero means unlimited.
	Deadline time.Duration

	// Backoff is the initial delay between attempts. Zero uses the engine
	// default.
	Backoff time.Duration

	// Optional deletion handlers do not hold the object back with a
	// finalizer. They are attempted only if the object still exists.
	Optional bool
}

var defaultReasons = []diff.Cause{diff.Creation, diff.Update}

// IsRecurring returns true for handlers with an Interval.
func (h *Handler) IsRecurring() bool {
	return h.Interval > 0
}

// IsDeletion returns true for handlers running on deletion.
func (h *Handler) IsDeletion() bool {
	return slices.Contains(h.Reasons, diff.Deletion)
}

// RunsFor returns true if the handler is triggered by cause.
func (h *Handler) RunsFor(cause diff.Cause) bool {
	if h.IsRecurring() {
		return cause != diff.Deletion && cause != diff.Gone
	}
	if len(h.Reasons) == 0 {
		return slices.Contains(defaultReasons, cause)
	}
	return slices.Contains(h.Reasons, cause)
}

// Narrow returns req as seen by the handler: for handlers with a Field the
// diff is reduced to the field, and Old and New hold the field's values.
func (h *Handler) Narrow(req Request) Request {
	if len(h.Field) == 0 {
		return req
	}
	req.Diff = req.Diff.Reduce(h.Field...)
	req.Old = valueAt(req.Old, h.Field)
	req.New = valueAt(req.New, h.Field)
	return req
}

func valueAt(v interface{}, path []string) interface{} {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	return diff.Resolve(m, path...)
}

// Matches returns true if the handler should run for req, which must not be
// narrowed yet.
func (h *Handler) Matches(req Request) bool {
	if !h.RunsFor(req.Cause) {
		return false
	}
	narrowed := h.Narrow(req)
	if len(h.Field) > 0 && !h.IsRecurring() {
		switch req.Cause {
		case diff.Creation, diff.Update:
			if narrowed.Diff.IsEmpty() {
				return false
			}
		case diff.Resume:
			if narrowed.New == nil {
				return false
			}
		}
	}
	if h.When != nil && !h.When(narrowed) {
		return false
	}
	return true
}
