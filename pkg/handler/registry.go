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
	"errors"
	"fmt"
	"sort"
	"sync"

	"sigs.k8s.io/handler-runtime/pkg/diff"
)

// ErrFrozen is returned when registering into a frozen Registry.
var ErrFrozen = errors.New("the registry is frozen, handlers must be registered before the engine starts")

// Registry holds the handlers of one resource in registration order.
type Registry struct {
	mu       sync.RWMutex
	handlers []Handler
	ids      map[string]struct{}
	frozen   bool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{ids: map[string]struct{}{}}
}

// Register adds h. It fails for malformed handlers and duplicate IDs.
func (r *Registry) Register(h Handler) error {
	if err := validate(h); err != nil {
		return fmt.Errorf("invalid handler %q: %w", h.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if _, ok := r.ids[h.ID]; ok {
		return fmt.Errorf("handler %q already registered", h.ID)
	}
	h.Reasons = append([]diff.Cause(nil), h.Reasons...)
	h.Field = append([]string(nil), h.Field...)
	r.ids[h.ID] = struct{}{}
	r.handlers = append(r.handlers, h)
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

func validate(h Handler) error {
	switch {
	case h.ID == "":
		return errors.New("ID must not be empty")
	case h.Fn == nil:
		return errors.New("Fn must not be nil")
	case h.Interval < 0, h.Timeout < 0, h.Deadline < 0, h.Backoff < 0:
		return errors.New("durations must not be negative")
	case h.Retries < 0:
		return errors.New("Retries must not be negative")
	case h.IsRecurring() && len(h.Reasons) > 0:
		return errors.New("recurring handlers run on every pass and take no Reasons")
	case h.Optional && !h.IsDeletion():
		return errors.New("only deletion handlers can be Optional")
	case len(h.Field) > 0 && h.IsDeletion():
		return errors.New("deletion handlers cannot watch a Field")
	}
	for _, reason := range h.Reasons {
		switch reason {
		case diff.Creation, diff.Update, diff.Resume, diff.Deletion:
		default:
			return fmt.Errorf("handlers cannot run for %q", reason)
		}
	}
	for _, segment := range h.Field {
		if segment == "" {
			return errors.New("Field must not contain empty segments")
		}
	}
	return nil
}

// Freeze makes the registry immutable.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Handlers returns all handlers in registration order.
func (r *Registry) Handlers() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Handler(nil), r.handlers...)
}

// Get returns the handler registered under id.
func (r *Registry) Get(id string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.handlers {
		if h.ID == id {
			return h, true
		}
	}
	return Handler{}, false
}

// Select returns the non-recurring handlers matching req, sorted by priority.
func (r *Registry) Select(req Request) []Handler {
	return r.sorted(func(h *Handler) bool {
		return !h.IsRecurring() && h.Matches(req)
	})
}

// Timers returns the recurring handlers matching req, sorted by priority.
func (r *Registry) Timers(req Request) []Handler {
	return r.sorted(func(h *Handler) bool {
		return h.IsRecurring() && h.Matches(req)
	})
}

// Deletion returns all deletion handlers, sorted by priority.
func (r *Registry) Deletion() []Handler {
	return r.sorted((*Handler).IsDeletion)
}

func (r *Registry) sorted(keep func(*Handler) bool) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Handler
	for i := range r.handlers {
		if keep(&r.handlers[i]) {
			out = append(out, r.handlers[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// RequiresFinalizer returns true if any mandatory deletion handler is
// registered.
func (r *Registry) RequiresFinalizer() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := range r.handlers {
		if r.handlers[i].IsDeletion() && !r.handlers[i].Optional {
			return true
		}
	}
	return false
}
