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

// Package progress persists the progress of handlers inside the object they
// handle, so that a restarted process continues where the previous one
// stopped without any external storage.
package progress

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// State is the lifecycle state of one handler for one object.
type State string

const (
	// Pending handlers have not been attempted yet.
	Pending State = "pending"
	// Active handlers are being invoked. The state is never persisted.
	Active State = "active"
	// Retrying handlers failed temporarily and wait for their next attempt.
	Retrying State = "retrying"
	// Succeeded handlers are done.
	Succeeded State = "succeeded"
	// Failed handlers failed permanently and are not retried.
	Failed State = "failed"
)

// IsTerminal returns true for succeeded and failed.
func (s State) IsTerminal() bool {
	return s == Succeeded || s == Failed
}

// Record is the progress of one handler.
type Record struct {
	ID    string `json:"id"`
	State State  `json:"state"`

	// Attempts counts finished invocations.
	Attempts int `json:"attempts,omitempty"`

	// Started is the time of the first attempt.
	Started *metav1.MicroTime `json:"started,omitempty"`

	// LastAttempt is the time the last attempt finished.
	LastAttempt *metav1.MicroTime `json:"lastAttempt,omitempty"`

	// Delayed is the earliest time of the next attempt.
	Delayed *metav1.MicroTime `json:"delayed,omitempty"`

	// Message summarizes the last error.
	Message string `json:"message,omitempty"`

	// Digest identifies the essence the record was made for.
	Digest string `json:"digest,omitempty"`
}

// NewRecord returns a pending record.
func NewRecord(id string) Record {
	return Record{ID: id, State: Pending}
}

// IsDue returns true if nothing delays the next attempt at now.
func (r Record) IsDue(now time.Time) bool {
	return r.Delayed == nil || !r.Delayed.Time.After(now)
}

// Records maps handler IDs to their records.
type Records map[string]Record

// Get returns the record of id, or a pending one.
func (rs Records) Get(id string) Record {
	if r, ok := rs[id]; ok {
		return r
	}
	return NewRecord(id)
}

// Set stores r under its ID.
func (rs Records) Set(r Record) {
	rs[r.ID] = r
}

// Copy returns a shallow copy of rs. Records hold no shared state besides
// the immutable timestamps.
func (rs Records) Copy() Records {
	out := make(Records, len(rs))
	for id, r := range rs {
		out[id] = r
	}
	return out
}

// Stamp returns t with the precision a Record keeps.
func Stamp(t time.Time) *metav1.MicroTime {
	mt := metav1.NewMicroTime(t.Truncate(time.Microsecond))
	return &mt
}
