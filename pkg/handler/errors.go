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
	"time"
)

// TemporaryError asks for the handler to be retried. A zero Delay leaves the
// delay to the handler's backoff.
type TemporaryError struct {
	Err   error
	Delay time.Duration
}

// NewTemporaryError returns a TemporaryError wrapping err.
func NewTemporaryError(err error, delay time.Duration) error {
	return &TemporaryError{Err: err, Delay: delay}
}

func (e *TemporaryError) Error() string {
	if e.Delay > 0 {
		return fmt.Sprintf("temporary failure, retry in %s: %v", e.Delay, e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *TemporaryError) Unwrap() error {
	return e.Err
}

// PermanentError marks the handler as failed. Errors of any other type than
// TemporaryError are treated the same way.
type PermanentError struct {
	Err error
}

// NewPermanentError returns a PermanentError wrapping err.
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent failure: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsTemporary returns true if err asks for a retry, along with the requested
// delay. A PermanentError anywhere in the chain wins.
func IsTemporary(err error) (time.Duration, bool) {
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return 0, false
	}
	var temporary *TemporaryError
	if errors.As(err, &temporary) {
		return temporary.Delay, true
	}
	return 0, false
}

// IsPermanent returns true if err is not nil and does not ask for a retry.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	_, temporary := IsTemporary(err)
	return !temporary
}
