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

// Package config holds the settings of the engine and locates the
// configuration for talking to the API server.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/validation"
	"sigs.k8s.io/yaml"
)

// Settings tune the engine. Durations are written like "30s" or "5m".
type Settings struct {
	Watching    Watching    `json:"watching"`
	Queueing    Queueing    `json:"queueing"`
	Execution   Execution   `json:"execution"`
	Persistence Persistence `json:"persistence"`
	Patching    Patching    `json:"patching"`
}

// Watching configures the watch streams.
type Watching struct {
	// Namespace restricts watching to one namespace. Empty means all.
	Namespace string `json:"namespace,omitempty"`

	// ServerTimeout asks the API server to end each stream after this long.
	ServerTimeout metav1.Duration `json:"serverTimeout"`

	// ReconnectBackoff is the first delay before reconnecting a stream.
	ReconnectBackoff metav1.Duration `json:"reconnectBackoff"`

	// MaxReconnectBackoff caps the reconnect delay.
	MaxReconnectBackoff metav1.Duration `json:"maxReconnectBackoff"`

	// AllowBookmarks asks the API server for bookmark events.
	AllowBookmarks bool `json:"allowBookmarks"`
}

// Queueing configures the per-object queues.
type Queueing struct {
	// IdleTimeout retires the worker of an object with nothing to do.
	IdleTimeout metav1.Duration `json:"idleTimeout"`

	// BatchWindow lets rapid updates of an object pile up before they are
	// handled. Zero disables batching.
	BatchWindow metav1.Duration `json:"batchWindow"`

	// MaxWorkers bounds the passes running at the same time. Zero means no
	// bound.
	MaxWorkers int `json:"maxWorkers"`

	// ShutdownTimeout bounds how long passes in progress may take to finish
	// at shutdown.
	ShutdownTimeout metav1.Duration `json:"shutdownTimeout"`
}

// Execution configures handler invocation.
type Execution struct {
	// DefaultTimeout bounds handlers without their own timeout.
	DefaultTimeout metav1.Duration `json:"defaultTimeout"`

	// DefaultBackoff is the first retry delay of handlers without their own.
	DefaultBackoff metav1.Duration `json:"defaultBackoff"`

	// MaxBackoff caps retry delays.
	MaxBackoff metav1.Duration `json:"maxBackoff"`
}

// Persistence configures where progress is kept in the objects.
type Persistence struct {
	// AnnotationPrefix is the annotation domain of handler records.
	AnnotationPrefix string `json:"annotationPrefix"`

	// Finalizer is the finalizer that holds objects back until their
	// deletion handlers are done.
	Finalizer string `json:"finalizer"`
}

// Patching configures how patches are applied.
type Patching struct {
	// MaxAttempts is the number of attempts of a conflicting patch.
	MaxAttempts int `json:"maxAttempts"`
}

// Default returns the default settings.
func Default() Settings {
	return Settings{
		Watching: Watching{
			ReconnectBackoff:    metav1.Duration{Duration: time.Second},
			MaxReconnectBackoff: metav1.Duration{Duration: time.Minute},
			ServerTimeout:       metav1.Duration{Duration: 10 * time.Minute},
		},
		Queueing: Queueing{
			IdleTimeout:     metav1.Duration{Duration: 5 * time.Second},
			BatchWindow:     metav1.Duration{Duration: 100 * time.Millisecond},
			ShutdownTimeout: metav1.Duration{Duration: 30 * time.Second},
		},
		Execution: Execution{
			DefaultTimeout: metav1.Duration{Duration: 10 * time.Minute},
			DefaultBackoff: metav1.Duration{Duration: time.Minute},
			MaxBackoff:     metav1.Duration{Duration: 15 * time.Minute},
		},
		Persistence: Persistence{
			AnnotationPrefix: "handler-runtime.k8s.io",
			Finalizer:        "handler-runtime.k8s.io/finalizer",
		},
		Patching: Patching{
			MaxAttempts: 3,
		},
	}
}

// Load reads settings from a YAML file. Fields missing from the file keep
// their defaults, unknown fields are an error.
func Load(path string) (Settings, error) {
	s := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("failed to read settings: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("invalid settings %s: %w", path, err)
	}
	return s, nil
}

// Validate returns all problems with s.
func (s Settings) Validate() error {
	var errs []error
	nonNegative := map[string]metav1.Duration{
		"watching.serverTimeout":       s.Watching.ServerTimeout,
		"watching.reconnectBackoff":    s.Watching.ReconnectBackoff,
		"watching.maxReconnectBackoff": s.Watching.MaxReconnectBackoff,
		"queueing.idleTimeout":         s.Queueing.IdleTimeout,
		"queueing.batchWindow":         s.Queueing.BatchWindow,
		"queueing.shutdownTimeout":     s.Queueing.ShutdownTimeout,
		"execution.defaultTimeout":     s.Execution.DefaultTimeout,
		"execution.defaultBackoff":     s.Execution.DefaultBackoff,
		"execution.maxBackoff":         s.Execution.MaxBackoff,
	}
	for field, d := range nonNegative {
		if d.Duration < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", field))
		}
	}
	if s.Watching.MaxReconnectBackoff.Duration < s.Watching.ReconnectBackoff.Duration {
		errs = append(errs, errors.New("watching.maxReconnectBackoff must not be less than watching.reconnectBackoff"))
	}
	if s.Queueing.MaxWorkers < 0 {
		errs = append(errs, errors.New("queueing.maxWorkers must not be negative"))
	}
	if s.Patching.MaxAttempts < 1 {
		errs = append(errs, errors.New("patching.maxAttempts must be at least 1"))
	}
	for _, msg := range validation.IsDNS1123Subdomain(s.Persistence.AnnotationPrefix) {
		errs = append(errs, fmt.Errorf("persistence.annotationPrefix: %s", msg))
	}
	for _, msg := range validation.IsQualifiedName(s.Persistence.Finalizer) {
		errs = append(errs, fmt.Errorf("persistence.finalizer: %s", msg))
	}
	return utilerrors.NewAggregate(errs)
}
