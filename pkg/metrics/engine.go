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

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const subsystem = "handler_runtime"

var (
	// WatchEvents counts the events delivered by the watch stream consumer.
	WatchEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "watch_events_total",
		Help:      "Total number of events delivered per resource and event type",
	}, []string{"resource", "type"})

	// WatchRestarts counts the watch streams that had to be re-established.
	WatchRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "watch_restarts_total",
		Help:      "Total number of watch stream restarts per resource and reason",
	}, []string{"resource", "reason"})

	// Relists counts the full listings performed by the watch stream consumer.
	Relists = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "relists_total",
		Help:      "Total number of full resource listings",
	}, []string{"resource"})

	// Workers is the number of live per-object workers.
	Workers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: subsystem,
		Name:      "workers",
		Help:      "Number of live per-object workers",
	}, []string{"resource"})

	// Coalesced counts events superseded by a newer event for the same object
	// before they were processed.
	Coalesced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "coalesced_events_total",
		Help:      "Total number of events superseded before processing",
	}, []string{"resource"})

	// HandlerInvocations counts handler invocations by outcome.
	HandlerInvocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "handler_invocations_total",
		Help:      "Total number of handler invocations per handler and outcome",
	}, []string{"resource", "handler", "outcome"})

	// HandlerDuration observes how long handler invocations take.
	HandlerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem:                       subsystem,
		Name:                            "handler_duration_seconds",
		Help:                            "Length of time per handler invocation",
		Buckets:                         prometheus.ExponentialBuckets(0.001, 2, 16),
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: 1 * time.Hour,
	}, []string{"resource", "handler"})

	// Patches counts the patches sent by the applier by result.
	Patches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "patches_total",
		Help:      "Total number of patches sent per resource and result",
	}, []string{"resource", "result"})
)

// Handler invocation outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeTemporary = "temporary"
	OutcomePermanent = "permanent"
	OutcomeTimeout   = "timeout"
)

// Patch results.
const (
	PatchApplied  = "applied"
	PatchConflict = "conflict"
	PatchGone     = "gone"
	PatchFailed   = "failed"
)

func init() {
	Registry.MustRegister(
		WatchEvents,
		WatchRestarts,
		Relists,
		Workers,
		Coalesced,
		HandlerInvocations,
		HandlerDuration,
		Patches,
	)
}
