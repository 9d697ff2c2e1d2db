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

// Package metrics contains the prometheus metrics exposed by the engine, the
// adapters feeding client-go's own metrics into the same registry, and a small
// server exposing them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// DefaultMetrics are process and Go runtime metrics. They are not registered
// with Registry by default; a binary may opt in with RegisterDefaults.
var DefaultMetrics = []prometheus.Collector{
	collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	collectors.NewGoCollector(),
}

// Registry is a prometheus registry for storing metrics within handler-runtime.
var Registry = prometheus.NewRegistry()

// RegisterDefaults registers DefaultMetrics with Registry.
func RegisterDefaults() error {
	for _, c := range DefaultMetrics {
		if err := Registry.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
