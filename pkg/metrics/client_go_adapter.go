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
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	clientmetrics "k8s.io/client-go/tools/metrics"
)

var restBuckets = []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1.0, 2.0, 4.0, 8.0, 15.0, 30.0, 60.0}

// REST client metrics. Latencies are by verb only, hosts would explode the
// cardinality.
var (
	restRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rest_client_requests_total",
		Help: "Requests sent to the API server, by status code, method and host.",
	}, []string{"code", "method", "host"})

	restLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rest_client_request_duration_seconds",
		Help:    "API request latency in seconds, by verb.",
		Buckets: restBuckets,
	}, []string{"verb"})

	restThrottled = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rest_client_rate_limiter_duration_seconds",
		Help:    "Time API requests waited for the client-side rate limiter, by verb.",
		Buckets: restBuckets,
	}, []string{"verb"})

	restRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rest_client_request_retries_total",
		Help: "API request retries, by status code and verb.",
	}, []string{"code", "verb"})
)

var registerClientOnce sync.Once

// RegisterClientMetrics routes client-go's REST client metrics into
// Registry. Only the first call has an effect.
func RegisterClientMetrics() {
	registerClientOnce.Do(func() {
		Registry.MustRegister(restRequests, restLatency, restThrottled, restRetries)
		clientmetrics.Register(clientmetrics.RegisterOpts{
			RequestResult:      resultCounter{restRequests},
			RequestLatency:     latencyHistogram{restLatency},
			RateLimiterLatency: latencyHistogram{restThrottled},
			RequestRetry:       retryCounter{restRetries},
		})
	})
}

type resultCounter struct{ *prometheus.CounterVec }

func (c resultCounter) Increment(_ context.Context, code, method, host string) {
	c.WithLabelValues(code, method, host).Inc()
}

type latencyHistogram struct{ *prometheus.HistogramVec }

func (h latencyHistogram) Observe(_ context.Context, verb string, _ url.URL, latency time.Duration) {
	h.WithLabelValues(verb).Observe(latency.Seconds())
}

type retryCounter struct{ *prometheus.CounterVec }

func (c retryCounter) IncrementRetry(_ context.Context, code, method, _ string) {
	c.WithLabelValues(code, method).Inc()
}
