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

package log

import (
	"sync/atomic"

	"github.com/go-logr/logr"
)

var root = newDelegatingRoot()

// delegatingRoot holds the current concrete sink. Every change bumps the
// generation so that derived sinks know to rebuild themselves.
type delegatingRoot struct {
	sink       atomic.Pointer[logr.LogSink]
	generation atomic.Uint64
}

func newDelegatingRoot() *delegatingRoot {
	r := &delegatingRoot{}
	var initial logr.LogSink = NullLogSink{}
	r.sink.Store(&initial)
	return r
}

func (r *delegatingRoot) fulfill(actual logr.LogSink) {
	if actual == nil {
		actual = NullLogSink{}
	}
	r.sink.Store(&actual)
	r.generation.Add(1)
}

func (r *delegatingRoot) child() *delegatingLogSink {
	return &delegatingLogSink{root: r}
}

type resolved struct {
	generation uint64
	sink       logr.LogSink
}

// delegatingLogSink is a logsink that delegates to whatever sink was last
// passed to SetLogger. Names and values are remembered and replayed onto the
// concrete sink, so loggers derived before SetLogger still work afterwards.
type delegatingLogSink struct {
	root      *delegatingRoot
	names     []string
	values    []interface{}
	callDepth int

	cache atomic.Pointer[resolved]
}

func (l *delegatingLogSink) resolve() logr.LogSink {
	generation := l.root.generation.Load()
	if c := l.cache.Load(); c != nil && c.generation == generation {
		return c.sink
	}

	sink := *l.root.sink.Load()
	for _, name := range l.names {
		sink = sink.WithName(name)
	}
	if len(l.values) > 0 {
		sink = sink.WithValues(l.values...)
	}
	// One extra frame for the delegating sink itself.
	if withCallDepth, ok := sink.(logr.CallDepthLogSink); ok {
		sink = withCallDepth.WithCallDepth(l.callDepth + 1)
	}
	l.cache.Store(&resolved{generation: generation, sink: sink})
	return sink
}

func (l *delegatingLogSink) derive() *delegatingLogSink {
	return &delegatingLogSink{
		root:      l.root,
		names:     append([]string(nil), l.names...),
		values:    append([]interface{}(nil), l.values...),
		callDepth: l.callDepth,
	}
}

// Init implements logr.LogSink. The concrete sink was initialized when its
// own logr.Logger was built.
func (l *delegatingLogSink) Init(logr.RuntimeInfo) {}

// Enabled tests whether this Logger is enabled.
func (l *delegatingLogSink) Enabled(level int) bool {
	return l.resolve().Enabled(level)
}

// Info logs a non-error message with the given key/value pairs as context.
func (l *delegatingLogSink) Info(level int, msg string, keysAndValues ...interface{}) {
	l.resolve().Info(level, msg, keysAndValues...)
}

// Error logs an error, with the given message and key/value pairs as context.
func (l *delegatingLogSink) Error(err error, msg string, keysAndValues ...interface{}) {
	l.resolve().Error(err, msg, keysAndValues...)
}

// WithName provides a new Logger with the name appended.
func (l *delegatingLogSink) WithName(name string) logr.LogSink {
	res := l.derive()
	res.names = append(res.names, name)
	return res
}

// WithValues provides a new Logger with the tags appended.
func (l *delegatingLogSink) WithValues(tags ...interface{}) logr.LogSink {
	res := l.derive()
	res.values = append(res.values, tags...)
	return res
}

// WithCallDepth implements logr.CallDepthLogSink.
func (l *delegatingLogSink) WithCallDepth(depth int) logr.LogSink {
	res := l.derive()
	res.callDepth += depth
	return res
}

// NullLogSink is a logr.LogSink that does nothing.
type NullLogSink struct{}

var _ logr.LogSink = NullLogSink{}

// Init implements logr.LogSink.
func (NullLogSink) Init(logr.RuntimeInfo) {}

// Info implements logr.LogSink.
func (NullLogSink) Info(_ int, _ string, _ ...interface{}) {}

// Enabled implements logr.LogSink.
func (NullLogSink) Enabled(_ int) bool { return false }

// Error implements logr.LogSink.
func (NullLogSink) Error(_ error, _ string, _ ...interface{}) {}

// WithName implements logr.LogSink.
func (log NullLogSink) WithName(_ string) logr.LogSink { return log }

// WithValues implements logr.LogSink.
func (log NullLogSink) WithValues(_ ...interface{}) logr.LogSink { return log }
