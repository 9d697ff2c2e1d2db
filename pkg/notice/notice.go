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

// Package notice sends human readable notices about objects, such as
// handler outcomes, to places where users look for them.
package notice

import (
	"unicode/utf8"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/tools/record"
)

// MaxMessageLength is the longest message a notice carries. The API server
// rejects events with much longer messages.
const MaxMessageLength = 1024

const truncationSuffix = "..."

// Sink receives notices tagged to an object.
type Sink interface {
	// Event sends a notice of eventType (corev1.EventTypeNormal or
	// corev1.EventTypeWarning) about obj.
	Event(obj *unstructured.Unstructured, eventType, reason, message string)
}

// Info sends a Normal notice.
func Info(s Sink, obj *unstructured.Unstructured, reason, message string) {
	s.Event(obj, corev1.EventTypeNormal, reason, message)
}

// Warn sends a Warning notice.
func Warn(s Sink, obj *unstructured.Unstructured, reason, message string) {
	s.Event(obj, corev1.EventTypeWarning, reason, message)
}

// Exception sends a Warning notice carrying err.
func Exception(s Sink, obj *unstructured.Unstructured, reason string, err error) {
	message := "<nil>"
	if err != nil {
		message = err.Error()
	}
	s.Event(obj, corev1.EventTypeWarning, reason, message)
}

// Truncate shortens message to at most MaxMessageLength bytes without
// splitting a UTF-8 sequence.
func Truncate(message string) string {
	if len(message) <= MaxMessageLength {
		return message
	}
	cut := MaxMessageLength - len(truncationSuffix)
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut] + truncationSuffix
}

// RecorderSink turns notices into cluster Events.
type RecorderSink struct {
	Recorder record.EventRecorder
}

var _ Sink = RecorderSink{}

// Event implements Sink.
func (s RecorderSink) Event(obj *unstructured.Unstructured, eventType, reason, message string) {
	if obj == nil {
		return
	}
	s.Recorder.Event(obj, eventType, reason, Truncate(message))
}

// NewBroadcastSink returns a RecorderSink posting Events through cs on behalf
// of component, and a function that stops the underlying broadcaster.
func NewBroadcastSink(cs kubernetes.Interface, component string) (Sink, func()) {
	broadcaster := record.NewBroadcaster()
	broadcaster.StartRecordingToSink(&typedcorev1.EventSinkImpl{Interface: cs.CoreV1().Events("")})
	recorder := broadcaster.NewRecorder(scheme.Scheme, corev1.EventSource{Component: component})
	return RecorderSink{Recorder: recorder}, broadcaster.Shutdown
}

// LogSink writes notices to a logger.
type LogSink struct {
	Log logr.Logger
}

var _ Sink = LogSink{}

// Event implements Sink.
func (s LogSink) Event(obj *unstructured.Unstructured, eventType, reason, message string) {
	log := s.Log
	if obj != nil {
		log = log.WithValues("namespace", obj.GetNamespace(), "name", obj.GetName())
	}
	log.Info(Truncate(message), "type", eventType, "reason", reason)
}

type multi []Sink

// Multi returns a Sink sending every notice to all of sinks.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

func (m multi) Event(obj *unstructured.Unstructured, eventType, reason, message string) {
	for _, s := range m {
		s.Event(obj, eventType, reason, message)
	}
}

type discard struct{}

func (discard) Event(*unstructured.Unstructured, string, string, string) {}

// Discard drops every notice.
var Discard Sink = discard{}
