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

/*
Package pkg provides libraries for building operators out of handler
functions. The engine watches resources, computes what changed in each object
since it was last handled, and calls the matching handlers until they
succeed. All progress is kept in the objects themselves, so an operator can
be restarted at any time.

# Handler

A handler.Handler is a function with a trigger: the causes it runs for
(creation, update, resume, deletion), optionally a field it is limited to,
and retry settings. Handlers are collected in a handler.Registry per
resource.

# Engine

engine.Engine runs one watch stream and one per-object queue per registered
resource. Events for the same object are processed one at a time and in
order; events that arrive while a pass is running are coalesced so that only
the latest state is handled next.

# Reconciliation pass

Each pass classifies the cause from the object and its last handled state,
invokes the selected handlers through invoke.Pipeline, and writes their
progress, results and the finalizer back with a single merge patch carrying
the object's resourceVersion. Conflicting patches are rebuilt on the fresh
object and retried.

# Progress

progress.AnnotationsStore keeps one record per handler and the last handled
state in annotations. Records of handlers that are retrying carry the time of
their next attempt, at which the object is woken up again.
*/
package pkg
