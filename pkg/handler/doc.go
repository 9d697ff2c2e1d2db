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
Package handler defines the handlers the engine invokes for objects of a
resource, the triggers that select them, and the errors they return to ask
for a retry or to give up.

# Triggers

A Handler is selected by the cause of a reconciliation pass (creation,
update, resume or deletion), optionally narrowed down to changes of one
field and to a value predicate. A Handler with an Interval is recurring: it
runs on every pass once it is due, regardless of the cause, except while the
object is being deleted.

# Outcomes

A handler that returns nil has succeeded and is not invoked again for the
same change. A TemporaryError asks for a retry after a delay. Every other
error, including PermanentError, marks the handler as failed.
*/
package handler
