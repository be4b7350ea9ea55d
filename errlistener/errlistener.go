// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errlistener adapts the optional error-reporting callback threaded
// through the latch, reconciler, replicating listener, and write
// coordinator so that every caller can invoke it unconditionally instead of
// nil-checking it at every call site.
package errlistener

// Func is a user-supplied error observer. snapshot-source-error,
// reconcile-copy-error, and replicate-apply-error are all reported through
// one of these.
type Func func(error)

// Listener wraps an optional Func, making nil safe to call.
type Listener struct {
	fn Func
}

// Wrap returns a Listener around fn. fn may be nil.
func Wrap(fn Func) Listener {
	return Listener{fn: fn}
}

// Report invokes the wrapped callback if one was supplied; otherwise it is
// a no-op.
func (l Listener) Report(err error) {
	if l.fn != nil && err != nil {
		l.fn(err)
	}
}
