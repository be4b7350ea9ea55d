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

// Package latch implements the Initial-Snapshot Latch: a single-shot gate
// that consumes events from one tier's snapshot stream, accumulating a
// SyncDocMap, until a committed and batch-terminated marker arrives.
//
// This is an explicit struct owning {syncDocMap, completionSignal} rather
// than a closure reaching into enclosing variables, per the source's
// nested-class-capturing-outer-state design note: the struct is
// constructed once and handed its forwarding target at construction time,
// so its event handler never closes over caller-local state.
package latch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/GoogleChrome/docsync/docmodel"
	"github.com/GoogleChrome/docsync/errlistener"
)

// Forwarder is invoked for every event the latch observes, released or
// not. It is how the Replicating Listener receives events from the tier
// the latch is attached to.
type Forwarder func(ctx context.Context, event docmodel.DocMetaSnapshotEvent) error

// Latch accumulates a SyncDocMap from one tier's snapshot stream and
// releases exactly once, when a Committed event with a terminated batch
// arrives.
type Latch struct {
	forward   Forwarder
	onError   errlistener.Listener
	mu        sync.Mutex
	syncDocs  docmodel.SyncDocMap
	done      bool
	doneCh    chan struct{}
	closeOnce sync.Once
	retained  any
}

// New creates a Latch that always forwards events to forward (typically
// the Replicating Listener's handler for the tier this latch is attached
// to) and reports accumulation errors to onError.
func New(forward Forwarder, onError errlistener.Listener) *Latch {
	return &Latch{
		forward:  forward,
		onError:  onError,
		syncDocs: make(docmodel.SyncDocMap),
		doneCh:   make(chan struct{}),
	}
}

// Handle is the listener installed on the attached tier's snapshot. It
// always forwards the event, folds it into the accumulating SyncDocMap
// while the latch has not yet released, and releases on the first
// Committed, batch-terminated event.
func (l *Latch) Handle(ctx context.Context, event docmodel.DocMetaSnapshotEvent) error {
	forwardErr := l.forward(ctx, event)

	l.mu.Lock()
	alreadyDone := l.done
	if !alreadyDone {
		l.syncDocs.Apply(ctx, event, func(fp docmodel.Fingerprint, err error) {
			l.onError.Report(err)
			slog.Error("latch: failed to resolve DocInfo while accumulating snapshot", "fingerprint", fp, "error", err)
		})

		if event.Consistency == docmodel.Committed && event.Batch != nil && event.Batch.Terminated {
			l.done = true
		}
	}
	release := l.done && !alreadyDone
	l.mu.Unlock()

	if release {
		l.closeOnce.Do(func() { close(l.doneCh) })
	}

	return forwardErr
}

// Retain stores handle on the latch for the caller's bookkeeping: the
// attached tier's snapshot subscription handle is tracked here rather than
// exposed back to the facade's caller, who only gets the other tier's
// unsubscribe.
func (l *Latch) Retain(handle any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retained = handle
}

// Await blocks until the latch releases, or ctx is done, whichever comes
// first.
func (l *Latch) Await(ctx context.Context) error {
	select {
	case <-l.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SyncDocMap returns the accumulated map. Calling it before Await returns
// observes a partial, still-growing snapshot; callers that need the frozen
// result must call it only after Await returns.
func (l *Latch) SyncDocMap() docmodel.SyncDocMap {
	l.mu.Lock()
	defer l.mu.Unlock()

	frozen := make(docmodel.SyncDocMap, len(l.syncDocs))
	for fp, doc := range l.syncDocs {
		frozen[fp] = doc
	}

	return frozen
}
