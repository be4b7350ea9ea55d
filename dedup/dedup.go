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

// Package dedup wraps a downstream listener so that redelivery of an
// already-forwarded (fingerprint, uuid) pair is suppressed. The same
// committed row is often observed both by a tier's own snapshot stream and
// again through the reconciler's synthetic event, and downstream consumers
// should never see it twice.
package dedup

import (
	"context"

	mapset "github.com/deckarep/golang-set"

	"github.com/GoogleChrome/docsync/docmodel"
)

type key struct {
	fingerprint docmodel.Fingerprint
	uuid        string
}

// Downstream is the listener being protected from redelivery.
type Downstream func(ctx context.Context, event docmodel.DocMetaSnapshotEvent) error

// Listener filters DocMetaSnapshotEvents before forwarding them to a
// Downstream listener. It is not safe for concurrent use: the facade's
// concurrency model serializes event handling per snapshot (§5).
type Listener struct {
	seen       mapset.Set
	downstream Downstream
}

// Wrap creates a Listener that forwards deduplicated events to downstream.
// The filter set it maintains lives for the Listener's lifetime.
func Wrap(downstream Downstream) *Listener {
	return &Listener{
		seen:       mapset.NewThreadUnsafeSet(),
		downstream: downstream,
	}
}

// Handle filters event down to the mutations whose (fingerprint, uuid) has
// not previously been forwarded by this Listener. If any mutations remain,
// the filtered event is forwarded to the downstream listener; if none
// remain, the event is dropped silently.
func (l *Listener) Handle(ctx context.Context, event docmodel.DocMetaSnapshotEvent) error {
	filtered, ok := l.Filter(ctx, event)
	if !ok {
		return nil
	}

	return l.downstream(ctx, filtered)
}

// Filter applies the same (fingerprint, uuid) redelivery check as Handle,
// but returns the filtered event instead of forwarding it, so a caller that
// needs to act on the survivors itself (the Replicating Listener gates both
// its local apply and its caller-forward on the same filtered set) doesn't
// have to stand up a second Listener.
func (l *Listener) Filter(ctx context.Context, event docmodel.DocMetaSnapshotEvent) (docmodel.DocMetaSnapshotEvent, bool) {
	fresh := make([]docmodel.DocMetaMutation, 0, len(event.DocMetaMutations))

	for _, mutation := range event.DocMetaMutations {
		k := key{fingerprint: mutation.Fingerprint, uuid: mutationUUID(ctx, mutation)}
		if l.seen.Contains(k) {
			continue
		}
		l.seen.Add(k)
		fresh = append(fresh, mutation)
	}

	if len(fresh) == 0 {
		return event, false
	}

	event.DocMetaMutations = fresh

	return event, true
}

// mutationUUID resolves the UUID a mutation's (fingerprint, uuid) dedup key
// is keyed on. Deletions carry no UUID of their own; the fingerprint alone
// is enough to dedup them since a fingerprint can only be deleted once
// between two observations of the same delete.
func mutationUUID(ctx context.Context, mutation docmodel.DocMetaMutation) string {
	if mutation.MutationType == docmodel.Deleted || mutation.DocInfoProvider == nil {
		return mutation.MutationType.String()
	}

	info, err := mutation.DocInfoProvider(ctx)
	if err != nil {
		// A provider error here is not this listener's to report: the
		// caller that actually needs the DocInfo (the replicating
		// listener or the latch) will observe and report the same
		// error when it resolves the provider itself. Falling back to
		// the fingerprint alone means a failing provider degrades
		// dedup granularity instead of crashing the filter.
		return ""
	}

	return info.UUID.String()
}
