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

// Package replicate implements the Replicating Listener: once initial sync
// has completed, it applies committed mutations observed from the remote
// tier onto the local tier, forwards every event it sees (from either
// tier) to the caller's snapshot listener, and announces applied
// mutations on the synchronization dispatcher.
//
// Two independent listener registrations for the same snapshot
// (initial-capture plus replicating-forward) are re-expressed here as a
// single listener whose behavior branches on initialSyncCompleted — the
// branching is state-driven, not structural, per the source's design note.
// Local apply is one-directional by construction: only the remote->local
// path exists, so a local write re-observed through the local snapshot is
// inert.
//
// A single shared Dedup Listener gates both the caller-forward and the
// local-apply paths, for either tier and for the reconciler's synthetic
// events alike, so the caller never observes a duplicate (fingerprint,
// uuid) regardless of which of those three sources produced it, and a
// row the reconciler already copied is never re-applied when the same
// committed row later arrives on the live snapshot stream.
package replicate

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/GoogleChrome/docsync/compindex"
	"github.com/GoogleChrome/docsync/dedup"
	"github.com/GoogleChrome/docsync/docmodel"
	"github.com/GoogleChrome/docsync/errlistener"
)

// Destination is which tier a SynchronizationEvent was applied to.
type Destination int

const (
	DestinationLocal Destination = iota
	DestinationCloud
)

func (d Destination) String() string {
	if d == DestinationCloud {
		return "cloud"
	}

	return "local"
}

// SynchronizationEvent is emitted after a committed remote event has been
// processed against local, and for each document the reconciler copies;
// Dest names the tier that was written to.
type SynchronizationEvent struct {
	docmodel.DocMetaSnapshotEvent
	Dest Destination
}

// Local is the subset of the Datastore contract the listener applies
// committed remote mutations to.
type Local interface {
	WriteDocMeta(ctx context.Context, fp docmodel.Fingerprint, meta string, info docmodel.DocInfo) error
	Delete(ctx context.Context, ref docmodel.DocMetaFileRef) error
}

// SyncDispatch is the narrow interface onto the facade's synchronization
// event dispatcher.
type SyncDispatch interface {
	Dispatch(ctx context.Context, event SynchronizationEvent)
}

// Index is the subset of the Comparison Index (C1) the apply path
// consults: a committed remote mutation only applies if it is newer than
// what the index has on record for its fingerprint (invariant #4), and a
// successful apply updates the index so the next mutation is compared
// against it, not against the stale entry from before this apply.
type Index interface {
	Get(fp docmodel.Fingerprint) (compindex.Entry, bool)
	Put(info docmodel.DocInfo)
	Remove(fp docmodel.Fingerprint)
}

// CallerListener is the snapshot listener the facade's caller registered
// for this snapshot.
type CallerListener func(ctx context.Context, event docmodel.DocMetaSnapshotEvent) error

// Listener is the Replicating Listener created per snapshot. It is
// installed on both Initial-Snapshot Latches so it receives events from
// both tiers; its ObserveAndDispatch method is also the reconcile.Listener
// the Two-Way Reconciler's synthetic copy events are delivered to, in both
// directions.
type Listener struct {
	local   Local
	index   Index
	caller  CallerListener
	sync    SyncDispatch
	onError errlistener.Listener
	dedup   *dedup.Listener

	// completed latches true once reconciliation has finished; remote
	// mutations are only applied after that point (invariant #3).
	completed atomic.Bool

	// mu serializes Handle* across concurrent callers, so a later
	// committed event can never apply before an earlier one finishes,
	// and the shared dedup set is never raced.
	mu sync.Mutex
}

// New creates a Listener targeting local, forwarding every event to
// caller, reporting apply failures to onError, and announcing applied
// mutations on syncDispatch. index is consulted before every apply to
// enforce newer-wins (invariant #4) and updated after every apply that
// goes through.
func New(local Local, index Index, caller CallerListener, syncDispatch SyncDispatch, onError errlistener.Listener) *Listener {
	l := &Listener{local: local, index: index, caller: caller, sync: syncDispatch, onError: onError}
	l.dedup = dedup.Wrap(nil) // downstream unused; Filter is called directly.

	return l
}

// MarkInitialSyncCompleted flips the listener from latch-passthrough mode
// into replication mode. Called once, by the facade, after both
// Initial-Snapshot Latches have released and both reconciliation passes
// have run.
func (l *Listener) MarkInitialSyncCompleted() {
	l.completed.Store(true)
}

// HandleFromLocal is installed on the local tier's Initial-Snapshot Latch
// as its Forwarder. The local side never drives replication (only the
// remote->local direction exists): it dedups and forwards to the caller,
// but never applies anything to either tier.
func (l *Listener) HandleFromLocal(ctx context.Context, event docmodel.DocMetaSnapshotEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.forwardToCaller(ctx, event)
}

// ObserveAndDispatch dedups event against the shared set and forwards the
// survivors to the caller, without applying anything — the reconciler
// already performed the write itself, directly against the target's
// Persistence. It is the Listener the Two-Way Reconciler's synthetic
// events are delivered to, in both directions; dest names which tier the
// reconciler just wrote to, so every copy also keeps the index in
// agreement with that write and is announced on the synchronization
// dispatcher exactly as a live remote apply would be (§8: a dest=local
// SynchronizationEvent must have fired for every fingerprint the
// reconciler filled into local at init). Only the caller-forward is
// deduped: the copied row has usually already reached the caller through
// the source tier's own initial snapshot.
func (l *Listener) ObserveAndDispatch(ctx context.Context, event docmodel.DocMetaSnapshotEvent, dest Destination) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if dest == DestinationLocal {
		l.updateIndex(ctx, event)
	}

	if l.sync != nil {
		l.sync.Dispatch(ctx, SynchronizationEvent{DocMetaSnapshotEvent: event, Dest: dest})
	}

	return l.forwardToCaller(ctx, event)
}

// HandleFromRemote is installed on the remote tier's Initial-Snapshot
// Latch as its Forwarder. Before initial sync completes it only forwards
// to the caller (invariant #3: no apply before reconciliation). Once
// initial sync has completed, every Committed mutation observed from the
// live remote stream (deduped against the shared set) is applied to local
// before the event is forwarded to the caller.
func (l *Listener) HandleFromRemote(ctx context.Context, event docmodel.DocMetaSnapshotEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.completed.Load() || event.Consistency != docmodel.Committed {
		return l.forwardToCaller(ctx, event)
	}

	filtered, ok := l.dedup.Filter(ctx, event)
	if !ok {
		return nil
	}

	for _, mutation := range filtered.DocMetaMutations {
		if err := l.applyMutation(ctx, mutation); err != nil {
			l.onError.Report(err)
			slog.Error("replicate: failed to apply mutation", "fingerprint", mutation.Fingerprint, "error", err)
		}
	}

	if l.sync != nil {
		l.sync.Dispatch(ctx, SynchronizationEvent{DocMetaSnapshotEvent: filtered, Dest: DestinationLocal})
	}

	if l.caller == nil {
		return nil
	}

	return l.caller(ctx, filtered)
}

func (l *Listener) forwardToCaller(ctx context.Context, event docmodel.DocMetaSnapshotEvent) error {
	filtered, ok := l.dedup.Filter(ctx, event)
	if !ok || l.caller == nil {
		return nil
	}

	return l.caller(ctx, filtered)
}

// updateIndex folds a reconciler-copied event's mutations into the index, mirroring what applyMutation does for a live
// remote apply. It never errors: a provider failure here just leaves the
// index stale for that fingerprint, which the next snapshot will correct.
func (l *Listener) updateIndex(ctx context.Context, event docmodel.DocMetaSnapshotEvent) {
	if l.index == nil {
		return
	}

	for _, mutation := range event.DocMetaMutations {
		if mutation.MutationType == docmodel.Deleted {
			l.index.Remove(mutation.Fingerprint)

			continue
		}

		if mutation.DocInfoProvider == nil {
			continue
		}

		if info, err := mutation.DocInfoProvider(ctx); err == nil {
			l.index.Put(info)
		}
	}
}

// isStale reports whether a mutation's fingerprint already has an index
// entry at least as new as incoming, per invariant #4: a committed
// mutation no newer than what was already applied is a no-op.
func (l *Listener) isStale(fp docmodel.Fingerprint, incoming docmodel.DocInfo) bool {
	if l.index == nil {
		return false
	}

	existing, ok := l.index.Get(fp)
	if !ok {
		return false
	}

	return !incoming.UUID.Newer(existing.UUID)
}

func (l *Listener) applyMutation(ctx context.Context, mutation docmodel.DocMetaMutation) error {
	switch mutation.MutationType {
	case docmodel.Created, docmodel.Updated:
		if mutation.DocInfoProvider == nil || mutation.DocMetaProvider == nil {
			return nil
		}
		info, err := mutation.DocInfoProvider(ctx)
		if err != nil {
			return err
		}

		if l.isStale(mutation.Fingerprint, info) {
			return nil
		}

		meta, err := mutation.DocMetaProvider(ctx)
		if err != nil {
			return err
		}

		if err := l.local.WriteDocMeta(ctx, mutation.Fingerprint, meta, info); err != nil {
			return err
		}
		if l.index != nil {
			l.index.Put(info)
		}

		return nil

	case docmodel.Deleted:
		ref := docmodel.DocMetaFileRef{Fingerprint: mutation.Fingerprint}
		var info docmodel.DocInfo
		var haveInfo bool
		if mutation.DocInfoProvider != nil {
			if resolved, err := mutation.DocInfoProvider(ctx); err == nil {
				info, haveInfo = resolved, true
				ref.UUID.Value, ref.UUID.IsSet = info.UUID, true
				ref.DocFile = info.DocMetaFileRef.DocFile
			}
		}

		if haveInfo && l.isStale(mutation.Fingerprint, info) {
			return nil
		}

		if err := l.local.Delete(ctx, ref); err != nil {
			return err
		}
		if l.index != nil {
			l.index.Remove(mutation.Fingerprint)
		}

		return nil

	default:
		return nil
	}
}
