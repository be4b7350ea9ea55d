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

// Package datastore defines the Datastore contract each tier must satisfy
// (§6) and implements FederatedDatastore (C8), the facade that federates a
// local and a cloud Datastore behind one interface: reads go to local,
// writes fan out to both through the Write Coordinator, and an initial
// bidirectional reconciliation plus ongoing replication keep the local
// mirror in agreement with the cloud tier.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/GoogleChrome/docsync/compindex"
	"github.com/GoogleChrome/docsync/dispatch"
	"github.com/GoogleChrome/docsync/docmodel"
	"github.com/GoogleChrome/docsync/errlistener"
	"github.com/GoogleChrome/docsync/latch"
	"github.com/GoogleChrome/docsync/reconcile"
	"github.com/GoogleChrome/docsync/replicate"
	"github.com/GoogleChrome/docsync/writecoord"
)

// ErrAlreadyInitialized is the panic value Init raises if called more than
// once on the same FederatedDatastore: invariant #1 permits at most one
// primary snapshot open at a time. A second call is a programmer error,
// not a recoverable runtime condition, so it panics rather than returning
// an error.
var ErrAlreadyInitialized = errors.New("datastore: already initialized")

// Backend identifies which file storage backend a file operation targets.
// Opaque to the core; tiers interpret it.
type Backend string

// DatastoreFile is the handle returned for a stored file. Opaque beyond
// the fields the core contract requires.
type DatastoreFile struct {
	Ref  docmodel.DocMetaFileRef
	Data []byte
	Meta string
}

// FileSynchronizationEvent is reserved for file-transfer observers. The
// core only carries the dispatch surface; population is the responsibility
// of whichever tier drives file replication (remote's own snapshot stream,
// per §1/§4.5).
type FileSynchronizationEvent struct {
	Backend Backend
	Ref     docmodel.DocMetaFileRef
}

// FileSyncNotifier lets a Tier implementation publish a
// FileSynchronizationEvent through the facade's dispatcher.
type FileSyncNotifier func(ctx context.Context, event FileSynchronizationEvent)

// SnapshotHandle is returned by Tier.Snapshot and by
// FederatedDatastore.Snapshot.
type SnapshotHandle struct {
	Unsubscribe func() error
}

// CallerListener is the snapshot listener a Snapshot caller supplies.
type CallerListener func(ctx context.Context, event docmodel.DocMetaSnapshotEvent) error

// Tier is the Datastore contract consumed from each of the two underlying
// stores (§6). The concrete local-disk and cloud-document-store
// implementations are external collaborators, out of scope for this
// module (§1); this interface is what they would satisfy.
type Tier interface {
	Init(ctx context.Context, onError errlistener.Func, onFileSync FileSyncNotifier) error
	Stop(ctx context.Context) error

	Contains(ctx context.Context, fp docmodel.Fingerprint) bool
	GetDocMeta(ctx context.Context, fp docmodel.Fingerprint) (string, error)
	GetDocMetaFiles(ctx context.Context) ([]docmodel.DocMetaFileRef, error)

	WriteFile(ctx context.Context, backend Backend, ref docmodel.DocMetaFileRef, data []byte, meta string) (DatastoreFile, error)
	GetFile(ctx context.Context, backend Backend, ref docmodel.DocMetaFileRef) (*DatastoreFile, error)
	ContainsFile(ctx context.Context, backend Backend, ref docmodel.DocMetaFileRef) bool
	DeleteFile(ctx context.Context, backend Backend, ref docmodel.DocMetaFileRef) error

	// WriteDocMeta performs an unconditional local-style apply, used by
	// the reconciler and by the Replicating Listener. It bypasses the
	// two-stage write coordinator: those callers already know which
	// single tier to write and don't need a cross-tier handle.
	WriteDocMeta(ctx context.Context, fp docmodel.Fingerprint, meta string, info docmodel.DocInfo) error

	// Write and Delete are this tier's half of a coordinated write: they
	// must invoke report for writecoord.StageWritten as soon as the
	// mutation is durable on this tier, and again for
	// writecoord.StageCommitted once visible to readers on this tier.
	Write(ctx context.Context, fp docmodel.Fingerprint, data string, info docmodel.DocInfo, report func(writecoord.Stage, error)) error
	Delete(ctx context.Context, ref docmodel.DocMetaFileRef, report func(writecoord.Stage, error)) error

	Snapshot(ctx context.Context, listener CallerListener, onError errlistener.Func) (SnapshotHandle, error)
}

// Option configures a FederatedDatastore at construction.
type Option func(*FederatedDatastore)

// WithErrorListener sets the default error listener used when Init or
// Snapshot is called without one of its own.
func WithErrorListener(fn errlistener.Func) Option {
	return func(f *FederatedDatastore) {
		f.defaultErrL = errlistener.Wrap(fn)
	}
}

// WithTracer overrides the tracer used to span Init/Snapshot/Write/Delete.
// The application shell that constructs a FederatedDatastore is
// responsible for installing a real TracerProvider; this module only
// needs something it can unconditionally call Start on (the package
// default, from the global otel provider, is a safe no-op until one is
// installed).
func WithTracer(tracer trace.Tracer) Option {
	return func(f *FederatedDatastore) {
		f.tracer = tracer
	}
}

// FederatedDatastore federates a local and a cloud Tier behind the
// Datastore contract (C8).
type FederatedDatastore struct {
	local, cloud Tier

	compIndex      *compindex.Index
	fileDispatcher *dispatch.Dispatcher[FileSynchronizationEvent]
	syncDispatcher *dispatch.Dispatcher[replicate.SynchronizationEvent]

	defaultErrL errlistener.Listener
	tracer      trace.Tracer

	snapshotSeq   atomic.Int64
	initStarted   atomic.Bool
	primaryOnce   sync.Once
	havePrimary   atomic.Bool
	primaryHandle SnapshotHandle
}

// New constructs a FederatedDatastore over local and cloud. Call Init
// before using it.
func New(local, cloud Tier, opts ...Option) *FederatedDatastore {
	f := &FederatedDatastore{
		local:          local,
		cloud:          cloud,
		compIndex:      compindex.New(),
		fileDispatcher: dispatch.New[FileSynchronizationEvent](),
		syncDispatcher: dispatch.New[replicate.SynchronizationEvent](),
		tracer:         otel.Tracer("github.com/GoogleChrome/docsync/datastore"),
	}
	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Init initializes both tiers concurrently, then opens the primary
// snapshot with a no-op caller listener. It blocks until both
// Initial-Snapshot Latches have released and both reconciliation passes
// have completed, matching the "present on both sides after init returns"
// guarantee. A tier init failure is fatal and propagated (init-failure,
// §7): the facade is unusable afterward.
//
// Init panics with ErrAlreadyInitialized if called more than once on the
// same FederatedDatastore: invariant #1 permits at most one primary
// snapshot open at a time, and a second Init would otherwise be silently
// demoted to a secondary snapshot by the primary-snapshot latch below,
// leaving the caller's second call falsely reporting success without ever
// running reconciliation.
func (f *FederatedDatastore) Init(ctx context.Context, onError errlistener.Func) error {
	if !f.initStarted.CompareAndSwap(false, true) {
		panic(ErrAlreadyInitialized)
	}

	ctx, span := f.tracer.Start(ctx, "datastore.Init")
	defer span.End()

	errL := errlistener.Wrap(onError)
	if onError == nil {
		errL = f.defaultErrL
	}

	var g errgroup.Group
	g.Go(func() error { return f.local.Init(ctx, errL.Report, f.notifyFileSync) })
	g.Go(func() error { return f.cloud.Init(ctx, errL.Report, f.notifyFileSync) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("datastore: init failed: %w", err)
	}

	_, err := f.Snapshot(ctx, func(context.Context, docmodel.DocMetaSnapshotEvent) error { return nil }, onError)
	if err != nil {
		return fmt.Errorf("datastore: opening primary snapshot failed: %w", err)
	}

	return nil
}

func (f *FederatedDatastore) notifyFileSync(ctx context.Context, event FileSynchronizationEvent) {
	f.fileDispatcher.Dispatch(ctx, event)
}

// Stop unsubscribes the primary snapshot, if one is open, then stops both
// tiers concurrently.
func (f *FederatedDatastore) Stop(ctx context.Context) error {
	if f.havePrimary.Load() && f.primaryHandle.Unsubscribe != nil {
		if err := f.primaryHandle.Unsubscribe(); err != nil {
			slog.Error("datastore: primary snapshot unsubscribe failed", "error", err)
		}
	}

	var g errgroup.Group
	g.Go(func() error { return f.local.Stop(ctx) })
	g.Go(func() error { return f.cloud.Stop(ctx) })

	return g.Wait()
}

// Contains, GetDocMeta, GetFile, ContainsFile, and GetDocMetaFiles all
// read from local only, for latency (§1).
func (f *FederatedDatastore) Contains(ctx context.Context, fp docmodel.Fingerprint) bool {
	return f.local.Contains(ctx, fp)
}

func (f *FederatedDatastore) GetDocMeta(ctx context.Context, fp docmodel.Fingerprint) (string, error) {
	return f.local.GetDocMeta(ctx, fp)
}

func (f *FederatedDatastore) GetFile(ctx context.Context, backend Backend, ref docmodel.DocMetaFileRef) (*DatastoreFile, error) {
	return f.local.GetFile(ctx, backend, ref)
}

func (f *FederatedDatastore) ContainsFile(ctx context.Context, backend Backend, ref docmodel.DocMetaFileRef) bool {
	return f.local.ContainsFile(ctx, backend, ref)
}

func (f *FederatedDatastore) GetDocMetaFiles(ctx context.Context) ([]docmodel.DocMetaFileRef, error) {
	return f.local.GetDocMetaFiles(ctx)
}

// WriteFile writes to cloud first, then to local, and returns the local
// handle.
func (f *FederatedDatastore) WriteFile(
	ctx context.Context, backend Backend, ref docmodel.DocMetaFileRef, data []byte, meta string,
) (DatastoreFile, error) {
	if _, err := f.cloud.WriteFile(ctx, backend, ref, data, meta); err != nil {
		return DatastoreFile{}, fmt.Errorf("datastore: cloud writeFile: %w", err)
	}

	local, err := f.local.WriteFile(ctx, backend, ref, data, meta)
	if err != nil {
		return DatastoreFile{}, fmt.Errorf("datastore: local writeFile: %w", err)
	}

	return local, nil
}

// DeleteFile deletes from cloud first, then local, to avoid leaving a
// local orphan after a transient cloud failure: if the cloud delete
// fails, local is left untouched.
func (f *FederatedDatastore) DeleteFile(ctx context.Context, backend Backend, ref docmodel.DocMetaFileRef) error {
	if err := f.cloud.DeleteFile(ctx, backend, ref); err != nil {
		return fmt.Errorf("datastore: cloud deleteFile: %w", err)
	}

	if err := f.local.DeleteFile(ctx, backend, ref); err != nil {
		return fmt.Errorf("datastore: local deleteFile: %w", err)
	}

	return nil
}

// Write performs a federated write via the Write Coordinator: both tiers
// are written concurrently, and regardless of the outcome the Comparison
// Index is updated with info once both tiers have resolved their
// committed stage.
func (f *FederatedDatastore) Write(
	ctx context.Context, fp docmodel.Fingerprint, data string, info docmodel.DocInfo,
) writecoord.Handle {
	ctx, span := f.tracer.Start(ctx, "datastore.Write")

	localSide := func(ctx context.Context, report func(writecoord.Stage, error)) error {
		return f.local.Write(ctx, fp, data, info, report)
	}
	cloudSide := func(ctx context.Context, report func(writecoord.Stage, error)) error {
		return f.cloud.Write(ctx, fp, data, info, report)
	}

	return writecoord.Run(ctx, localSide, cloudSide, func() {
		f.compIndex.Put(info)
		span.End()
	})
}

// Delete performs a federated delete via the Write Coordinator. The
// Comparison Index entry for ref.Fingerprint is removed once both tiers
// have resolved their committed stage, regardless of outcome.
func (f *FederatedDatastore) Delete(ctx context.Context, ref docmodel.DocMetaFileRef) writecoord.Handle {
	ctx, span := f.tracer.Start(ctx, "datastore.Delete")

	localSide := func(ctx context.Context, report func(writecoord.Stage, error)) error {
		return f.local.Delete(ctx, ref, report)
	}
	cloudSide := func(ctx context.Context, report func(writecoord.Stage, error)) error {
		return f.cloud.Delete(ctx, ref, report)
	}

	return writecoord.Run(ctx, localSide, cloudSide, func() {
		f.compIndex.Remove(ref.Fingerprint)
		span.End()
	})
}

// AddSynchronizationListener registers fn to receive every
// SynchronizationEvent the facade emits as it replicates committed remote
// mutations into local and as the reconciler copies documents between the
// tiers.
func (f *FederatedDatastore) AddSynchronizationListener(fn dispatch.Listener[replicate.SynchronizationEvent]) {
	f.syncDispatcher.AddListener(fn)
}

// AddFileSynchronizationListener registers fn to receive
// FileSynchronizationEvents. Population of this stream is a tier's
// responsibility (§6); the facade only carries the surface.
func (f *FederatedDatastore) AddFileSynchronizationListener(fn dispatch.Listener[FileSynchronizationEvent]) {
	f.fileDispatcher.AddListener(fn)
}

// Snapshot wires a fresh pair of Initial-Snapshot Latches and a fresh
// Replicating Listener onto both tiers, blocks until both latches release,
// runs the Two-Way Reconciler in both directions if this is the primary
// snapshot (the first call, including the one Init makes), marks initial
// sync completed for this snapshot's Replicating Listener, and returns a
// handle whose Unsubscribe tears down the cloud-side snapshot — the local
// side is tracked but its handle is retained by the latch, per §4.8.
func (f *FederatedDatastore) Snapshot(
	ctx context.Context, listener CallerListener, onError errlistener.Func,
) (SnapshotHandle, error) {
	ctx, span := f.tracer.Start(ctx, "datastore.Snapshot")
	defer span.End()

	errL := errlistener.Wrap(onError)
	if onError == nil {
		errL = f.defaultErrL
	}

	isPrimary := false
	f.primaryOnce.Do(func() { isPrimary = true })

	snapshotID := int(f.snapshotSeq.Add(1))
	localAdapted := localAdapter{tier: f.local}
	replicatingListener := replicate.New(localAdapted, f.compIndex, listener, f.syncDispatcher, errL)

	localLatch := latch.New(replicatingListener.HandleFromLocal, errL)
	cloudLatch := latch.New(replicatingListener.HandleFromRemote, errL)

	localHandle, err := f.local.Snapshot(ctx, localLatch.Handle, onError)
	if err != nil {
		return SnapshotHandle{}, fmt.Errorf("datastore: local snapshot: %w", err)
	}
	cloudHandle, err := f.cloud.Snapshot(ctx, cloudLatch.Handle, onError)
	if err != nil {
		if localHandle.Unsubscribe != nil {
			_ = localHandle.Unsubscribe()
		}

		return SnapshotHandle{}, fmt.Errorf("datastore: cloud snapshot: %w", err)
	}
	localLatch.Retain(localHandle)

	if err := localLatch.Await(ctx); err != nil {
		return SnapshotHandle{}, fmt.Errorf("datastore: local initial snapshot: %w", err)
	}
	if err := cloudLatch.Await(ctx); err != nil {
		return SnapshotHandle{}, fmt.Errorf("datastore: cloud initial snapshot: %w", err)
	}

	if isPrimary {
		localSide := reconcile.Side{Persistence: f.local, SyncDocMap: localLatch.SyncDocMap()}
		cloudSide := reconcile.Side{Persistence: f.cloud, SyncDocMap: cloudLatch.SyncDocMap()}

		toCloud := func(ctx context.Context, event docmodel.DocMetaSnapshotEvent) error {
			return replicatingListener.ObserveAndDispatch(ctx, event, replicate.DestinationCloud)
		}
		toLocal := func(ctx context.Context, event docmodel.DocMetaSnapshotEvent) error {
			return replicatingListener.ObserveAndDispatch(ctx, event, replicate.DestinationLocal)
		}

		reconcile.Synchronize(ctx, snapshotID, localSide, cloudSide, toCloud, errL)
		reconcile.Synchronize(ctx, snapshotID, cloudSide, localSide, toLocal, errL)
	}

	replicatingListener.MarkInitialSyncCompleted()

	handle := SnapshotHandle{Unsubscribe: cloudHandle.Unsubscribe}
	if isPrimary {
		f.primaryHandle = handle
		f.havePrimary.Store(true)
	}

	return handle, nil
}

// localAdapter narrows Tier down to replicate.Local: the Replicating
// Listener's apply path needs only an unconditional write/delete against
// local, not the two-stage Write Coordinator handshake.
type localAdapter struct {
	tier Tier
}

func (a localAdapter) WriteDocMeta(ctx context.Context, fp docmodel.Fingerprint, meta string, info docmodel.DocInfo) error {
	return a.tier.WriteDocMeta(ctx, fp, meta, info)
}

func (a localAdapter) Delete(ctx context.Context, ref docmodel.DocMetaFileRef) error {
	var reported error
	if err := a.tier.Delete(ctx, ref, func(_ writecoord.Stage, err error) {
		if err != nil {
			reported = err
		}
	}); err != nil {
		return err
	}

	return reported
}
