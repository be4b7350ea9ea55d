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

// Package fakestore is an in-memory datastore.Tier used by tests to drive
// the facade end to end without a real local disk or cloud document store.
//
// Its initial snapshot batch is produced by a small worker pool rather than
// a single loop: each seed row is converted to its DocMetaSnapshotEvent by
// whichever of numWorkers goroutines picks it up, mirroring how a real
// tier's snapshot stream is fed by concurrent shard readers. Errors from
// individual workers are aggregated and reported through onError instead of
// aborting the whole batch.
package fakestore

import (
	"context"
	"fmt"
	"sync"

	"github.com/GoogleChrome/docsync/datastore"
	"github.com/GoogleChrome/docsync/docmodel"
	"github.com/GoogleChrome/docsync/errlistener"
	"github.com/GoogleChrome/docsync/generic"
	"github.com/GoogleChrome/docsync/workerpool"
	"github.com/GoogleChrome/docsync/writecoord"
)

// Seed is one document the Store is pre-populated with before its first
// Snapshot call, which seeds the Initial-Snapshot Latch's accumulated
// SyncDocMap.
type Seed struct {
	Fingerprint docmodel.Fingerprint
	Meta        string
	Info        docmodel.DocInfo
}

type fileKey struct {
	backend datastore.Backend
	ref     docmodel.DocMetaFileRef
}

// Store is a minimal, in-memory datastore.Tier.
type Store struct {
	Name       string
	NumWorkers int

	mu        sync.Mutex
	docs      map[docmodel.Fingerprint]string
	infos     map[docmodel.Fingerprint]docmodel.DocInfo
	files     map[fileKey]datastore.DatastoreFile
	seed      []Seed
	listeners map[int]listenerEntry
	nextID    int
	onFile    datastore.FileSyncNotifier
}

type listenerEntry struct {
	fn     datastore.CallerListener
	active bool
}

// New creates a Store pre-populated with seed and pronounced name in its
// logging/errors. numWorkers controls the concurrency of the initial
// snapshot batch's production; it is clamped to at least 1.
func New(name string, numWorkers int, seed []Seed) *Store {
	if numWorkers < 1 {
		numWorkers = 1
	}

	s := &Store{
		Name:       name,
		NumWorkers: numWorkers,
		docs:       make(map[docmodel.Fingerprint]string),
		infos:      make(map[docmodel.Fingerprint]docmodel.DocInfo),
		files:      make(map[fileKey]datastore.DatastoreFile),
		seed:       seed,
		listeners:  make(map[int]listenerEntry),
	}
	for _, sd := range seed {
		s.docs[sd.Fingerprint] = sd.Meta
		s.infos[sd.Fingerprint] = sd.Info
	}

	return s
}

// Init satisfies datastore.Tier. It retains onFileSync so file operations
// can announce themselves, and otherwise has nothing to do: the Store
// starts ready.
func (s *Store) Init(_ context.Context, _ errlistener.Func, onFileSync datastore.FileSyncNotifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFile = onFileSync

	return nil
}

// Stop satisfies datastore.Tier; the Store holds no external resources.
func (s *Store) Stop(context.Context) error { return nil }

func (s *Store) Contains(_ context.Context, fp docmodel.Fingerprint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.docs[fp]

	return ok
}

func (s *Store) GetDocMeta(_ context.Context, fp docmodel.Fingerprint) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.docs[fp]
	if !ok {
		return "", fmt.Errorf("fakestore[%s]: no DocMeta for %q", s.Name, fp)
	}

	return meta, nil
}

func (s *Store) GetDocMetaFiles(_ context.Context) ([]docmodel.DocMetaFileRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	refs := make([]docmodel.DocMetaFileRef, 0, len(s.infos))
	for fp, info := range s.infos {
		refs = append(refs, docmodel.DocMetaFileRef{
			Fingerprint: fp,
			UUID:        generic.SetOpt(info.UUID),
		})
	}

	return refs, nil
}

func (s *Store) WriteFile(
	ctx context.Context, backend datastore.Backend, ref docmodel.DocMetaFileRef, data []byte, meta string,
) (datastore.DatastoreFile, error) {
	s.mu.Lock()
	f := datastore.DatastoreFile{Ref: ref, Data: append([]byte(nil), data...), Meta: meta}
	s.files[fileKey{backend: backend, ref: ref}] = f
	onFile := s.onFile
	s.mu.Unlock()

	if onFile != nil {
		onFile(ctx, datastore.FileSynchronizationEvent{Backend: backend, Ref: ref})
	}

	return f, nil
}

func (s *Store) GetFile(_ context.Context, backend datastore.Backend, ref docmodel.DocMetaFileRef) (*datastore.DatastoreFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileKey{backend: backend, ref: ref}]
	if !ok {
		return nil, nil
	}

	return &f, nil
}

func (s *Store) ContainsFile(_ context.Context, backend datastore.Backend, ref docmodel.DocMetaFileRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[fileKey{backend: backend, ref: ref}]

	return ok
}

func (s *Store) DeleteFile(_ context.Context, backend datastore.Backend, ref docmodel.DocMetaFileRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, fileKey{backend: backend, ref: ref})

	return nil
}

func (s *Store) WriteDocMeta(_ context.Context, fp docmodel.Fingerprint, meta string, info docmodel.DocInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[fp] = meta
	s.infos[fp] = info

	return nil
}

func (s *Store) Write(
	ctx context.Context, fp docmodel.Fingerprint, data string, info docmodel.DocInfo, report func(writecoord.Stage, error),
) error {
	report(writecoord.StageWritten, nil)

	if err := s.WriteDocMeta(ctx, fp, data, info); err != nil {
		report(writecoord.StageCommitted, err)

		return err
	}

	report(writecoord.StageCommitted, nil)

	return nil
}

func (s *Store) Delete(_ context.Context, ref docmodel.DocMetaFileRef, report func(writecoord.Stage, error)) error {
	report(writecoord.StageWritten, nil)

	s.mu.Lock()
	delete(s.docs, ref.Fingerprint)
	delete(s.infos, ref.Fingerprint)
	s.mu.Unlock()

	report(writecoord.StageCommitted, nil)

	return nil
}

// Snapshot registers listener and replays the Store's seed rows as a
// single batch, terminated by a Committed, Batch.Terminated event. The
// batch's per-row events are produced concurrently by a workerpool.Pool,
// then delivered to listener sequentially in the order the pool finished
// producing them.
func (s *Store) Snapshot(
	ctx context.Context, listener datastore.CallerListener, onError errlistener.Func,
) (datastore.SnapshotHandle, error) {
	errL := errlistener.Wrap(onError)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = listenerEntry{fn: listener, active: true}
	seed := s.seed
	s.mu.Unlock()

	events, errs := produceBatch(ctx, seed, s.NumWorkers)
	for _, err := range errs {
		errL.Report(err)
	}

	for _, event := range events {
		if err := listener(ctx, event); err != nil {
			errL.Report(err)
		}
	}

	terminator := docmodel.DocMetaSnapshotEvent{
		Consistency: docmodel.Committed,
		Batch:       &docmodel.Batch{ID: 1, Terminated: true},
	}
	if err := listener(ctx, terminator); err != nil {
		errL.Report(err)
	}

	return datastore.SnapshotHandle{Unsubscribe: func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)

		return nil
	}}, nil
}

// Publish delivers event to every still-subscribed listener, in
// registration order. It simulates the live portion of a tier's snapshot
// stream, after the initial batch has already been replayed.
func (s *Store) Publish(ctx context.Context, event docmodel.DocMetaSnapshotEvent) {
	s.mu.Lock()
	active := make([]datastore.CallerListener, 0, len(s.listeners))
	for id := 0; id < s.nextID; id++ {
		if entry, ok := s.listeners[id]; ok && entry.active {
			active = append(active, entry.fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range active {
		_ = fn(ctx, event)
	}
}

type seedJob struct {
	seed Seed
}

type seedResult struct {
	event docmodel.DocMetaSnapshotEvent
}

type seedWorker struct {
	mu  *sync.Mutex
	out *[]docmodel.DocMetaSnapshotEvent
}

func (w seedWorker) Work(_ context.Context, _ int, wg *sync.WaitGroup, jobs <-chan seedJob, errChan chan<- error) {
	defer wg.Done()

	for job := range jobs {
		result := seedResult{event: docmodel.DocMetaSnapshotEvent{
			Consistency: docmodel.Committed,
			DocMetaMutations: []docmodel.DocMetaMutation{{
				Fingerprint:  job.seed.Fingerprint,
				MutationType: docmodel.Created,
				DocInfoProvider: func(context.Context) (docmodel.DocInfo, error) {
					return job.seed.Info, nil
				},
				DocMetaProvider: func(context.Context) (string, error) {
					return job.seed.Meta, nil
				},
			}},
		}}

		w.mu.Lock()
		*w.out = append(*w.out, result.event)
		w.mu.Unlock()
	}
}

func produceBatch(ctx context.Context, seed []Seed, numWorkers int) ([]docmodel.DocMetaSnapshotEvent, []error) {
	jobs := make(chan seedJob, len(seed))
	for _, sd := range seed {
		jobs <- seedJob{seed: sd}
	}
	close(jobs)

	var mu sync.Mutex
	var events []docmodel.DocMetaSnapshotEvent

	pool := workerpool.Pool[seedJob]{}
	errs := pool.Start(ctx, jobs, numWorkers, seedWorker{mu: &mu, out: &events})

	return events, errs
}
