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

// Package reconcile implements the Two-Way Reconciler: given two
// SyncDocMaps plus their persistence handles, it computes which documents
// the source side holds a newer revision of than the target, copies their
// DocMeta across, and emits a synthetic committed event per copy.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/GoogleChrome/docsync/docmodel"
	"github.com/GoogleChrome/docsync/errlistener"
)

// Persistence is the subset of the Datastore contract the reconciler needs
// from each side: read a document's DocMeta, and write it to the other
// side.
type Persistence interface {
	GetDocMeta(ctx context.Context, fp docmodel.Fingerprint) (string, error)
	WriteDocMeta(ctx context.Context, fp docmodel.Fingerprint, meta string, info docmodel.DocInfo) error
}

// Side pairs a tier's persistence handle with the SyncDocMap its
// Initial-Snapshot Latch accumulated.
type Side struct {
	Persistence Persistence
	SyncDocMap  docmodel.SyncDocMap
}

// Listener receives one synthetic DocMetaSnapshotEvent per document copied.
// The facade wires this to the shared Dedup Listener so that a document
// copied during a source->target pass is never redelivered when the
// opposite-direction pass happens to observe the same row.
type Listener func(ctx context.Context, event docmodel.DocMetaSnapshotEvent) error

// defaultMaxElapsed bounds the backoff applied to a single document's
// DocMeta fetch-and-write. Callers can override it with WithMaxElapsed.
const defaultMaxElapsed = 200 * time.Millisecond

// Synchronize copies, from source to target, every document whose source
// revision is strictly newer than what target holds (or that target does
// not hold at all). Deletions are not propagated by this pass: the facade
// achieves symmetric delete handling by invoking Synchronize twice, with
// the sides swapped, and a document deleted on both sides simply never
// appears in either SyncDocMap.
//
// A failed per-document copy is reported to onError and logged; the pass
// continues with the next document.
func Synchronize(
	ctx context.Context, snapshotID int, source, target Side, listener Listener, onError errlistener.Listener, opts ...Option,
) {
	cfg := newConfig(opts)

	for fp, sourceDoc := range source.SyncDocMap {
		targetDoc, hasTarget := target.SyncDocMap[fp]

		if hasTarget && !sourceDoc.UUID.Newer(targetDoc.UUID) {
			continue
		}

		if err := copyDocument(ctx, source.Persistence, target.Persistence, fp, sourceDoc, hasTarget, listener, cfg); err != nil {
			onError.Report(err)
			slog.Error("reconcile: per-document copy failed",
				"snapshot_id", snapshotID, "fingerprint", fp, "error", err)
		}
	}
}

func copyDocument(
	ctx context.Context,
	source, target Persistence,
	fp docmodel.Fingerprint,
	sourceDoc docmodel.SyncDoc,
	hadTarget bool,
	listener Listener,
	cfg Config,
) error {
	meta, err := backoff.Retry(ctx, func() (string, error) {
		return source.GetDocMeta(ctx, fp)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(cfg.maxElapsed))
	if err != nil {
		return fmt.Errorf("reconcile: fetch DocMeta for %q from source: %w", fp, err)
	}

	info := docmodel.DocInfo{Fingerprint: fp, UUID: sourceDoc.UUID, DocMetaFileRef: sourceDoc.DocMetaFileRef}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, target.WriteDocMeta(ctx, fp, meta, info)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(cfg.maxElapsed))
	if err != nil {
		return fmt.Errorf("reconcile: write DocMeta for %q to target: %w", fp, err)
	}

	mutationType := docmodel.Created
	if hadTarget {
		mutationType = docmodel.Updated
	}

	event := docmodel.DocMetaSnapshotEvent{
		Consistency: docmodel.Committed,
		DocMetaMutations: []docmodel.DocMetaMutation{{
			Fingerprint:  fp,
			MutationType: mutationType,
			DocInfoProvider: func(_ context.Context) (docmodel.DocInfo, error) {
				return info, nil
			},
			DocMetaProvider: func(_ context.Context) (string, error) {
				return meta, nil
			},
		}},
	}

	return listener(ctx, event)
}
