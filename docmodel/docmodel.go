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

// Package docmodel holds the data types shared by every tier of the
// federated datastore: the document identity and version types, the
// snapshot event wire shape, and the compact per-document snapshot row used
// during reconciliation.
package docmodel

import (
	"context"

	"github.com/GoogleChrome/docsync/generic"
	"github.com/GoogleChrome/docsync/version"
)

// Fingerprint is the opaque stable identifier of a document across tiers.
type Fingerprint string

// MutationType classifies a DocMetaMutation.
type MutationType int

const (
	Created MutationType = iota
	Updated
	Deleted
)

func (t MutationType) String() string {
	switch t {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Consistency is the per-tier durability stage a DocMetaSnapshotEvent was
// observed at. Only Committed events drive replication.
type Consistency int

const (
	// Written means local-only durability on the source tier: optimistic,
	// and may still be rolled back by that tier.
	Written Consistency = iota
	// Committed means the mutation is durable and visible to all readers
	// on the source tier.
	Committed
)

func (c Consistency) String() string {
	if c == Committed {
		return "committed"
	}

	return "written"
}

// Batch marks the position of an event within a bounded snapshot batch.
// Terminated is true on the last event of the batch; the Initial-Snapshot
// Latch releases only once a Committed, Terminated event has been observed.
type Batch struct {
	ID         int
	Terminated bool
}

// DocInfo is the small per-revision header every document carries.
type DocInfo struct {
	Fingerprint    Fingerprint
	UUID           version.Version
	Nonce          string
	DocMetaFileRef DocMetaFileRef
}

// DocMetaFileRef identifies a document and, optionally, an associated file,
// for deletion. UUID and DocFile are absent-distinguishable: a present but
// empty DocFile still differs from an omitted one.
type DocMetaFileRef struct {
	Fingerprint Fingerprint
	UUID        generic.OptionallySet[version.Version]
	DocFile     generic.OptionallySet[string]
}

// DocInfoProvider lazily resolves the DocInfo for a mutation. It is called
// at most once per consumer on demand.
type DocInfoProvider func(ctx context.Context) (DocInfo, error)

// DocMetaProvider lazily resolves the full DocMeta payload for a mutation.
// It is called at most once per consumer on demand.
type DocMetaProvider func(ctx context.Context) (string, error)

// DocMetaMutation describes a single document change carried by a
// DocMetaSnapshotEvent. The two providers are resolved lazily so that a
// consumer uninterested in the payload (e.g. a dedup filter) never pays for
// fetching it.
type DocMetaMutation struct {
	Fingerprint     Fingerprint
	MutationType    MutationType
	DocInfoProvider DocInfoProvider
	DocMetaProvider DocMetaProvider
}

// DocMetaSnapshotEvent is the wire shape emitted by a tier's snapshot
// stream, and synthesized by the reconciler for copies it performs.
type DocMetaSnapshotEvent struct {
	Consistency      Consistency
	Batch            *Batch
	DocMetaMutations []DocMetaMutation
}

// SyncDoc is a compact snapshot-row describing one document as observed at
// a given point during an initial snapshot.
type SyncDoc struct {
	Fingerprint    Fingerprint
	UUID           version.Version
	MutationType   MutationType
	DocMetaFileRef DocMetaFileRef
}

// SyncDocMap maps Fingerprint to the most recently observed SyncDoc for it.
// Key order carries no meaning.
type SyncDocMap map[Fingerprint]SyncDoc

// Apply folds the mutations of a DocMetaSnapshotEvent into m, resolving
// each mutation's DocInfo provider to obtain the fingerprint's current
// UUID and file ref. A provider error for one mutation is reported to
// onError (if non-nil) and that mutation is skipped; folding continues.
func (m SyncDocMap) Apply(ctx context.Context, event DocMetaSnapshotEvent, onError func(Fingerprint, error)) {
	for _, mutation := range event.DocMetaMutations {
		if mutation.MutationType == Deleted {
			delete(m, mutation.Fingerprint)

			continue
		}

		if mutation.DocInfoProvider == nil {
			continue
		}

		info, err := mutation.DocInfoProvider(ctx)
		if err != nil {
			if onError != nil {
				onError(mutation.Fingerprint, err)
			}

			continue
		}

		m[mutation.Fingerprint] = SyncDoc{
			Fingerprint:    mutation.Fingerprint,
			UUID:           info.UUID,
			MutationType:   mutation.MutationType,
			DocMetaFileRef: info.DocMetaFileRef,
		}
	}
}
