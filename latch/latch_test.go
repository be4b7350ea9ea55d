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

package latch

import (
	"context"
	"testing"
	"time"

	"github.com/GoogleChrome/docsync/docmodel"
	"github.com/GoogleChrome/docsync/errlistener"
	"github.com/GoogleChrome/docsync/version"
)

func TestWrittenEventsDoNotRelease(t *testing.T) {
	forwarded := 0
	l := New(func(_ context.Context, _ docmodel.DocMetaSnapshotEvent) error {
		forwarded++

		return nil
	}, errlistener.Wrap(nil))

	v, _ := version.New()
	event := docmodel.DocMetaSnapshotEvent{
		Consistency: docmodel.Written,
		Batch:       &docmodel.Batch{ID: 1, Terminated: true},
		DocMetaMutations: []docmodel.DocMetaMutation{{
			Fingerprint:  "doc-1",
			MutationType: docmodel.Created,
			DocInfoProvider: func(_ context.Context) (docmodel.DocInfo, error) {
				return docmodel.DocInfo{Fingerprint: "doc-1", UUID: v}, nil
			},
		}},
	}

	if err := l.Handle(context.Background(), event); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if forwarded != 1 {
		t.Fatalf("forwarded = %d, want 1", forwarded)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Await(ctx); err == nil {
		t.Errorf("Await() returned nil, want timeout — written events must not release the latch")
	}

	if len(l.SyncDocMap()) != 1 {
		t.Errorf("SyncDocMap() len = %d, want 1 (written events still accumulate)", len(l.SyncDocMap()))
	}
}

func TestCommittedTerminatedReleases(t *testing.T) {
	l := New(func(_ context.Context, _ docmodel.DocMetaSnapshotEvent) error {
		return nil
	}, errlistener.Wrap(nil))

	v, _ := version.New()
	event := docmodel.DocMetaSnapshotEvent{
		Consistency: docmodel.Committed,
		Batch:       &docmodel.Batch{ID: 1, Terminated: true},
		DocMetaMutations: []docmodel.DocMetaMutation{{
			Fingerprint:  "doc-1",
			MutationType: docmodel.Created,
			DocInfoProvider: func(_ context.Context) (docmodel.DocInfo, error) {
				return docmodel.DocInfo{Fingerprint: "doc-1", UUID: v}, nil
			},
		}},
	}

	if err := l.Handle(context.Background(), event); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Await(ctx); err != nil {
		t.Fatalf("Await() error = %v, want release", err)
	}

	syncDocs := l.SyncDocMap()
	if doc, ok := syncDocs["doc-1"]; !ok || doc.UUID.Compare(v) != 0 {
		t.Errorf("SyncDocMap() = %+v, want doc-1 with uuid %v", syncDocs, v)
	}
}

func TestEventsAfterReleaseStillForward(t *testing.T) {
	forwarded := 0
	l := New(func(_ context.Context, _ docmodel.DocMetaSnapshotEvent) error {
		forwarded++

		return nil
	}, errlistener.Wrap(nil))

	terminator := docmodel.DocMetaSnapshotEvent{
		Consistency: docmodel.Committed,
		Batch:       &docmodel.Batch{ID: 1, Terminated: true},
	}
	if err := l.Handle(context.Background(), terminator); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	v, _ := version.New()
	after := docmodel.DocMetaSnapshotEvent{
		Consistency: docmodel.Committed,
		DocMetaMutations: []docmodel.DocMetaMutation{{
			Fingerprint:  "doc-2",
			MutationType: docmodel.Created,
			DocInfoProvider: func(_ context.Context) (docmodel.DocInfo, error) {
				return docmodel.DocInfo{Fingerprint: "doc-2", UUID: v}, nil
			},
		}},
	}
	if err := l.Handle(context.Background(), after); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if forwarded != 2 {
		t.Errorf("forwarded = %d, want 2 (forwarding continues after release)", forwarded)
	}
	if _, ok := l.SyncDocMap()["doc-2"]; ok {
		t.Errorf("SyncDocMap() contains doc-2, want frozen at release")
	}
}
