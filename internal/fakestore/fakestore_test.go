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

package fakestore

import (
	"context"
	"testing"

	"github.com/GoogleChrome/docsync/docmodel"
	"github.com/GoogleChrome/docsync/version"
	"github.com/GoogleChrome/docsync/writecoord"
)

func TestSnapshotReplaysSeedThenTerminates(t *testing.T) {
	v, err := version.New()
	if err != nil {
		t.Fatalf("version.New() error = %v", err)
	}

	seed := []Seed{
		{Fingerprint: "doc-1", Meta: "meta-1", Info: docmodel.DocInfo{Fingerprint: "doc-1", UUID: v}},
		{Fingerprint: "doc-2", Meta: "meta-2", Info: docmodel.DocInfo{Fingerprint: "doc-2", UUID: v}},
	}
	store := New("t", 4, seed)

	var events []docmodel.DocMetaSnapshotEvent
	handle, err := store.Snapshot(context.Background(), func(_ context.Context, e docmodel.DocMetaSnapshotEvent) error {
		events = append(events, e)

		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	defer handle.Unsubscribe()

	if len(events) != len(seed)+1 {
		t.Fatalf("got %d events, want %d (seed rows + terminator)", len(events), len(seed)+1)
	}

	last := events[len(events)-1]
	if last.Batch == nil || !last.Batch.Terminated {
		t.Errorf("last event = %+v, want a terminated batch", last)
	}
}

func TestPublishReachesOnlySubscribedListeners(t *testing.T) {
	store := New("t", 2, nil)

	var received int
	handle, err := store.Snapshot(context.Background(), func(context.Context, docmodel.DocMetaSnapshotEvent) error {
		received++

		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	baseline := received
	store.Publish(context.Background(), docmodel.DocMetaSnapshotEvent{Consistency: docmodel.Committed})
	if received != baseline+1 {
		t.Fatalf("received = %d, want %d after publish", received, baseline+1)
	}

	if err := handle.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	store.Publish(context.Background(), docmodel.DocMetaSnapshotEvent{Consistency: docmodel.Committed})
	if received != baseline+1 {
		t.Errorf("received = %d after unsubscribe, want unchanged at %d", received, baseline+1)
	}
}

func TestWriteThenGetDocMetaRoundTrips(t *testing.T) {
	store := New("t", 1, nil)
	info := docmodel.DocInfo{Fingerprint: "doc-1"}

	var stages []string
	err := store.Write(context.Background(), "doc-1", "meta-1", info, func(_ writecoord.Stage, err error) {
		if err != nil {
			t.Errorf("report() error = %v", err)
		}
		stages = append(stages, "reported")
	})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(stages) != 2 {
		t.Errorf("report called %d times, want 2 (written, committed)", len(stages))
	}

	meta, err := store.GetDocMeta(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("GetDocMeta() error = %v", err)
	}
	if meta != "meta-1" {
		t.Errorf("GetDocMeta() = %q, want meta-1", meta)
	}
	if !store.Contains(context.Background(), "doc-1") {
		t.Error("Contains() = false, want true after Write")
	}
}
