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

package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/GoogleChrome/docsync/docmodel"
	"github.com/GoogleChrome/docsync/errlistener"
	"github.com/GoogleChrome/docsync/version"
)

type fakePersistence struct {
	mu    sync.Mutex
	metas map[docmodel.Fingerprint]string
	fail  map[docmodel.Fingerprint]error
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{metas: make(map[docmodel.Fingerprint]string), fail: make(map[docmodel.Fingerprint]error)}
}

func (f *fakePersistence) GetDocMeta(_ context.Context, fp docmodel.Fingerprint) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[fp]; err != nil {
		return "", err
	}

	return f.metas[fp], nil
}

func (f *fakePersistence) WriteDocMeta(_ context.Context, fp docmodel.Fingerprint, meta string, _ docmodel.DocInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[fp]; err != nil {
		return err
	}
	f.metas[fp] = meta

	return nil
}

func version1(t *testing.T) version.Version {
	t.Helper()
	v, err := version.New()
	if err != nil {
		t.Fatalf("version.New() error = %v", err)
	}

	return v
}

func TestSynchronizeCopiesMissingDocument(t *testing.T) {
	source := newFakePersistence()
	target := newFakePersistence()
	source.metas["doc-1"] = "meta-v1"

	v := version1(t)
	src := Side{Persistence: source, SyncDocMap: docmodel.SyncDocMap{
		"doc-1": {Fingerprint: "doc-1", UUID: v, MutationType: docmodel.Created},
	}}
	dst := Side{Persistence: target, SyncDocMap: docmodel.SyncDocMap{}}

	var delivered []docmodel.DocMetaSnapshotEvent
	listener := func(_ context.Context, event docmodel.DocMetaSnapshotEvent) error {
		delivered = append(delivered, event)

		return nil
	}

	Synchronize(context.Background(), 1, src, dst, listener, errlistener.Wrap(nil))

	if target.metas["doc-1"] != "meta-v1" {
		t.Errorf("target.metas[doc-1] = %q, want meta-v1", target.metas["doc-1"])
	}
	if len(delivered) != 1 {
		t.Fatalf("delivered %d events, want 1", len(delivered))
	}
	if delivered[0].DocMetaMutations[0].MutationType != docmodel.Created {
		t.Errorf("mutation type = %v, want Created", delivered[0].DocMetaMutations[0].MutationType)
	}
}

func TestSynchronizeSkipsWhenTargetIsNewer(t *testing.T) {
	source := newFakePersistence()
	target := newFakePersistence()
	source.metas["doc-1"] = "meta-old"
	target.metas["doc-1"] = "meta-new"

	older := version1(t)
	newer := version1(t)

	src := Side{Persistence: source, SyncDocMap: docmodel.SyncDocMap{
		"doc-1": {Fingerprint: "doc-1", UUID: older},
	}}
	dst := Side{Persistence: target, SyncDocMap: docmodel.SyncDocMap{
		"doc-1": {Fingerprint: "doc-1", UUID: newer},
	}}

	called := false
	listener := func(_ context.Context, _ docmodel.DocMetaSnapshotEvent) error {
		called = true

		return nil
	}

	Synchronize(context.Background(), 1, src, dst, listener, errlistener.Wrap(nil))

	if called {
		t.Errorf("listener invoked, want no-op when target is at least as new")
	}
	if target.metas["doc-1"] != "meta-new" {
		t.Errorf("target.metas[doc-1] = %q, want unchanged meta-new", target.metas["doc-1"])
	}
}

func TestSynchronizeReportsErrorAndContinues(t *testing.T) {
	source := newFakePersistence()
	target := newFakePersistence()
	source.metas["doc-1"] = "meta-1"
	source.metas["doc-2"] = "meta-2"
	source.fail["doc-1"] = errors.New("transient read failure")

	v := version1(t)
	src := Side{Persistence: source, SyncDocMap: docmodel.SyncDocMap{
		"doc-1": {Fingerprint: "doc-1", UUID: v},
		"doc-2": {Fingerprint: "doc-2", UUID: v},
	}}
	dst := Side{Persistence: target, SyncDocMap: docmodel.SyncDocMap{}}

	var reported []error
	Synchronize(context.Background(), 1, src, dst, func(_ context.Context, _ docmodel.DocMetaSnapshotEvent) error {
		return nil
	}, errlistener.Wrap(func(err error) { reported = append(reported, err) }))

	if len(reported) != 1 {
		t.Fatalf("reported %d errors, want 1", len(reported))
	}
	if target.metas["doc-2"] != "meta-2" {
		t.Errorf("doc-2 not copied after doc-1 failed; target.metas = %+v", target.metas)
	}
}
