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

// Package compindex implements the Comparison Index: an in-memory map from
// document fingerprint to the {uuid, nonce} the local tier last observed for
// it, used to decide whether an incoming mutation is newer than what the
// local side holds.
package compindex

import (
	"sync"

	"github.com/GoogleChrome/docsync/docmodel"
	"github.com/GoogleChrome/docsync/version"
)

// Entry is the comparison-index value for a fingerprint.
type Entry struct {
	UUID  version.Version
	Nonce string
}

// Index is a thread-safe fingerprint -> Entry map. put overwrites
// unconditionally; a caller that wants newer-wins semantics must call Get
// first and compare.
type Index struct {
	mu   sync.RWMutex
	data map[docmodel.Fingerprint]Entry
}

// New creates an empty Index.
func New() *Index {
	return &Index{
		data: make(map[docmodel.Fingerprint]Entry),
	}
}

// Put records docInfo's {uuid, nonce} for its fingerprint, overwriting
// whatever was there before.
func (idx *Index) Put(info docmodel.DocInfo) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.data[info.Fingerprint] = Entry{UUID: info.UUID, Nonce: info.Nonce}
}

// Remove deletes the entry for fp, if any. The facade's Delete calls it
// once both tiers have resolved, regardless of whether the delete itself
// succeeded; the Replicating Listener calls it only after a successful
// local delete.
func (idx *Index) Remove(fp docmodel.Fingerprint) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.data, fp)
}

// Get returns the entry for fp and whether it was present.
func (idx *Index) Get(fp docmodel.Fingerprint) (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	entry, found := idx.data[fp]

	return entry, found
}

// Contains reports whether fp has an entry.
func (idx *Index) Contains(fp docmodel.Fingerprint) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, found := idx.data[fp]

	return found
}

// Len reports the number of tracked fingerprints. Intended for tests and
// observability, not for correctness decisions.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return len(idx.data)
}
