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

// Package version defines the UUID-based revision token attached to every
// document mutation and its total order.
package version

import "github.com/google/uuid"

// Version is a revision token for a single document. It is a UUIDv7: the
// high bits are a millisecond timestamp, so two Versions minted in causal
// order compare in that same order without any coordination between the two
// tiers that mint them.
type Version struct {
	id    uuid.UUID
	isSet bool
}

// Zero is the absent Version. It compares less than every present Version.
var Zero = Version{}

// New mints a fresh Version.
func New() (Version, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Zero, err
	}

	return Version{id: id, isSet: true}, nil
}

// Parse reconstructs a Version from its string form, as produced by String.
// The empty string parses to Zero.
func Parse(s string) (Version, error) {
	if s == "" {
		return Zero, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return Zero, err
	}

	return Version{id: id, isSet: true}, nil
}

// String renders the Version for storage or wire transfer. Zero renders as
// the empty string.
func (v Version) String() string {
	if !v.isSet {
		return ""
	}

	return v.id.String()
}

// IsZero reports whether v is the absent Version.
func (v Version) IsZero() bool {
	return !v.isSet
}

// Compare defines the total order required by the comparison index and the
// reconciler: Zero sorts before every present Version, and two present
// Versions compare by their underlying bytes (equivalent to chronological
// order for UUIDv7). It returns a negative number, zero, or a positive
// number as v is less than, equal to, or greater than other.
func (v Version) Compare(other Version) int {
	switch {
	case !v.isSet && !other.isSet:
		return 0
	case !v.isSet:
		return -1
	case !other.isSet:
		return 1
	default:
		return compareBytes(v.id[:], other.id[:])
	}
}

func compareBytes(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}

			return 1
		}
	}

	return 0
}

// Newer reports whether v should win over other under last-writer-wins
// ordering, i.e. v.Compare(other) > 0.
func (v Version) Newer(other Version) bool {
	return v.Compare(other) > 0
}
