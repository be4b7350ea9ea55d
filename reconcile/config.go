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

import "time"

// Config holds the tunables for a Synchronize pass.
type Config struct {
	maxElapsed time.Duration
}

// Option configures a Synchronize pass.
type Option func(*Config)

// WithMaxElapsed overrides how long a single document's fetch-and-write
// retry loop may run before giving up on that document and moving on.
func WithMaxElapsed(d time.Duration) Option {
	return func(c *Config) {
		c.maxElapsed = d
	}
}

func newConfig(opts []Option) Config {
	c := Config{maxElapsed: defaultMaxElapsed}
	for _, opt := range opts {
		opt(&c)
	}

	return c
}
