/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package port

import (
	"time"
)

const (
	reinitBackoffStart = time.Second
	reinitBackoffMax   = 16 * time.Second
)

// backoff computes the exponentially growing delay before a Faulty port
// re-attempts initialization: 1s, 2s, 4s, ... capped at 16s
type backoff struct {
	counter int
}

func (b *backoff) reset() {
	b.counter = 0
}

func (b *backoff) bump() time.Duration {
	value := reinitBackoffStart << b.counter
	if value >= reinitBackoffMax {
		return reinitBackoffMax
	}
	b.counter++
	return value
}
