// Copyright the dbconn authors.
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

package dbconn

import (
	"time"

	"github.com/xflagstudio/db-connection/internal/snc"
)

// BackoffType selects a Backoff's delay strategy, per spec.md §4.2.
type BackoffType int

const (
	// BackoffExp doubles the delay on every call, clamped to Max.
	BackoffExp BackoffType = iota
	// BackoffRand picks uniformly in [Min, Max] on every call.
	BackoffRand
	// BackoffRandExp combines exponential growth with jitter.
	BackoffRandExp
	// BackoffStop signals the holder should terminate rather than retry.
	BackoffStop
)

// Backoff is a deterministic retry-delay generator. The zero value is not
// usable; construct with NewBackoff.
type Backoff struct {
	typ   BackoffType
	min   time.Duration
	max   time.Duration
	rnd   *snc.Rand
	delay time.Duration
}

// NewBackoff returns a Backoff of the given type bounded by [min, max].
// rnd may be nil, in which case a time-seeded Rand is created; tests that
// need reproducible scenarios (spec.md §8) should pass a seeded one.
func NewBackoff(typ BackoffType, min, max time.Duration, rnd *snc.Rand) *Backoff {
	if min <= 0 {
		min = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if rnd == nil {
		rnd = snc.NewRand()
	}
	return &Backoff{typ: typ, min: min, max: max, rnd: rnd}
}

// Next returns the next delay and advances the generator's internal
// cursor. For BackoffStop, ok is false and the caller must terminate
// rather than retry, per spec.md §4.2/§4.3.
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	switch b.typ {
	case BackoffStop:
		return 0, false
	case BackoffRand:
		return b.randDelay(), true
	case BackoffRandExp:
		b.advanceExp()
		jitter := time.Duration(b.rnd.Float64() * float64(b.delay) * 0.25)
		return b.delay + jitter, true
	default: // BackoffExp
		b.advanceExp()
		return b.delay, true
	}
}

// Reset returns the generator to its initial delay, used after a
// successful reconnect so the next failure starts the backoff over.
func (b *Backoff) Reset() { b.delay = 0 }

func (b *Backoff) advanceExp() {
	if b.delay == 0 {
		b.delay = b.min
		return
	}
	b.delay *= 2
	if b.delay > b.max {
		b.delay = b.max
	}
}

func (b *Backoff) randDelay() time.Duration {
	span := int64(b.max - b.min)
	if span <= 0 {
		return b.min
	}
	return b.min + time.Duration(b.rnd.Intn(int(span)+1))
}
