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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xflagstudio/db-connection/internal/snc"
)

func TestBackoffExpDoublesUntilMax(t *testing.T) {
	b := NewBackoff(BackoffExp, 10*time.Millisecond, 80*time.Millisecond, snc.NewSeededRand(1))

	want := []time.Duration{10, 20, 40, 80, 80}
	for _, w := range want {
		d, ok := b.Next()
		require.True(t, ok)
		assert.Equal(t, w*time.Millisecond, d)
	}
}

func TestBackoffStopNeverRetries(t *testing.T) {
	b := NewBackoff(BackoffStop, 0, 0, nil)
	_, ok := b.Next()
	assert.False(t, ok)
}

func TestBackoffRandStaysInBounds(t *testing.T) {
	b := NewBackoff(BackoffRand, 5*time.Millisecond, 15*time.Millisecond, snc.NewSeededRand(7))
	for i := 0; i < 50; i++ {
		d, ok := b.Next()
		require.True(t, ok)
		assert.GreaterOrEqual(t, d, 5*time.Millisecond)
		assert.LessOrEqual(t, d, 15*time.Millisecond)
	}
}

func TestBackoffResetRestartsCursor(t *testing.T) {
	b := NewBackoff(BackoffExp, 10*time.Millisecond, 1*time.Second, snc.NewSeededRand(2))
	first, _ := b.Next()
	second, _ := b.Next()
	assert.Greater(t, second, first)

	b.Reset()
	afterReset, _ := b.Next()
	assert.Equal(t, first, afterReset)
}

func TestBackoffRandExpGrowsWithJitter(t *testing.T) {
	b := NewBackoff(BackoffRandExp, 10*time.Millisecond, 200*time.Millisecond, snc.NewSeededRand(3))
	d1, _ := b.Next()
	d2, _ := b.Next()
	assert.GreaterOrEqual(t, d1, 10*time.Millisecond)
	assert.Greater(t, d2, d1)
}
