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

package dbconn_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbconn "github.com/xflagstudio/db-connection"
	"github.com/xflagstudio/db-connection/internal/faketest"
)

// A checked-out connection must never observe a background Ping: the idle
// timer is only meant to fire when no client holds the connection.
func TestCheckoutSuppressesIdlePing(t *testing.T) {
	fa := faketest.New()
	pool, err := dbconn.NewPool(fa, dbconn.Options{
		PoolSize:     1,
		SyncConnect:  true,
		IdleInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer pool.Close(context.Background())

	conn, err := pool.Checkout(context.Background())
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	conn.Close()

	for _, c := range fa.Calls() {
		assert.NotEqual(t, "Ping", c.Method, "ping must not run while a client holds the connection")
	}
}

// Once the connection is idle again, the ping timer resumes firing.
func TestIdlePingResumesAfterCheckin(t *testing.T) {
	fa := faketest.New()
	pool, err := dbconn.NewPool(fa, dbconn.Options{
		PoolSize:     1,
		SyncConnect:  true,
		IdleInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer pool.Close(context.Background())

	conn, err := pool.Checkout(context.Background())
	require.NoError(t, err)
	conn.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, c := range fa.Calls() {
			if c.Method == "Ping" {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for an idle ping")
}
