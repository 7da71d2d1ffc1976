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

func TestPoolCheckoutReusesIdleHolder(t *testing.T) {
	fa := faketest.New()
	pool, err := dbconn.NewPool(fa, dbconn.Options{
		PoolSize:     1,
		SyncConnect:  true,
		IdleInterval: time.Hour,
	})
	require.NoError(t, err)
	defer pool.Close(context.Background())

	conn, err := pool.Checkout(context.Background())
	require.NoError(t, err)
	conn.Close()

	conn2, err := pool.Checkout(context.Background())
	require.NoError(t, err)
	conn2.Close()

	assert.Equal(t, 1, fa.ConnectCalls())
}

func TestPoolCheckoutTimesOutWhenExhausted(t *testing.T) {
	fa := faketest.New()
	pool, err := dbconn.NewPool(fa, dbconn.Options{
		PoolSize:     1,
		SyncConnect:  true,
		IdleInterval: time.Hour,
		QueueTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer pool.Close(context.Background())

	held, err := pool.Checkout(context.Background())
	require.NoError(t, err)
	defer held.Close()

	_, err = pool.Checkout(context.Background())
	assert.ErrorIs(t, err, dbconn.ErrTimeout)
}

func TestPoolCheckoutHandsOffToWaiter(t *testing.T) {
	fa := faketest.New()
	pool, err := dbconn.NewPool(fa, dbconn.Options{
		PoolSize:     1,
		SyncConnect:  true,
		IdleInterval: time.Hour,
		QueueTimeout: time.Second,
	})
	require.NoError(t, err)
	defer pool.Close(context.Background())

	held, err := pool.Checkout(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		conn, err := pool.Checkout(context.Background())
		if err == nil {
			conn.Close()
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	held.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter never got a connection")
	}
}

func TestPoolClosedRejectsCheckout(t *testing.T) {
	fa := faketest.New()
	pool, err := dbconn.NewPool(fa, dbconn.Options{PoolSize: 1, SyncConnect: true})
	require.NoError(t, err)
	pool.Close(context.Background())

	_, err = pool.Checkout(context.Background())
	assert.ErrorIs(t, err, dbconn.ErrPoolClosed)
}
