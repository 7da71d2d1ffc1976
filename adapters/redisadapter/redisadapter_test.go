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

package redisadapter_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	dbconn "github.com/xflagstudio/db-connection"
	"github.com/xflagstudio/db-connection/adapters/redisadapter"
)

func newTestPool(t *testing.T) (*dbconn.Pool, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	pool, err := dbconn.NewPool(redisadapter.New(), dbconn.Options{
		PoolSize:     1,
		SyncConnect:  true,
		IdleInterval: time.Hour,
		AdapterOpts: map[string]interface{}{
			"redisadapter": redisadapter.Config{Options: &redis.Options{Addr: mr.Addr()}},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close(context.Background()) })
	return pool, mr
}

func TestRedisAdapterQueryRoundTrips(t *testing.T) {
	pool, _ := newTestPool(t)

	conn, err := pool.Checkout(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Execute(context.Background(), redisadapter.Command{Args: []interface{}{"SET", "k", "v"}}, nil)
	require.NoError(t, err)

	result, err := conn.Query(context.Background(), redisadapter.Command{Args: []interface{}{"GET", "k"}}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "v", result)
}

func TestRedisAdapterTransactionCommitsOnSuccess(t *testing.T) {
	pool, mr := newTestPool(t)

	conn, err := pool.Checkout(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	res := conn.Transaction(context.Background(), func(tx *dbconn.ClientConn) (interface{}, error) {
		_, err := tx.Execute(context.Background(), redisadapter.Command{Args: []interface{}{"SET", "tx-key", "1"}}, nil)
		return nil, err
	})
	require.NoError(t, res.Err)

	got, err := mr.Get("tx-key")
	require.NoError(t, err)
	require.Equal(t, "1", got)
}

func TestRedisAdapterTransactionDiscardsOnRollback(t *testing.T) {
	pool, mr := newTestPool(t)

	conn, err := pool.Checkout(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	res := conn.Transaction(context.Background(), func(tx *dbconn.ClientConn) (interface{}, error) {
		_, err := tx.Execute(context.Background(), redisadapter.Command{Args: []interface{}{"SET", "never", "1"}}, nil)
		require.NoError(t, err)
		return nil, dbconn.ErrRollback
	})
	require.ErrorIs(t, res.Err, dbconn.ErrRollback)
	require.False(t, mr.Exists("never"))
}

func TestRedisAdapterDeclareFetchScansKeys(t *testing.T) {
	pool, mr := newTestPool(t)
	mr.Set("user:1", "a")
	mr.Set("user:2", "b")

	conn, err := pool.Checkout(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	var seen []interface{}
	res := conn.Transaction(context.Background(), func(tx *dbconn.ClientConn) (interface{}, error) {
		stream, err := dbconn.NewStream(context.Background(), tx, "user:*", nil, nil)
		if err != nil {
			return nil, err
		}
		defer stream.Close(context.Background())
		for {
			v, ok, err := stream.Next(context.Background(), nil)
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			seen = append(seen, v)
		}
		return nil, nil
	})
	require.NoError(t, res.Err)
	require.NotEmpty(t, seen)
}
