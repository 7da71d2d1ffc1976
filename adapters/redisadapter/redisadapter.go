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

// Package redisadapter is a reference dbconn.Adapter backed by
// redis/go-redis/v9. Redis has no multi-statement SQL transaction model,
// so HandleBegin/HandleCommit/HandleRollback are realized with
// MULTI/EXEC/DISCARD pipelining (a redis.Pipeliner held in the adapter
// State while a transaction is open), and HandleDeclare/HandleFetch ride
// on SCAN's cursor, the closest thing Redis has to a server-side cursor.
package redisadapter

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	dbconn "github.com/xflagstudio/db-connection"
)

// Config carries the redis.Options through dbconn.Options.AdapterOpts.
type Config struct {
	Options *redis.Options
}

func configFrom(opts map[string]interface{}) (Config, error) {
	raw, ok := opts["redisadapter"]
	if !ok {
		return Config{}, fmt.Errorf("redisadapter: missing %q key in AdapterOpts", "redisadapter")
	}
	cfg, ok := raw.(Config)
	if !ok {
		return Config{}, fmt.Errorf("redisadapter: AdapterOpts[%q] must be redisadapter.Config", "redisadapter")
	}
	return cfg, nil
}

// state threads the live client plus, while a transaction is open, the
// pipeliner queuing commands for EXEC.
type state struct {
	client *redis.Client
	pipe   redis.Pipeliner
}

// Command is the shape HandleQuery/HandleExecute expect: a command name
// plus its arguments, mirroring redis.Client.Do's own calling convention.
type Command struct {
	Args []interface{}
}

// scanCursor is the opaque cursor value dbconn hands back from Declare
// and threads through Fetch/Deallocate.
type scanCursor struct {
	match  string
	cursor uint64
	done   bool
}

// Adapter implements dbconn.Adapter over one *redis.Client.
type Adapter struct {
	dbconn.NoopAdapter
}

// New returns a redisadapter.Adapter. Pass a redisadapter.Config through
// dbconn.Options.AdapterOpts["redisadapter"].
func New() *Adapter { return &Adapter{} }

func (Adapter) Connect(ctx context.Context, opts map[string]interface{}) (dbconn.State, error) {
	cfg, err := configFrom(opts)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(cfg.Options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &state{client: client}, nil
}

func (Adapter) Disconnect(_ context.Context, _ error, s dbconn.State) error {
	return s.(*state).client.Close()
}

func (Adapter) Ping(ctx context.Context, s dbconn.State) dbconn.Outcome {
	st := s.(*state)
	if err := st.client.Ping(ctx).Err(); err != nil {
		return dbconn.Disconnect(err, s)
	}
	return dbconn.OK(nil, s)
}

func (Adapter) HandleBegin(_ context.Context, _ map[string]interface{}, s dbconn.State) dbconn.Outcome {
	st := s.(*state)
	if st.pipe != nil {
		return dbconn.Failed(fmt.Errorf("redisadapter: transaction already open"), s)
	}
	return dbconn.OK(nil, &state{client: st.client, pipe: st.client.TxPipeline()})
}

func (Adapter) HandleCommit(ctx context.Context, _ map[string]interface{}, s dbconn.State) dbconn.Outcome {
	st := s.(*state)
	if st.pipe == nil {
		return dbconn.Failed(fmt.Errorf("redisadapter: commit outside transaction"), s)
	}
	cmds, err := st.pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return classify(err, &state{client: st.client})
	}
	return dbconn.OK(cmds, &state{client: st.client})
}

func (Adapter) HandleRollback(_ context.Context, _ map[string]interface{}, s dbconn.State) dbconn.Outcome {
	st := s.(*state)
	if st.pipe == nil {
		return dbconn.OK(nil, s)
	}
	st.pipe.Discard()
	return dbconn.OK(nil, &state{client: st.client})
}

// HandleQuery runs a single Redis command outside (or, transparently,
// inside) a queued transaction via Command.Args, per redis.Client.Do.
func (Adapter) HandleQuery(ctx context.Context, query interface{}, _ interface{}, _ map[string]interface{}, s dbconn.State) dbconn.Outcome {
	st := s.(*state)
	cmd, ok := query.(Command)
	if !ok {
		return dbconn.Failed(fmt.Errorf("redisadapter: query must be a redisadapter.Command"), s)
	}
	runner := redis.Cmdable(st.client)
	if st.pipe != nil {
		runner = st.pipe
	}
	res := runner.Do(ctx, cmd.Args...)
	if err := res.Err(); err != nil && err != redis.Nil {
		return classify(err, s)
	}
	val, _ := res.Result()
	return dbconn.OK(val, s)
}

// HandleExecute is an alias for HandleQuery: Redis has no separate
// prepare/execute split, so both forward to the same Do call.
func (a Adapter) HandleExecute(ctx context.Context, query interface{}, opts map[string]interface{}, s dbconn.State) dbconn.Outcome {
	return a.HandleQuery(ctx, query, nil, opts, s)
}

// HandleDeclare opens a SCAN cursor over keys matching the query pattern.
func (Adapter) HandleDeclare(_ context.Context, query interface{}, _ interface{}, _ map[string]interface{}, s dbconn.State) dbconn.Outcome {
	pattern, ok := query.(string)
	if !ok {
		return dbconn.Failed(fmt.Errorf("redisadapter: declare query must be a SCAN match pattern"), s)
	}
	out := dbconn.OK(&scanCursor{match: pattern}, s)
	out.Query = query
	return out
}

func (Adapter) HandleFetch(ctx context.Context, _ interface{}, cursor interface{}, _ map[string]interface{}, s dbconn.State) dbconn.FetchOutcome {
	st := s.(*state)
	sc, ok := cursor.(*scanCursor)
	if !ok {
		return dbconn.FetchOutcome{Outcome: dbconn.Failed(fmt.Errorf("redisadapter: unknown cursor type"), s)}
	}
	if sc.done {
		return dbconn.FetchOutcome{Outcome: dbconn.OK(nil, s), Signal: dbconn.FetchHalt}
	}
	keys, next, err := st.client.Scan(ctx, sc.cursor, sc.match, 100).Result()
	if err != nil {
		return dbconn.FetchOutcome{Outcome: classify(err, s)}
	}
	sc.cursor = next
	signal := dbconn.FetchContinue
	if next == 0 {
		sc.done = true
		signal = dbconn.FetchHalt
	}
	return dbconn.FetchOutcome{Outcome: dbconn.OK(keys, s), Signal: signal}
}

func (Adapter) HandleDeallocate(_ context.Context, _ interface{}, _ interface{}, _ map[string]interface{}, s dbconn.State) dbconn.Outcome {
	return dbconn.OK(nil, s)
}

// classify treats network/pool failures as disconnects so the holder
// reconnects; command-level errors (wrong type, etc.) stay recoverable.
func classify(err error, s dbconn.State) dbconn.Outcome {
	if err == nil {
		return dbconn.OK(nil, s)
	}
	if _, ok := err.(interface{ Timeout() bool }); ok {
		return dbconn.Disconnect(err, s)
	}
	if err == redis.ErrClosed {
		return dbconn.Disconnect(err, s)
	}
	return dbconn.Failed(err, s)
}
