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

import "github.com/xflagstudio/db-connection/internal/snc"

// pools and ownershipPools back the process-wide "lookup by name" facility
// from spec.md §4.6, the Go equivalent of looking a named process up in a
// process registry.
var (
	pools          = snc.NewMap[string, *Pool]()
	ownershipPools = snc.NewMap[string, *OwnershipPool]()
)

func registerPool(name string, p *Pool) { pools.Store(name, p) }

func unregisterPool(name string) { pools.Delete(name) }

func registerOwnershipPool(name string, p *OwnershipPool) { ownershipPools.Store(name, p) }

func unregisterOwnershipPool(name string) { ownershipPools.Delete(name) }

// LookupPool returns the Pool registered under name via WithName, if any.
func LookupPool(name string) (*Pool, bool) { return pools.Load(name) }

// LookupOwnershipPool returns the OwnershipPool registered under name via
// WithName, if any.
func LookupOwnershipPool(name string) (*OwnershipPool, bool) { return ownershipPools.Load(name) }
