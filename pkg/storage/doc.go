/*
Package storage provides the bbolt-backed durable store for the host's
cluster state.

The Store interface covers every table the host persists: tasks, nodes,
users, sessions, API tokens, invitations, groups, memberships, VPS
assignments and overlay allocations. Each table lives in its own bucket;
rows are JSON documents keyed by their natural primary key (snowflake id,
hostname, username, token hash).

# Single writer

The host process is the only writer. bbolt serializes write transactions
internally, so every mutation runs to completion before the next starts and
readers always observe a consistent snapshot. Runners never touch this
database; they keep their own small local store for crash recovery.

# Usage

	store, err := storage.NewBoltStore("/var/lib/kohakuriver")
	if err != nil {
		...
	}
	defer store.Close()

	task, err := store.GetTask(id)

Missing rows surface as NotFound errors from pkg/types, letting the API
layer map them straight to 404 responses.
*/
package storage
