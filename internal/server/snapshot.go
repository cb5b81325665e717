package server

import "keyvault/internal/rdb"

// snapshotBytes returns the fixed empty-snapshot payload sent verbatim
// as the FULLRESYNC body. The server never constructs a snapshot from
// its live keyspace: spec.md's scope is a fixed embedded snapshot only.
func snapshotBytes() []byte {
	return rdb.EmptySnapshot()
}
