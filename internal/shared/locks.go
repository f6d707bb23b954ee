package shared

import "hash/fnv"

// ScopeLockKey maps a ledger scope (item@location or item@location#batch) to
// a stable int64 for pg_advisory_xact_lock. Disjoint scopes hash to distinct
// keys, so writers on unrelated scopes do not block each other.
func ScopeLockKey(scope string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(scope))
	return int64(h.Sum64())
}
