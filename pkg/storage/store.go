// Package storage implements the CORE's narrow storage indirection
// (spec §6, §9 "Storage indirection"): a per-collection get/set/delete/
// list/has/count/clear contract with no assumed persistence or
// transactional semantics beyond single-key atomicity. The in-memory
// implementation is the testing default; file-backed, SQL-backed, and
// Redis-backed implementations are drop-in replacements behind the same
// Store interface.
package storage

import "context"

// Store is the narrow persistence contract every CORE component and
// module depends on instead of a concrete database client.
type Store interface {
	Get(ctx context.Context, collection, key string) ([]byte, bool, error)
	Set(ctx context.Context, collection, key string, value []byte) error
	Delete(ctx context.Context, collection, key string) error
	List(ctx context.Context, collection string) ([]string, error)
	Has(ctx context.Context, collection, key string) (bool, error)
	Count(ctx context.Context, collection string) (int, error)
	Clear(ctx context.Context, collection string) error
}
