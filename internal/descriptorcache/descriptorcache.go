// Package descriptorcache provides the invalidation/update hook the
// reconciler calls when a materialization's on-disk metadata changes, standing
// in for the real in-memory descriptor cache a query planner would consult.
package descriptorcache

// Descriptor is the materialization metadata learned from a successful
// LOAD MATERIALIZATION METADATA job.
type Descriptor struct {
	RowCount   int64
	ByteSize   int64
	SchemaHash string
}

// Cache is invalidated on materialization deprecation and updated on
// successful metadata-load completion.
type Cache interface {
	Invalidate(materializationID string)
	Update(materializationID string, meta Descriptor)
}
