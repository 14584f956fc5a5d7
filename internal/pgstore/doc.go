// Package pgstore is a persistent-object storage backend that plugs into an
// object database framework and uses PostgreSQL (JSONB, LISTEN/NOTIFY,
// transactional DDL) as its durable substrate.
//
// The package owns the two-phase commit coordinator that translates an
// object framework's store/vote/finish protocol into relational
// transactions, the TID allocator and conflict detector, the blob
// staging/commit/cleanup pipeline, invalidation fan-out via database
// notifications, and schema evolution between history-free and
// history-preserving modes. Record serialization, the object-database
// connection/cache layer above this package, and the relational driver's
// wire protocol are explicitly somebody else's problem.
package pgstore
