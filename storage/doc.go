// Package storage defines the namespaced durable store contract the cache
// store and mutation queue persist through.
//
// The contract is deliberately small: Get, Put, Delete, ListKeys scoped by
// namespace, plus a revision-checked Update for optimistic concurrency.
// Every value carries a monotonically advancing revision; a writer that read
// revision N may only Update while the key is still at N, which is what
// stops a stale network-first write from clobbering a fresher
// stale-while-revalidate refresh.
//
// Three backends implement the contract:
//   - memstore: in-memory, for tests and explicitly ephemeral deployments
//   - badgerstore: embedded BadgerDB, the default production backend
//   - natskv: NATS JetStream KV buckets, for hosts already running NATS
package storage
