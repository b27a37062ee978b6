// Package registry holds the concurrency-safe map of all worker handles and
// the operations a transport layer drives: create, get, list, delete and the
// one-shot query path. It enforces the pool's capacity ceiling; health and
// idle sweeps stay decentralized in each worker's own background loops.
package registry
