package persist

import "errors"

// ErrCircuitOpen is the sentinel propagated by PersistBatch and
// PersistSingle when the database circuit breaker is open. The caller
// (the ingest buffer's layered write path) must not interpret this as
// a permanent failure: it means "not permitted right now".
var ErrCircuitOpen = errors.New("persist: circuit open, not permitted")
