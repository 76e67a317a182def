/*
Package storage provides Colony's persistence layer.

A single Store interface covers every durable concern: agents, jobs and
their dead letters, the append-only event log, bootstrap tokens,
enrollment requests and the node block list, certificates, revocations,
and the sealed server key record. Two implementations exist: BoltStore,
the production embedded store on go.etcd.io/bbolt, and MemoryStore for
tests.

# Layout

BoltStore keeps one bucket per record family in a single database file
under the data directory. Records are JSON-encoded; keys are the natural
record id. The event log bucket is keyed by a big-endian uint64 position
taken from the bucket's NextSequence, which makes positions monotonic
and totally ordered across every stream.

# Semantics worth knowing

CreateJob is atomic insert-or-fetch: when the job carries an idempotency
key that already names a job, the original record is returned unchanged
and nothing is written. This is the property job submission retries rely
on.

AppendEvent assigns the position; callers supply the per-stream
sequence. RangeEvents replays in position order from a given position,
which is how the job service and registry rebuild in-memory state after
a restart. StreamEvents returns one stream's events in sequence order.

Not-found conditions are reported with the errdefs not-found class so
callers can classify without string matching.
*/
package storage
