// Package queue is the durable at-least-once job queue between pipeline
// stages. It is deliberately narrow: jobs carry a batch id and a master id,
// and are keyed by a deterministic idempotency key so the same stage work is
// never pending twice.
//
// Layout per queue name N (all Redis):
//
//	queue:N:ready       list of job keys waiting for a consumer
//	queue:N:processing  list of job keys handed to a consumer
//	queue:N:leases      zset key -> lease deadline (ms); expired leases are recovered
//	queue:N:delayed     zset key -> due time (ms) for retries
//	queue:N:dead        list of dead-lettered job payloads
//	queue:G:jobs        hash key -> job payload, shared by every queue of group G
//
// Queues in one group share the jobs hash, which is what lets the
// verification partitions dedupe a key no matter which slot holds it.
package queue
