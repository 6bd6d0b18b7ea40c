// Package service wires the proofd components into one orchestrator.
//
// Overview
// A Service owns the deduplicator, the job registry, the leaderboard, the
// execution slot, the worker pool and the health monitor. Callers submit
// scores, the service admits them, stores a PENDING job, seeds the
// leaderboard and enqueues the job id. Workers resolve the job later and
// the caller polls Status.
//
// Data flow:
//
//	Submit            Registry         Pool{workers}        Slot     Runner
//	   |                  |                  |                 |         |
//	   | dedup Admit      |                  |                 |         |
//	   | Create -------->|                  |                 |         |
//	   | board Seed       |                  |                 |         |
//	   | Enqueue ----------------------------->|                 |         |
//	   |                  |<-- IN_PROGRESS --|                 |         |
//	   |                  |                  | Acquire ------->|         |
//	   |                  |                  | Run ------------------->| prover
//	   |                  |<-- terminal -----|<-------- Result ----------|
//	   |                  |                  | board Patch     |         |
//	   |                  |                  | Release ------->|         |
//
// Invariants:
//   - At most one prover runs at any instant, whatever the pool size.
//   - Submit never waits for the prover.
//   - Every registry change made by a worker is mirrored to the store.
//
// Restart: jobs loaded from the store are restored before the workers
// start. A job found IN_PROGRESS was interrupted and resolves FAILED, a
// PENDING one is queued again.
package service
