// Package orchestrator runs automation jobs: the Queue creates targets and
// jobs and fans out events, and the Worker claims due jobs and drives them
// through the admission controller, concurrency gate, provider and usage
// ledger until they finish, are requeued or stop for re-authentication.
package orchestrator
