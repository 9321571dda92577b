// Package gateway lets an out-of-process harness drive a job: it claims items
// one at a time and pushes back each outcome.
//
// Every route requires the shared X-Api-Key secret, checked before any
// storage access. Pushed outcomes are idempotent: redelivering a result for
// an item that already has one changes nothing, records no usage and sends no
// second notification.
package gateway
