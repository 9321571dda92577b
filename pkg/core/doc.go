// Package core provides the fundamental types and interfaces for sniper.
//
// This package contains:
//   - Target, Job, JobItem, settings, ledger and auth models with GORM annotations
//   - Job and item status types with their transition tables
//   - Storage and AuthStore interfaces defining the persistence contract
//   - Event types for orchestrator monitoring
//   - Error types for job processing
//
// Most users should import the root package github.com/jdziat/sniper
// instead of this package directly.
package core
