// Package storage provides the GORM storage implementation for sniper.
//
// GormStorage implements core.Storage and core.AuthStore on PostgreSQL or
// SQLite. Claims use SELECT ... FOR UPDATE SKIP LOCKED on PostgreSQL and a
// conditional status update on both dialects, so concurrent workers and
// harness pollers never claim the same job or item twice.
package storage
