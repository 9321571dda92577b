// Package schedule runs recurring targets.
//
// Each active target carries an optional cron expression in its settings;
// targets without one use the scheduler's default. When a target is due and
// has no unfinished job, the scheduler enqueues a discovery run for it.
//
// Expressions use the standard five fields (minute, hour, day of month,
// month, day of week) or a descriptor such as "@daily" or "@every 6h", and
// are evaluated in UTC unless prefixed with CRON_TZ=<zone>.
package schedule
