// Package api serves the user-facing HTTP routes: targets, jobs, bulk
// actions, settings, quota, LinkedIn auth and preflight.
//
// Callers are identified by the X-User-ID and X-Workspace-ID headers, which
// an authenticating proxy in front of the service sets. Every route except
// /healthz and /metrics requires both.
package api
