// Package handler holds the HTTP plumbing shared by the gateway and API
// routers.
//
// It provides:
//   - the JSON error envelope {"error":{"message","code"}}
//   - mapping from sentinel errors to status codes
//   - the shared-secret middleware for machine callers
package handler
