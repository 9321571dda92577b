// Package security provides validation, sanitization, and limits for sniper.
//
// This package includes:
//   - Input validation for identifiers, timezones and settings bounds
//   - Error message sanitization to prevent sensitive data leakage
//   - Clamping functions that enforce safe limits on concurrency, delays and batch sizes
//   - Constant-time comparison of shared secrets
//
// Most users should import the root package github.com/jdziat/sniper
// which re-exports these functions.
package security
