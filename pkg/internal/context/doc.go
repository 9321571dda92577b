// Package context carries the caller's identity through request contexts.
//
// The API router resolves the user and workspace once per request and every
// handler reads them back from here.
package context
