// Package resource governs the background work of one engine instance.
//
//   - Memory: decoded-segment caches charge their bytes here (TryAcquireMemory)
//   - Concurrency: merges hold a background slot while they run
//   - I/O: merge output is written through a RateLimitedWriter
//
// All methods are safe for concurrent use, and a nil *Controller is a valid
// controller without limits.
package resource
