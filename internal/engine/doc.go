// Package engine is the background job executor: a bounded queue drained by
// a fixed worker pool, with per-job timeout, retry with exponential backoff
// and jitter, and overlap gating.
//
// The scheduling core treats this as the external "job queue with retry
// policy" collaborator: delivery jobs return an error to request a retry and
// wrap permanent failures with NoRetry to suppress it.
package engine
