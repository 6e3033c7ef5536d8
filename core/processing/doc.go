// Package processing defines the Processor contract shared by every pipeline
// stage, the immutable per-call Context derived through the decorator chain,
// and the Result value separating handled failures from propagated errors.
package processing
