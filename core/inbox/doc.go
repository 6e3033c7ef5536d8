// Package inbox records incoming messages and deduplicates them by message
// ID before dispatching into the in-process pipeline, turning at-least-once
// delivery into exactly-once handling.
package inbox
