// Package message defines the message value flowing through the processing
// pipeline: commands, queries, and events, each carrying a process-unique ID,
// correlation metadata, and a payload whose type determines handler routing.
package message
