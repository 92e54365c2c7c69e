// Package push delivers state-change and progress events to connected
// clients. A transport-agnostic registry maps session identifiers to live
// connections; transport adapters own the wire encoding and the low-level
// send and close operations.
package push
