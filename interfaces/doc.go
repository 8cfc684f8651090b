// Package interfaces defines the core types and contracts of the custody engine.
// It provides the boundary between the engine and its collaborators (persistence,
// ledger adapters, audit sinks) without implementation details.
package interfaces
