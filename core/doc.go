// Package core implements the alert correlation and deduplication engine.
//
// # Architecture Overview
//
// The core package provides:
//   - The Alert domain type, its lifecycle states and validation
//   - Fingerprint, the canonical alert-identity hash
//   - Score, the weighted pairwise correlation function
//   - CandidateQuery, Resolver, Correlator and MergeCoordinator components
//   - Engine, the facade orchestrating a single Submit(alert) operation
//
// # Design Principles
//
// Storage and notifier interfaces are defined in this package, where they are
// consumed, and implemented by the storage and notify packages:
//  1. Interfaces defined where used (consumer package), not where implemented
//  2. Small, focused interfaces (1-3 methods ideal)
//  3. Accept interfaces, return concrete types
//  4. context.Context as first parameter for cancellation support
//  5. Typed errors with proper wrapping
//
// # Statelessness
//
// The engine holds no mutable state between calls; the alert store is the
// only shared mutable resource. A single Engine value can serve concurrent
// submissions, and re-running Submit after a merge race is always safe.
package core
