// Package provider tracks which plugin instance serves each resource,
// weather and radar slot and routes typed requests to the owning guest.
//
// Guests claim slots through host bindings while starting; the claims
// are released when the instance unloads. A (kind, type) pair has at
// most one owner. PUT handlers use a parallel registry keyed by
// (context, path), with the handler export name derived from the pair.
//
// The registries never call into guests themselves. Dispatch goes
// through a Caller implemented by the lifecycle manager, which owns
// instance locking and crash escalation.
package provider
