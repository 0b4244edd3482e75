// Package host implements the binding table guests import under the
// "env" namespace.
//
// The table is instantiated once per engine; per-instance context (the
// calling plugin's id, capability set, and collaborator handles)
// travels to each binding through the call context. Every gated
// binding checks its capability at the boundary: a denied call logs a
// warning and returns the binding's failure sentinel to the guest
// without executing the action. Host errors never cross the boundary
// as traps.
package host
