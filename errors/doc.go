// Package errors provides structured error types for the plugin runtime.
//
// Errors are categorized by Phase (where in the lifecycle the error
// occurred) and Kind (error category). The first five kinds form the
// supervision taxonomy: load failures keep an instance unloaded,
// capability denials and protocol violations stay local to the call,
// guest traps and timeouts escalate to crash recovery.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseBinding, errors.KindCapabilityDenied).
//		Plugin("anchor-alarm").
//		Export("sk_udp_send").
//		Detail("requires capability %q", "rawSockets").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.CapabilityDenied("anchor-alarm", "sk_udp_send", "rawSockets")
//	err := errors.GuestTrap("anchor-alarm", "plugin_poll", cause)
//
// All errors implement the standard error interface and support
// errors.Is/As. Supervision code uses KindOf and IsCrash rather than
// matching concrete values.
package errors
