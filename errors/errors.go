package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Phase indicates where in the plugin lifecycle the error occurred
type Phase string

const (
	PhaseManifest Phase = "manifest" // manifest parsing and validation
	PhaseLoad     Phase = "load"     // bytecode scan, compile, instantiate
	PhaseStart    Phase = "start"    // start export and post-start registration
	PhaseStop     Phase = "stop"     // stop export and teardown
	PhaseCall     Phase = "call"     // any other guest export call
	PhaseBinding  Phase = "binding"  // guest-initiated host binding call
	PhaseRegistry Phase = "registry" // provider/endpoint/PUT slot claims
	PhaseDispatch Phase = "dispatch" // routing a request to an instance
)

// Kind categorizes the error. The first five kinds form the supervision
// taxonomy: the lifecycle manager keys its crash and retry decisions on
// them.
type Kind string

const (
	KindLoad              Kind = "load"               // fatal, instance stays unloaded
	KindCapabilityDenied  Kind = "capability_denied"  // sentinel returned to guest
	KindGuestTrap         Kind = "guest_trap"         // escalates to crash recovery
	KindProtocolViolation Kind = "protocol_violation" // rejected, call-local
	KindTimeout           Kind = "timeout"            // treated as a guest trap

	KindNotFound     Kind = "not_found"
	KindInvalidInput Kind = "invalid_input"
	KindRegistration Kind = "registration"
	KindInternal     Kind = "internal"
)

// Error is the structured error type used throughout the runtime
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Plugin string
	Export string
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Plugin != "" {
		b.WriteString(" plugin ")
		b.WriteString(e.Plugin)
	}
	if e.Export != "" {
		b.WriteString(" export ")
		b.WriteString(e.Export)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Plugin sets the instance id
func (b *Builder) Plugin(id string) *Builder {
	b.err.Plugin = id
	return b
}

// Export sets the guest export or binding name
func (b *Builder) Export(name string) *Builder {
	b.err.Export = name
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// KindOf extracts the supervision kind from any error. Context
// cancellation and deadline errors classify as timeouts so that a hung
// export and an expired call deadline drive the same crash path;
// anything unrecognized is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}

// IsCrash reports whether err must escalate to crash recovery.
func IsCrash(err error) bool {
	switch KindOf(err) {
	case KindGuestTrap, KindTimeout:
		return true
	}
	return false
}

// Convenience constructors for common error patterns

// Load creates a fatal loading error; the instance stays unloaded
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindLoad,
		Detail: detail,
		Cause:  cause,
	}
}

// Manifest creates a manifest validation error
func Manifest(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseManifest,
		Kind:   KindInvalidInput,
		Detail: detail,
		Cause:  cause,
	}
}

// CapabilityDenied creates a capability rejection for a binding call
func CapabilityDenied(plugin, binding string, capability string) *Error {
	return &Error{
		Phase:  PhaseBinding,
		Kind:   KindCapabilityDenied,
		Plugin: plugin,
		Export: binding,
		Detail: fmt.Sprintf("requires capability %q", capability),
		Value:  capability,
	}
}

// GuestTrap wraps an unhandled fault inside guest code
func GuestTrap(plugin, export string, cause error) *Error {
	return &Error{
		Phase:  PhaseCall,
		Kind:   KindGuestTrap,
		Plugin: plugin,
		Export: export,
		Detail: "guest trapped",
		Cause:  cause,
	}
}

// ProtocolViolation creates a synchronous rejection that does not crash
// the instance
func ProtocolViolation(phase Phase, plugin, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindProtocolViolation,
		Plugin: plugin,
		Detail: detail,
	}
}

// Timeout creates a hung-call error; supervision treats it as a trap
func Timeout(plugin, export string, cause error) *Error {
	return &Error{
		Phase:  PhaseCall,
		Kind:   KindTimeout,
		Plugin: plugin,
		Export: export,
		Detail: "deadline exceeded",
		Cause:  cause,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Registration creates a registration error surfaced at claim time
func Registration(plugin, detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseRegistry,
		Kind:   KindRegistration,
		Plugin: plugin,
		Detail: detail,
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// MissingExportsError is returned when a module lacks required guest
// exports for its probed convention
type MissingExportsError struct {
	Convention string
	Exports    []string
}

// NewMissingExportsError creates an error from the missing export names
func NewMissingExportsError(convention string, exports []string) *MissingExportsError {
	return &MissingExportsError{
		Convention: convention,
		Exports:    exports,
	}
}

func (e *MissingExportsError) Error() string {
	if len(e.Exports) == 0 {
		return "[load] load: no exports specified"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "missing %d required export(s)", len(e.Exports))
	if e.Convention != "" {
		fmt.Fprintf(&b, " for %s convention", e.Convention)
	}
	b.WriteString(":\n")
	for _, name := range e.Exports {
		b.WriteString("  - ")
		b.WriteString(name)
		b.WriteByte('\n')
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Is reports whether target matches this error type
func (e *MissingExportsError) Is(target error) bool {
	_, ok := target.(*MissingExportsError)
	return ok
}
