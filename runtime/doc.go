// Package runtime supervises plugin instances across their whole
// lifecycle: load, start, crash recovery, reload, and teardown.
//
// A Manager owns one engine and any number of instances. Every guest
// call for an instance is serialized on that instance's mutex, so a
// plugin runs as a single logical worker and the suspension protocol
// can rely on one pending operation at a time. Unrelated instances
// never queue behind each other. A hung call is torn down through the
// engine's close-on-context-done support and surfaces as a timeout,
// which supervision treats like any other guest trap.
//
// Crash recovery backs off exponentially: the nth crash inside a
// rolling five minute window schedules a restart after 2^(n-1)
// seconds, and the crash after the third disables the instance until
// an operator starts it again.
package runtime
