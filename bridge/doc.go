// Package bridge moves strings and suspensions across the guest
// boundary.
//
// Two memory conventions exist in the wild. Buffered guests export
// allocate/deallocate and their handlers write results into caller
// buffers. Managed guests own their strings and trade opaque handles
// through string_new/string_data/string_len. Probe detects the
// convention from the module's exports at load time; it never changes
// for the life of an instance.
//
// The Scheduler drives the Binaryen asyncify protocol so a binding can
// park the guest while the host performs a slow operation. One pending
// operation may be outstanding per instance; the operation is
// registered before the unwind starts so the scheduler loop always
// finds it when the export call returns.
package bridge
