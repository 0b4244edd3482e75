// Package wasm provides static scanning of WebAssembly binary modules.
//
// The loader scans a plugin's bytecode before instantiating anything:
// the scan rejects malformed or unsupported binaries, lists exported and
// imported symbols for convention probing, and lets registration code
// verify handler exports without calling into the guest.
//
// Scanning is deliberately shallow. Function bodies, types and data
// segments are consumed but not decoded; full validation is left to the
// execution engine.
package wasm
