package wasm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// WebAssembly binary format magic number and version.
const (
	// Magic is the WebAssembly binary magic number ("\0asm" in little-endian).
	Magic uint32 = 0x6D736100

	// Version is the supported WebAssembly binary format version.
	Version uint32 = 0x01
)

// Section IDs define the binary identifiers for each module section.
const (
	sectionCustom    byte = 0
	sectionType      byte = 1
	sectionImport    byte = 2
	sectionFunction  byte = 3
	sectionTable     byte = 4
	sectionMemory    byte = 5
	sectionGlobal    byte = 6
	sectionExport    byte = 7
	sectionStart     byte = 8
	sectionElement   byte = 9
	sectionCode      byte = 10
	sectionData      byte = 11
	sectionDataCount byte = 12
	sectionTag       byte = 13
)

// Import/Export descriptor kinds identify the type of item.
const (
	KindFunc   byte = 0
	KindTable  byte = 1
	KindMemory byte = 2
	KindGlobal byte = 3
	KindTag    byte = 4
)

// Scanning errors returned by Scan.
var (
	ErrInvalidMagic   = errors.New("invalid wasm magic number")
	ErrInvalidVersion = errors.New("unsupported wasm version")
)

// Export is an exported symbol.
type Export struct {
	Name string
	Kind byte
}

// Import is an imported symbol.
type Import struct {
	Module string
	Name   string
	Kind   byte
}

// Module is the scan result for one binary.
type Module struct {
	Exports []Export
	Imports []Import

	// HasMemory reports a memory section or memory import.
	HasMemory bool

	funcExports map[string]bool
}

// HasExport reports whether name is exported as a function.
func (m *Module) HasExport(name string) bool {
	return m.funcExports[name]
}

// HasAllExports reports whether every name is exported as a function.
func (m *Module) HasAllExports(names ...string) bool {
	for _, n := range names {
		if !m.funcExports[n] {
			return false
		}
	}
	return true
}

// Missing returns the subset of names not exported as functions, in the
// given order.
func (m *Module) Missing(names ...string) []string {
	var missing []string
	for _, n := range names {
		if !m.funcExports[n] {
			missing = append(missing, n)
		}
	}
	return missing
}

// ExportedFuncs returns the function export names in declaration order.
func (m *Module) ExportedFuncs() []string {
	var names []string
	for _, e := range m.Exports {
		if e.Kind == KindFunc {
			names = append(names, e.Name)
		}
	}
	return names
}

// ImportsFunc reports whether the module imports the named function
// from the given module namespace.
func (m *Module) ImportsFunc(module, name string) bool {
	for _, imp := range m.Imports {
		if imp.Kind == KindFunc && imp.Module == module && imp.Name == name {
			return true
		}
	}
	return false
}

// Scan parses the header and section layout of a WebAssembly binary,
// collecting exports and imports. It rejects bad magic, unsupported
// versions, truncated content, out-of-order or unknown sections, and
// duplicate export names.
func Scan(data []byte) (*Module, error) {
	r := &reader{data: data}

	magic, err := r.u32le()
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	if magic != Magic {
		return nil, ErrInvalidMagic
	}

	version, err := r.u32le()
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	if version != Version {
		return nil, ErrInvalidVersion
	}

	m := &Module{funcExports: make(map[string]bool)}

	// Sections must appear in canonical order; custom sections may
	// appear anywhere.
	lastOrder := 0

	for !r.done() {
		id, err := r.byte()
		if err != nil {
			return nil, fmt.Errorf("section header: %w", err)
		}
		if id != sectionCustom {
			order := sectionOrder(id)
			if order < 0 {
				return nil, fmt.Errorf("unknown section ID: 0x%02x", id)
			}
			if order <= lastOrder {
				return nil, fmt.Errorf("section %d appears out of order", id)
			}
			lastOrder = order
		}

		size, err := r.leb()
		if err != nil {
			return nil, fmt.Errorf("section size: %w", err)
		}
		body, err := r.take(size)
		if err != nil {
			return nil, fmt.Errorf("section %d data: %w", id, err)
		}
		sr := &reader{data: body}

		switch id {
		case sectionImport:
			if err := m.scanImports(sr); err != nil {
				return nil, fmt.Errorf("import section: %w", err)
			}
		case sectionExport:
			if err := m.scanExports(sr); err != nil {
				return nil, fmt.Errorf("export section: %w", err)
			}
		case sectionMemory:
			count, err := sr.leb()
			if err != nil {
				return nil, fmt.Errorf("memory section: %w", err)
			}
			if count > 0 {
				m.HasMemory = true
			}
		}
	}

	return m, nil
}

// sectionOrder returns the canonical position of a section, which
// differs from the raw IDs (tag precedes global, data count precedes
// code). Unknown sections return -1.
func sectionOrder(id byte) int {
	switch id {
	case sectionType:
		return 1
	case sectionImport:
		return 2
	case sectionFunction:
		return 3
	case sectionTable:
		return 4
	case sectionMemory:
		return 5
	case sectionTag:
		return 6
	case sectionGlobal:
		return 7
	case sectionExport:
		return 8
	case sectionStart:
		return 9
	case sectionElement:
		return 10
	case sectionDataCount:
		return 11
	case sectionCode:
		return 12
	case sectionData:
		return 13
	default:
		return -1
	}
}

func (m *Module) scanImports(r *reader) error {
	count, err := r.leb()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		module, err := r.name()
		if err != nil {
			return err
		}
		name, err := r.name()
		if err != nil {
			return err
		}
		kind, err := r.byte()
		if err != nil {
			return err
		}
		if kind > KindTag {
			return fmt.Errorf("invalid import kind: 0x%02x", kind)
		}
		if err := r.skipImportDesc(kind); err != nil {
			return err
		}
		if kind == KindMemory {
			m.HasMemory = true
		}
		m.Imports = append(m.Imports, Import{Module: module, Name: name, Kind: kind})
	}
	return nil
}

func (m *Module) scanExports(r *reader) error {
	count, err := r.leb()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		name, err := r.name()
		if err != nil {
			return err
		}
		kind, err := r.byte()
		if err != nil {
			return err
		}
		if kind > KindTag {
			return fmt.Errorf("invalid export kind: 0x%02x", kind)
		}
		if _, err := r.leb(); err != nil { // index
			return err
		}
		for _, e := range m.Exports {
			if e.Name == name {
				return fmt.Errorf("duplicate export name %q", name)
			}
		}
		m.Exports = append(m.Exports, Export{Name: name, Kind: kind})
		if kind == KindFunc {
			m.funcExports[name] = true
		}
	}
	return nil
}

// reader is a bounds-checked cursor over the binary.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) done() bool {
	return r.pos >= len(r.data)
}

func (r *reader) byte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("offset %d: unexpected end of input", r.pos)
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) take(n uint32) ([]byte, error) {
	if uint64(r.pos)+uint64(n) > uint64(len(r.data)) {
		return nil, fmt.Errorf("offset %d: %d bytes requested, %d available", r.pos, n, len(r.data)-r.pos)
	}
	b := r.data[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

func (r *reader) u32le() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// leb reads an unsigned LEB128 value capped at 32 bits.
func (r *reader) leb() (uint32, error) {
	var result uint32
	var shift uint
	for {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 35 {
			return 0, fmt.Errorf("offset %d: leb128 overflow", r.pos)
		}
	}
}

// name reads a length-prefixed UTF-8 name.
func (r *reader) name() (string, error) {
	n, err := r.leb()
	if err != nil {
		return "", err
	}
	b, err := r.take(n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("offset %d: name is not valid UTF-8", r.pos)
	}
	return string(b), nil
}

// skipImportDesc consumes the descriptor payload for one import.
func (r *reader) skipImportDesc(kind byte) error {
	switch kind {
	case KindFunc, KindTag:
		if kind == KindTag {
			if _, err := r.byte(); err != nil { // attribute
				return err
			}
		}
		_, err := r.leb() // type index
		return err
	case KindTable:
		if _, err := r.byte(); err != nil { // element type
			return err
		}
		return r.skipLimits()
	case KindMemory:
		return r.skipLimits()
	case KindGlobal:
		if _, err := r.byte(); err != nil { // value type
			return err
		}
		_, err := r.byte() // mutability
		return err
	}
	return fmt.Errorf("invalid import kind: 0x%02x", kind)
}

func (r *reader) skipLimits() error {
	flags, err := r.byte()
	if err != nil {
		return err
	}
	if _, err := r.leb(); err != nil { // min
		return err
	}
	if flags&0x01 != 0 {
		if _, err := r.leb(); err != nil { // max
			return err
		}
	}
	return nil
}
