package wasm

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

// Binary construction helpers. Sections are appended in call order so
// tests can build both valid and deliberately broken modules.

func lebU(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func nameBytes(s string) []byte {
	return append(lebU(uint32(len(s))), s...)
}

type builder struct {
	buf bytes.Buffer
}

func newBuilder() *builder {
	b := &builder{}
	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:], Magic)
	binary.LittleEndian.PutUint32(header[4:], Version)
	b.buf.Write(header[:])
	return b
}

func (b *builder) section(id byte, body []byte) *builder {
	b.buf.WriteByte(id)
	b.buf.Write(lebU(uint32(len(body))))
	b.buf.Write(body)
	return b
}

func (b *builder) bytes() []byte {
	return b.buf.Bytes()
}

func funcExport(name string, idx uint32) []byte {
	out := nameBytes(name)
	out = append(out, KindFunc)
	return append(out, lebU(idx)...)
}

func exportSection(entries ...[]byte) []byte {
	out := lebU(uint32(len(entries)))
	for _, e := range entries {
		out = append(out, e...)
	}
	return out
}

func funcImport(module, name string, typeIdx uint32) []byte {
	out := nameBytes(module)
	out = append(out, nameBytes(name)...)
	out = append(out, KindFunc)
	return append(out, lebU(typeIdx)...)
}

func importSection(entries ...[]byte) []byte {
	out := lebU(uint32(len(entries)))
	for _, e := range entries {
		out = append(out, e...)
	}
	return out
}

func TestScan_Minimal(t *testing.T) {
	m, err := Scan(newBuilder().bytes())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(m.Exports) != 0 || len(m.Imports) != 0 || m.HasMemory {
		t.Errorf("empty module should be empty: %+v", m)
	}
}

func TestScan_HeaderErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"empty", nil, "header"},
		{"short", []byte{0x00, 0x61}, "header"},
		{"bad magic", append([]byte{0xde, 0xad, 0xbe, 0xef}, 0x01, 0x00, 0x00, 0x00), "magic"},
		{"bad version", append([]byte{0x00, 0x61, 0x73, 0x6d}, 0x02, 0x00, 0x00, 0x00), "version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Scan(tt.data)
			if err == nil {
				t.Fatal("Scan should fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should contain %q", err, tt.want)
			}
		})
	}
}

func TestScan_Exports(t *testing.T) {
	data := newBuilder().
		section(sectionExport, exportSection(
			funcExport("plugin_id", 0),
			funcExport("plugin_start", 1),
			append(append(nameBytes("memory"), KindMemory), lebU(0)...),
		)).
		bytes()

	m, err := Scan(data)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(m.Exports) != 3 {
		t.Fatalf("exports = %d, want 3", len(m.Exports))
	}
	if !m.HasExport("plugin_id") || !m.HasExport("plugin_start") {
		t.Error("function exports not indexed")
	}
	if m.HasExport("memory") {
		t.Error("memory export is not a function export")
	}
	if got := m.ExportedFuncs(); len(got) != 2 || got[0] != "plugin_id" {
		t.Errorf("ExportedFuncs = %v", got)
	}
	if !m.HasAllExports("plugin_id", "plugin_start") {
		t.Error("HasAllExports should hold")
	}
	if missing := m.Missing("plugin_id", "plugin_stop", "allocate"); len(missing) != 2 ||
		missing[0] != "plugin_stop" || missing[1] != "allocate" {
		t.Errorf("Missing = %v", missing)
	}
}

func TestScan_DuplicateExport(t *testing.T) {
	data := newBuilder().
		section(sectionExport, exportSection(
			funcExport("plugin_id", 0),
			funcExport("plugin_id", 1),
		)).
		bytes()

	if _, err := Scan(data); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("want duplicate export error, got %v", err)
	}
}

func TestScan_Imports(t *testing.T) {
	data := newBuilder().
		section(sectionImport, importSection(
			funcImport("env", "sk_debug", 0),
			funcImport("env", "sk_http_request", 1),
			funcImport("wasi_snapshot_preview1", "fd_write", 2),
		)).
		bytes()

	m, err := Scan(data)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(m.Imports) != 3 {
		t.Fatalf("imports = %d, want 3", len(m.Imports))
	}
	if !m.ImportsFunc("env", "sk_http_request") {
		t.Error("ImportsFunc should find env.sk_http_request")
	}
	if m.ImportsFunc("env", "fd_write") {
		t.Error("ImportsFunc should respect the module namespace")
	}
}

func TestScan_MemoryImport(t *testing.T) {
	entry := nameBytes("env")
	entry = append(entry, nameBytes("memory")...)
	entry = append(entry, KindMemory, 0x00) // limits: no max
	entry = append(entry, lebU(1)...)

	data := newBuilder().section(sectionImport, importSection(entry)).bytes()
	m, err := Scan(data)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !m.HasMemory {
		t.Error("memory import should set HasMemory")
	}
}

func TestScan_MemorySection(t *testing.T) {
	body := append(lebU(1), 0x00) // one memory, min only
	body = append(body, lebU(2)...)
	data := newBuilder().section(sectionMemory, body).bytes()

	m, err := Scan(data)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !m.HasMemory {
		t.Error("memory section should set HasMemory")
	}
}

func TestScan_SectionErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{
			"unknown section",
			newBuilder().section(0x20, nil).bytes(),
			"unknown section",
		},
		{
			"out of order",
			newBuilder().
				section(sectionExport, exportSection()).
				section(sectionImport, importSection()).
				bytes(),
			"out of order",
		},
		{
			"repeated section",
			newBuilder().
				section(sectionType, lebU(0)).
				section(sectionType, lebU(0)).
				bytes(),
			"out of order",
		},
		{
			"truncated section",
			append(newBuilder().bytes(), sectionType, 0x10, 0x00),
			"section",
		},
		{
			"invalid export kind",
			newBuilder().
				section(sectionExport, exportSection(append(append(nameBytes("x"), 0x07), lebU(0)...))).
				bytes(),
			"export kind",
		},
		{
			"invalid utf8 name",
			newBuilder().
				section(sectionExport, exportSection(append([]byte{0x02, 0xff, 0xfe, KindFunc}, lebU(0)...))).
				bytes(),
			"UTF-8",
		},
		{
			"leb overflow",
			append(newBuilder().bytes(), sectionType, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01),
			"overflow",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Scan(tt.data)
			if err == nil {
				t.Fatal("Scan should fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should contain %q", err, tt.want)
			}
		})
	}
}

func TestScan_CustomSectionsAnywhere(t *testing.T) {
	custom := append(nameBytes("name"), 0x01, 0x02)
	data := newBuilder().
		section(sectionCustom, custom).
		section(sectionImport, importSection(funcImport("env", "sk_debug", 0))).
		section(sectionCustom, custom).
		section(sectionExport, exportSection(funcExport("plugin_id", 0))).
		section(sectionCustom, custom).
		bytes()

	m, err := Scan(data)
	if err != nil {
		t.Fatalf("custom sections should be allowed anywhere: %v", err)
	}
	if len(m.Imports) != 1 || len(m.Exports) != 1 {
		t.Errorf("scan incomplete: %+v", m)
	}
}
