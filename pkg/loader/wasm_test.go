package loader

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pluginmon/pluginmon/pkg/plugin"
)

// Minimal WebAssembly binary encoder for building test units.

const (
	wasmI32 byte = 0x7f
	wasmI64 byte = 0x7e

	opUnreachable byte = 0x00
	opEnd         byte = 0x0b
	opCall        byte = 0x10
	opI32Const    byte = 0x41
	opI64Const    byte = 0x42
)

type wasmFunc struct {
	params  []byte
	results []byte
	body    []byte
	export  string
}

type wasmModule struct {
	importFail bool
	funcs      []wasmFunc
	memory     bool
	data       []byte
	dataOffset int32
	start      int // index into funcs, -1 for none
}

func uleb(v uint32) []byte {
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

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func wasmName(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func wasmVec(items ...[]byte) []byte {
	out := uleb(uint32(len(items)))
	for _, item := range items {
		out = append(out, item...)
	}
	return out
}

func wasmSection(id byte, content []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint32(len(content)))...)
	return append(out, content...)
}

func (m wasmModule) encode() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	var types [][]byte
	funcBase := uint32(0)
	if m.importFail {
		types = append(types, []byte{0x60, 0x02, wasmI32, wasmI32, 0x00})
		funcBase = 1
	}
	for _, f := range m.funcs {
		t := []byte{0x60}
		t = append(t, wasmVec(splitBytes(f.params)...)...)
		t = append(t, wasmVec(splitBytes(f.results)...)...)
		types = append(types, t)
	}
	out = append(out, wasmSection(1, wasmVec(types...))...)

	if m.importFail {
		imp := append(wasmName("env"), wasmName("fail")...)
		imp = append(imp, 0x00)
		imp = append(imp, uleb(0)...)
		out = append(out, wasmSection(2, wasmVec(imp))...)
	}

	var funcTypes [][]byte
	for i := range m.funcs {
		funcTypes = append(funcTypes, uleb(funcBase+uint32(i)))
	}
	out = append(out, wasmSection(3, wasmVec(funcTypes...))...)

	if m.memory {
		out = append(out, wasmSection(5, wasmVec([]byte{0x00, 0x01}))...)
	}

	var exports [][]byte
	if m.memory {
		exports = append(exports, append(wasmName("memory"), 0x02, 0x00))
	}
	for i, f := range m.funcs {
		if f.export == "" {
			continue
		}
		e := append(wasmName(f.export), 0x00)
		exports = append(exports, append(e, uleb(funcBase+uint32(i))...))
	}
	out = append(out, wasmSection(7, wasmVec(exports...))...)

	if m.start >= 0 {
		out = append(out, wasmSection(8, uleb(funcBase+uint32(m.start)))...)
	}

	var codes [][]byte
	for _, f := range m.funcs {
		body := append([]byte{0x00}, f.body...)
		body = append(body, opEnd)
		codes = append(codes, append(uleb(uint32(len(body))), body...))
	}
	out = append(out, wasmSection(10, wasmVec(codes...))...)

	if len(m.data) > 0 {
		seg := []byte{0x00, opI32Const}
		seg = append(seg, sleb(int64(m.dataOffset))...)
		seg = append(seg, opEnd)
		seg = append(seg, uleb(uint32(len(m.data)))...)
		seg = append(seg, m.data...)
		out = append(out, wasmSection(11, wasmVec(seg))...)
	}

	return out
}

func splitBytes(b []byte) [][]byte {
	out := make([][]byte, len(b))
	for i := range b {
		out[i] = []byte{b[i]}
	}
	return out
}

// returnString is a run body returning the packed pointer to data at offset.
func returnString(offset int32, length int) []byte {
	packed := int64(offset)<<32 | int64(length)
	return append([]byte{opI64Const}, sleb(packed)...)
}

func writeWASM(t *testing.T, name string, m wasmModule) plugin.Source {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, m.encode(), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return plugin.NewSource(path)
}

func TestWASMLoader_Load(t *testing.T) {
	loader := NewWASMLoader(zerolog.Nop(), nil)
	ctx := context.Background()

	failBody := append([]byte{opI32Const}, sleb(16)...)
	failBody = append(failBody, opI32Const)
	failBody = append(failBody, sleb(4)...)
	failBody = append(failBody, opCall)
	failBody = append(failBody, uleb(0)...)
	failBody = append(failBody, returnString(0, 0)...)

	tests := []struct {
		name      string
		module    wasmModule
		wantValue string
		wantKind  plugin.ErrorKind
		wantRun   string
	}{
		{
			name: "string result",
			module: wasmModule{
				memory: true,
				funcs: []wasmFunc{
					{results: []byte{wasmI64}, body: returnString(8, 6), export: "run"},
				},
				data:       []byte("Cloudy"),
				dataOffset: 8,
				start:      -1,
			},
			wantValue: "Cloudy",
		},
		{
			name:     "empty module has no run",
			module:   wasmModule{start: -1},
			wantKind: plugin.ErrorKindMissingCapability,
		},
		{
			name: "run takes arguments",
			module: wasmModule{
				memory: true,
				funcs: []wasmFunc{
					{params: []byte{wasmI32}, results: []byte{wasmI64}, body: returnString(0, 0), export: "run"},
				},
				start: -1,
			},
			wantKind: plugin.ErrorKindMissingCapability,
		},
		{
			name: "run without memory",
			module: wasmModule{
				funcs: []wasmFunc{
					{results: []byte{wasmI64}, body: returnString(0, 0), export: "run"},
				},
				start: -1,
			},
			wantKind: plugin.ErrorKindMissingCapability,
		},
		{
			name: "memoryless module is not instantiated",
			module: wasmModule{
				funcs: []wasmFunc{
					{body: []byte{opUnreachable}},
					{results: []byte{wasmI64}, body: returnString(0, 0), export: "run"},
				},
				start: 0,
			},
			wantKind: plugin.ErrorKindMissingCapability,
		},
		{
			name: "start section traps",
			module: wasmModule{
				memory: true,
				funcs: []wasmFunc{
					{body: []byte{opUnreachable}},
					{results: []byte{wasmI64}, body: returnString(0, 0), export: "run"},
				},
				start: 0,
			},
			wantKind: plugin.ErrorKindLoadFailed,
		},
		{
			name: "run traps",
			module: wasmModule{
				memory: true,
				funcs: []wasmFunc{
					{results: []byte{wasmI64}, body: []byte{opUnreachable}, export: "run"},
				},
				start: -1,
			},
			wantRun: "unreachable",
		},
		{
			name: "run calls fail",
			module: wasmModule{
				importFail: true,
				memory:     true,
				funcs: []wasmFunc{
					{results: []byte{wasmI64}, body: failBody, export: "run"},
				},
				data:       []byte("boom"),
				dataOffset: 16,
				start:      -1,
			},
			wantRun: "boom",
		},
		{
			name: "result out of bounds",
			module: wasmModule{
				memory: true,
				funcs: []wasmFunc{
					{results: []byte{wasmI64}, body: returnString(70000, 10), export: "run"},
				},
				start: -1,
			},
			wantRun: "out of memory bounds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := writeWASM(t, "unit.wasm", tt.module)

			p, err := loader.Load(ctx, src)
			if tt.wantKind != "" {
				if got := plugin.KindOf(err); got != tt.wantKind {
					t.Fatalf("expected kind %s, got %s (%v)", tt.wantKind, got, err)
				}
				if p != nil {
					t.Errorf("expected no plugin on %s, got %T", tt.wantKind, p)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			defer p.(plugin.Closer).Close(ctx)

			got, err := p.Run(ctx)
			if tt.wantRun != "" {
				if err == nil {
					t.Fatalf("expected run error containing %q, got value %q", tt.wantRun, got)
				}
				if !strings.Contains(err.Error(), tt.wantRun) {
					t.Errorf("expected run error containing %q, got %q", tt.wantRun, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if got != tt.wantValue {
				t.Errorf("Run() = %q, want %q", got, tt.wantValue)
			}
		})
	}
}

func TestWASMLoader_InvalidBinary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.wasm")
	if err := os.WriteFile(path, []byte("not a wasm module"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	_, err := NewWASMLoader(zerolog.Nop(), nil).Load(context.Background(), plugin.NewSource(path))
	if !plugin.IsLoadFailed(err) {
		t.Errorf("expected LoadFailed, got %v", err)
	}
}
