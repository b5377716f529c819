package loader

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/pluginmon/pluginmon/pkg/plugin"
)

// WASMConfig contains configuration for the WASM loader.
type WASMConfig struct {
	// MemoryLimitPages is the maximum memory limit in pages (64KB each).
	// Default is 256 pages (16MB).
	MemoryLimitPages uint32
}

// WASMLoader loads .wasm units.
//
// A unit is a module that exports its linear memory and a function
//
//	run() -> i64
//
// whose result packs a pointer to a UTF-8 string in the upper 32 bits and
// its length in the lower 32 bits. The host module "env" provides
//
//	fail(ptr, len i32)  // marks the current call as failed with a message
//	log(ptr, len i32)   // writes a message to the runtime log
//
// Instantiation runs the module's start section and its _initialize export,
// which together are the unit's top-level code.
type WASMLoader struct {
	logger zerolog.Logger
	config WASMConfig
}

// NewWASMLoader creates a new WASM loader. A nil config uses defaults.
func NewWASMLoader(logger zerolog.Logger, cfg *WASMConfig) *WASMLoader {
	c := WASMConfig{MemoryLimitPages: 256}
	if cfg != nil && cfg.MemoryLimitPages != 0 {
		c.MemoryLimitPages = cfg.MemoryLimitPages
	}
	return &WASMLoader{
		logger: logger.With().Str("component", "wasm-loader").Logger(),
		config: c,
	}
}

// Load compiles and instantiates the module and validates its run export.
func (l *WASMLoader) Load(ctx context.Context, src plugin.Source) (plugin.Plugin, error) {
	wasmBytes, err := os.ReadFile(src.Path)
	if err != nil {
		return nil, plugin.NewLoadFailedError(src.Name, fmt.Errorf("failed to read file: %w", err))
	}

	// No WithCloseOnContextDone: a running unit is never interrupted.
	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(l.config.MemoryLimitPages))

	p := &wasmPlugin{name: src.Name, runtime: runtime}
	logger := l.logger.With().Str("plugin", src.Name).Logger()

	fail := func(err error) (plugin.Plugin, error) {
		_ = runtime.Close(ctx)
		return nil, err
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		return fail(plugin.NewLoadFailedError(src.Name, fmt.Errorf("failed to instantiate WASI: %w", err)))
	}

	if err := registerHostFunctions(ctx, runtime, p, logger); err != nil {
		return fail(plugin.NewLoadFailedError(src.Name, fmt.Errorf("failed to instantiate host module: %w", err)))
	}

	compiled, err := runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fail(plugin.NewLoadFailedError(src.Name, fmt.Errorf("failed to compile module: %w", err)))
	}

	// Checked before instantiation: the host functions read the caller's
	// memory, and Module.Memory is never a nil interface.
	memName, ok := exportedMemory(compiled)
	if !ok {
		return fail(plugin.NewMissingCapabilityError(src.Name, "does not export memory"))
	}

	// Missing start functions are skipped by wazero.
	modConfig := wazero.NewModuleConfig().
		WithName(src.Name).
		WithStartFunctions("_initialize")

	module, err := runtime.InstantiateModule(ctx, compiled, modConfig)
	if err != nil {
		return fail(plugin.NewLoadFailedError(src.Name, fmt.Errorf("failed to instantiate module: %w", err)))
	}
	if msg, failed := p.takeFailure(); failed {
		return fail(plugin.NewLoadFailedError(src.Name, errors.New(msg)))
	}

	run := module.ExportedFunction(entryPoint)
	if run == nil {
		return fail(plugin.NewMissingCapabilityError(src.Name, "does not export a run function"))
	}
	def := run.Definition()
	if len(def.ParamTypes()) != 0 {
		return fail(plugin.NewMissingCapabilityError(src.Name,
			fmt.Sprintf("run must take no arguments, takes %d", len(def.ParamTypes()))))
	}
	if results := def.ResultTypes(); len(results) != 1 || results[0] != api.ValueTypeI64 {
		return fail(plugin.NewMissingCapabilityError(src.Name, "run must return a single i64 (ptr<<32 | len)"))
	}

	p.module = module
	p.memory = module.ExportedMemory(memName)
	p.run = run
	return p, nil
}

// exportedMemory returns the name of the module's exported memory,
// preferring "memory" when several are exported.
func exportedMemory(compiled wazero.CompiledModule) (string, bool) {
	mems := compiled.ExportedMemories()
	if _, ok := mems["memory"]; ok {
		return "memory", true
	}
	for name := range mems {
		return name, true
	}
	return "", false
}

// registerHostFunctions instantiates the "env" host module for one plugin.
func registerHostFunctions(ctx context.Context, runtime wazero.Runtime, p *wasmPlugin, logger zerolog.Logger) error {
	_, err := runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, ptr, length uint32) {
			msg, ok := mod.Memory().Read(ptr, length)
			if !ok {
				p.setFailure("fail called with out of bounds message")
				return
			}
			p.setFailure(string(msg))
		}).
		Export("fail").
		NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, ptr, length uint32) {
			msg, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return
			}
			logger.Info().Str("source", "log").Msg(string(msg))
		}).
		Export("log").
		Instantiate(ctx)
	return err
}

type wasmPlugin struct {
	name    string
	runtime wazero.Runtime
	module  api.Module
	memory  api.Memory
	run     api.Function

	failed  bool
	failMsg string
}

func (p *wasmPlugin) Name() string {
	return p.name
}

func (p *wasmPlugin) Run(ctx context.Context) (string, error) {
	results, err := p.run.Call(ctx)
	if msg, failed := p.takeFailure(); failed {
		return "", errors.New(msg)
	}
	if err != nil {
		return "", err
	}

	packed := results[0]
	ptr, length := uint32(packed>>32), uint32(packed)
	out, ok := p.memory.Read(ptr, length)
	if !ok {
		return "", fmt.Errorf("result [%d:%d] is out of memory bounds", ptr, ptr+length)
	}
	return string(out), nil
}

// Close releases the module and its runtime.
func (p *wasmPlugin) Close(ctx context.Context) error {
	if p.runtime == nil {
		return nil
	}
	if err := p.runtime.Close(ctx); err != nil {
		return fmt.Errorf("failed to close WASM runtime: %w", err)
	}
	return nil
}

func (p *wasmPlugin) setFailure(msg string) {
	p.failed = true
	p.failMsg = msg
}

func (p *wasmPlugin) takeFailure() (string, bool) {
	msg, failed := p.failMsg, p.failed
	p.failed, p.failMsg = false, ""
	return msg, failed
}
