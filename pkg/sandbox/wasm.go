package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

const wasmPageSize = 64 * 1024

// WasmRunner runs WebAssembly tenant payloads with wazero. Guest memory is
// capped at the sandbox memory budget. No filesystem, network, or
// environment is exposed.
type WasmRunner struct {
	runtime wazero.Runtime
	config  wazero.ModuleConfig
}

// NewWasmRunner creates a runtime sized to budget.
func NewWasmRunner(ctx context.Context, budget Budget) *WasmRunner {
	rc := wazero.NewRuntimeConfig()
	if budget.MemoryBytes > 0 {
		pages := budget.MemoryBytes / wasmPageSize
		if pages == 0 {
			pages = 1
		}
		if pages > 65536 {
			pages = 65536
		}
		rc = rc.WithMemoryLimitPages(uint32(pages))
	}
	r := wazero.NewRuntimeWithConfig(ctx, rc)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	return &WasmRunner{
		runtime: r,
		config:  wazero.NewModuleConfig().WithName("tenant").WithStartFunctions("_start"),
	}
}

// Work returns a WorkFunc that compiles and runs module with input on
// stdin. Stdout is written to out when non-nil.
//
// Compile failures are ordinary errors. Traps and non-zero exits are
// returned as *AbortError so Execute records a crash.
func (w *WasmRunner) Work(module, input []byte, out *bytes.Buffer) WorkFunc {
	return func(ctx context.Context) error {
		compiled, err := w.runtime.CompileModule(ctx, module)
		if err != nil {
			return fmt.Errorf("wasm: compile: %w", err)
		}
		defer func() { _ = compiled.Close(ctx) }()

		cfg := w.config.WithStdin(bytes.NewReader(input))
		if out != nil {
			cfg = cfg.WithStdout(out)
		}
		mod, err := w.runtime.InstantiateModule(ctx, compiled, cfg)
		if err != nil {
			var exit *sys.ExitError
			if errors.As(err, &exit) && exit.ExitCode() == 0 {
				return nil
			}
			return Abort(fmt.Errorf("wasm: %w", err))
		}
		return mod.Close(ctx)
	}
}

// Close releases the runtime.
func (w *WasmRunner) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.runtime.Close(ctx)
}
