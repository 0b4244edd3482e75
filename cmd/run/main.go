package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/term"

	pluginruntime "github.com/seakeel/plugin-runtime"
	"github.com/seakeel/plugin-runtime/manifest"
	"github.com/seakeel/plugin-runtime/runtime"
)

func main() {
	var (
		manifestFile = flag.String("manifest", "", "Path to plugin manifest (.json, .yaml, .yml)")
		wasmFile     = flag.String("wasm", "", "Path to bytecode, overriding the manifest entry")
		configStr    = flag.String("config", "", "Start configuration (JSON)")
		dataDir      = flag.String("data", "", "Plugin data directory for storage bindings")
		httpAddr     = flag.String("http", "", "Serve plugin HTTP endpoints on this address")
		list         = flag.Bool("list", false, "List exported functions and exit")
		start        = flag.Bool("start", false, "Start the plugin and run until interrupted")
		schema       = flag.Bool("manifest-schema", false, "Print the manifest JSON schema and exit")
		verbose      = flag.Bool("v", false, "Debug logging")
		interactive  = flag.Bool("i", false, "Interactive mode with TUI")
	)
	flag.Parse()

	if *schema {
		out, err := manifest.Schema()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
		return
	}

	if *manifestFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: run -manifest <plugin.yaml> [-wasm file.wasm] [-config JSON] [-start]")
		fmt.Fprintln(os.Stderr, "       run -manifest <plugin.yaml> -list")
		fmt.Fprintln(os.Stderr, "       run -manifest <plugin.yaml> -i  (interactive mode)")
		fmt.Fprintln(os.Stderr, "       run -manifest-schema")
		os.Exit(1)
	}

	if *interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Fprintln(os.Stderr, "Error: interactive mode needs a terminal")
			os.Exit(1)
		}
		if err := runInteractive(*manifestFile, *wasmFile, *configStr, *dataDir); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*manifestFile, *wasmFile, *configStr, *dataDir, *httpAddr, *list, *start, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(manifestFile, wasmFile, configStr, dataDir, httpAddr string, listOnly, start, verbose bool) error {
	ctx := context.Background()

	man, err := manifest.Load(manifestFile)
	if err != nil {
		return err
	}
	entry := man.Entry
	if wasmFile != "" {
		entry = wasmFile
	}
	code, err := os.ReadFile(entry)
	if err != nil {
		return fmt.Errorf("read bytecode: %w", err)
	}

	log := zap.NewNop()
	if verbose {
		log, err = zap.NewDevelopment()
		if err != nil {
			return err
		}
	}

	mgr, err := runtime.NewManager(ctx, runtime.Deps{
		Model:   printModel{},
		Config:  newMemConfig(),
		DataDir: dataDir,
		HTTP:    http.DefaultClient,
		Log:     log,
	})
	if err != nil {
		return err
	}
	defer mgr.Close(ctx)

	inst, err := mgr.Load(ctx, man, code)
	if err != nil {
		return err
	}

	info := inst.Info()
	fmt.Printf("Plugin:     %s\n", info.ID)
	fmt.Printf("Name:       %s\n", info.Name)
	fmt.Printf("Convention: %s\n", inst.Convention())

	fmt.Printf("\nExported functions:\n")
	exports := append([]string(nil), info.Exports...)
	sort.Strings(exports)
	for _, e := range exports {
		fmt.Printf("  %s\n", e)
	}

	if listOnly || !start {
		return nil
	}

	var cfg json.RawMessage
	if configStr != "" {
		if !json.Valid([]byte(configStr)) {
			return fmt.Errorf("config is not valid JSON")
		}
		cfg = json.RawMessage(configStr)
	}

	if httpAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/plugins/", mgr.Handler())
		go func() {
			if err := http.ListenAndServe(httpAddr, mux); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "http server: %v\n", err)
			}
		}()
	}

	if err := mgr.Start(ctx, info.ID, cfg); err != nil {
		return err
	}
	fmt.Printf("\nStarted %s; press Ctrl-C to stop.\n", info.ID)
	if routes := inst.Info().Endpoints; len(routes) > 0 {
		fmt.Printf("Endpoints:\n")
		for _, r := range routes {
			fmt.Printf("  %s\n", r)
		}
		if httpAddr != "" {
			fmt.Printf("Serving on %s\n", httpAddr)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	fmt.Printf("\nStopping...\n")
	if err := mgr.Stop(ctx, info.ID); err != nil {
		return err
	}
	if status := inst.Info().Status; status != "" {
		fmt.Printf("Last status: %s\n", status)
	}
	return nil
}

// printModel stands in for the host application's vessel-data model in
// standalone runs: path reads come up empty and emitted deltas print
// to stdout.
type printModel struct{}

func (printModel) GetPath(context.Context, string) (json.RawMessage, bool) {
	return nil, false
}

func (printModel) Emit(_ context.Context, d pluginruntime.Delta) error {
	fmt.Printf("delta from %s: %s\n", d.Source, d.Raw)
	return nil
}

type memConfig struct {
	mu    sync.Mutex
	saved map[string]json.RawMessage
}

func newMemConfig() *memConfig {
	return &memConfig{saved: make(map[string]json.RawMessage)}
}

func (c *memConfig) Load(id string) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saved[id], nil
}

func (c *memConfig) Save(id string, cfg json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saved[id] = append(json.RawMessage(nil), cfg...)
	return nil
}
