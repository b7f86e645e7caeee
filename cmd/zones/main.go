package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/wippyai/wasm-zones/engine"
	"github.com/wippyai/wasm-zones/loader"
	"github.com/wippyai/wasm-zones/server"
	"github.com/wippyai/wasm-zones/task"
	"github.com/wippyai/wasm-zones/zone"
)

type options struct {
	root      string
	module    string
	function  string
	args      string
	serve     string
	db        string
	timeout   time.Duration
	workers   int
	broadcast bool
	list      bool
	verbose   bool
}

func main() {
	var opts options
	flag.IntVar(&opts.workers, "workers", 0, "Number of workers (0 = one per CPU)")
	flag.StringVar(&opts.root, "root", "", "Directory modules are loaded from")
	flag.StringVar(&opts.module, "module", engine.StdlibName, "Module to call")
	flag.StringVar(&opts.function, "func", "", "Function to call")
	flag.StringVar(&opts.args, "args", "[]", "Arguments as a JSON array")
	flag.BoolVar(&opts.broadcast, "broadcast", false, "Call the function on every worker")
	flag.DurationVar(&opts.timeout, "timeout", 0, "Call timeout (0 = none)")
	flag.StringVar(&opts.serve, "serve", "", "Serve the HTTP API on this address")
	flag.StringVar(&opts.db, "db", "", "SQLite database for -serve (default from ZONES_DB_PATH)")
	flag.BoolVar(&opts.list, "list", false, "List the functions of -module and exit")
	interactive := flag.Bool("i", false, "Interactive mode with TUI")
	flag.BoolVar(&opts.verbose, "v", false, "Verbose logging")
	flag.Parse()

	log, err := newLogger(opts.verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	switch {
	case opts.serve != "":
		err = serve(opts, log)
	case *interactive:
		err = runInteractive(opts, log)
	case opts.list:
		err = list(opts)
	case opts.function == "":
		fmt.Fprintln(os.Stderr, "Usage: zones -func name [-module std] [-args '[1,2]'] [-broadcast] [-timeout 1s]")
		fmt.Fprintln(os.Stderr, "       zones -module name -list")
		fmt.Fprintln(os.Stderr, "       zones -i  (interactive mode)")
		fmt.Fprintln(os.Stderr, "       zones -serve :8080")
		os.Exit(1)
	default:
		err = call(opts, log)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func serve(opts options, log *zap.Logger) error {
	cfg, err := server.LoadConfig()
	if err != nil {
		return err
	}
	cfg.ListenAddr = opts.serve
	if opts.root != "" {
		cfg.ModuleRoot = opts.root
	}
	if opts.workers > 0 {
		cfg.Workers = opts.workers
	}
	if opts.db != "" {
		cfg.DBPath = opts.db
	}

	store, err := server.OpenStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, store, log)
	if err := srv.Restore(ctx); err != nil {
		return err
	}
	return srv.Run(ctx)
}

func newZone(opts options, log *zap.Logger) (*zone.Zone, error) {
	return zone.Create(zone.Settings{
		ID:         "cli",
		Workers:    opts.workers,
		ModuleRoot: opts.root,
		Logger:     log,
	})
}

func call(opts options, log *zap.Logger) error {
	args, err := parseArgs(opts.args)
	if err != nil {
		return err
	}
	spec, err := task.NewFunctionSpec(opts.module, opts.function, nil, args...)
	if err != nil {
		return fmt.Errorf("serialize arguments: %w", err)
	}
	spec.Options.Timeout = opts.timeout

	z, err := newZone(opts, log)
	if err != nil {
		return err
	}

	res := invoke(z, spec, opts.broadcast)
	if !res.OK() {
		return fmt.Errorf("%s: %w", res.Code, res.Err)
	}
	v, err := res.Decode(nil)
	if err != nil {
		return fmt.Errorf("decode result: %w", err)
	}

	out := fmt.Sprintf("%v", v)
	if term.IsTerminal(int(os.Stdout.Fd())) {
		out = lipgloss.NewStyle().Foreground(lipgloss.Color("#90EE90")).Render(out)
	}
	fmt.Println(out)
	return nil
}

// invoke runs spec on the zone and waits for its Result.
func invoke(z *zone.Zone, spec task.FunctionSpec, broadcast bool) task.Result {
	ch := make(chan task.Result, 1)
	cb := func(r task.Result) { ch <- r }
	if broadcast {
		z.Broadcast(spec, cb)
	} else {
		z.Execute(spec, cb)
	}
	return <-ch
}

// inspect resolves a module in a standalone engine to read its signatures.
func inspect(opts options) ([]engine.Signature, error) {
	ctx := context.Background()
	eng, err := engine.New(ctx, engine.Config{Workers: 1})
	if err != nil {
		return nil, err
	}
	defer eng.Close(ctx)

	if err := eng.Eval(ctx, engine.Stdlib(), engine.StdlibName); err != nil {
		return nil, err
	}
	mod, err := loader.New(opts.root, loader.Builtins(), eng, nil).Require(ctx, opts.module)
	if err != nil {
		return nil, err
	}
	return mod.Functions(), nil
}

func list(opts options) error {
	sigs, err := inspect(opts)
	if err != nil {
		return err
	}
	fmt.Printf("Module: %s\n\nFunctions:\n", opts.module)
	for _, sig := range sigs {
		fmt.Printf("  %s\n", sig)
	}
	return nil
}

// parseArgs decodes a JSON array. Integral numbers become int64.
func parseArgs(s string) ([]any, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse -args: %w", err)
	}
	for i, v := range raw {
		raw[i] = number(v)
	}
	return raw, nil
}

func number(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case []any:
		for i, e := range val {
			val[i] = number(e)
		}
		return val
	case map[string]any:
		for k, e := range val {
			val[k] = number(e)
		}
		return val
	default:
		return v
	}
}
