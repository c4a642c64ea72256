// Command tombstone checks schema descriptions and the databases they
// describe.
//
//	tombstone [-config tombstone.yaml] <command> [flags] [schema files]
//
// Commands:
//
//	validate  build the cascade graph of each schema and report findings
//	watch     validate the schemas again whenever they change
//	check     compare a live database with the schemas
//	indexes   print the partial unique indexes unprotected constraints need
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// errFindings reports that a command completed and found problems.
var errFindings = errors.New("problems found")

type app struct {
	cfg    *Config
	logger *zap.Logger
	out    io.Writer
}

type command func(a *app, ctx context.Context, files []string) error

var commands = map[string]command{
	"validate": (*app).validate,
	"watch":    (*app).watch,
	"check":    (*app).check,
	"indexes":  (*app).indexes,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command line args and returns the exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fset := flag.NewFlagSet("tombstone", flag.ContinueOnError)
	fset.SetOutput(stderr)
	configPath := fset.String("config", defaultConfigPath, "Path of the configuration file")
	fset.Usage = func() {
		fmt.Fprintln(stderr, "usage: tombstone [-config path] <validate|watch|check|indexes> [flags] [schema files]")
		fset.PrintDefaults()
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, Usage())
	}
	if err := fset.Parse(args); err != nil {
		return 2
	}
	if fset.NArg() == 0 {
		fset.Usage()
		return 2
	}
	name := fset.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "tombstone: unknown command %q\n", name)
		fset.Usage()
		return 2
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "tombstone: %v\n", err)
		return 1
	}
	files, err := parseCommand(name, fset.Args()[1:], cfg, stderr)
	if err != nil {
		return 2
	}
	logger, err := newLogger(stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(stderr, "tombstone: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	a := &app{cfg: cfg, logger: logger, out: stdout}
	err = cmd(a, ctx, files)
	switch {
	case errors.Is(err, errFindings):
		return 1
	case err != nil:
		logger.Error("command failed", zap.String("command", name), zap.Error(err))
		return 1
	}
	return 0
}

// parseCommand parses the flags of a command into cfg and returns the
// schema files to work on.
func parseCommand(name string, args []string, cfg *Config, stderr io.Writer) ([]string, error) {
	fset := flag.NewFlagSet(name, flag.ContinueOnError)
	fset.SetOutput(stderr)
	fset.StringVar(&cfg.Strategy, "strategy", cfg.Strategy, "Unique strategy: mangle, sentinel or none")
	fset.BoolVar(&cfg.Strict, "strict", cfg.Strict, "Fail on schema warnings")
	if name == "check" || name == "indexes" {
		fset.StringVar(&cfg.Database.Dialect, "dialect", cfg.Database.Dialect, "Database dialect: postgres, mysql or sqlite")
	}
	if err := fset.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		fmt.Fprintf(stderr, "tombstone %s: %v\n", name, err)
		return nil, err
	}
	files := cfg.Schemas
	if fset.NArg() > 0 {
		files = fset.Args()
	}
	if len(files) == 0 {
		fmt.Fprintf(stderr, "tombstone %s: no schema files\n", name)
		return nil, errors.New("no schema files")
	}
	return files, nil
}
