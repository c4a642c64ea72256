package main

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/syssam/tombstone/graph"
	"github.com/syssam/tombstone/schema"
)

// build is the outcome of building the graph of one schema file.
type build struct {
	path   string
	graph  *graph.Graph
	report *graph.Report
	err    error
}

// buildAll builds the schema files concurrently, at most cfg.Workers at a
// time. Failures of single files are recorded in their build.
func (a *app) buildAll(ctx context.Context, paths []string) ([]build, error) {
	builds := make([]build, len(paths))
	errg, ctx := errgroup.WithContext(ctx)
	errg.SetLimit(a.cfg.Workers)
	for i, path := range paths {
		errg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			builds[i] = a.buildFile(path)
			return nil
		})
	}
	if err := errg.Wait(); err != nil {
		return nil, err
	}
	return builds, nil
}

func (a *app) buildFile(path string) build {
	b := build{path: path}
	s, err := schema.Load(path)
	if err != nil {
		b.err = err
		return b
	}
	b.graph, b.report, b.err = graph.Build(s, a.cfg.GraphOptions()...)
	if b.err == nil {
		a.logger.Debug("schema built", zap.String("path", path), zap.Int("entities", len(b.graph.Entities())))
	}
	return b
}

func (a *app) validate(ctx context.Context, files []string) error {
	builds, err := a.buildAll(ctx, files)
	if err != nil {
		return err
	}
	if !a.print(builds) {
		return errFindings
	}
	return nil
}

// print writes the outcome of builds and reports if all succeeded.
func (a *app) print(builds []build) bool {
	ok := true
	for _, b := range builds {
		if b.err != nil {
			ok = false
			fmt.Fprintf(a.out, "%s: %v\n", b.path, b.err)
		} else {
			fmt.Fprintf(a.out, "%s: ok, %d entities\n", b.path, len(b.graph.Entities()))
		}
		if b.report != nil && len(b.report.Findings) > 0 {
			fmt.Fprintln(a.out, indent(b.report.String()))
		}
	}
	return ok
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n  ")
}
