package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	dbschema "github.com/syssam/tombstone/dialect/sql/schema"
	"github.com/syssam/tombstone/unique"
)

// check compares the database of the configuration with the graph of
// each schema file.
func (a *app) check(ctx context.Context, files []string) error {
	dbc := a.cfg.Database
	if dbc.DSN == "" {
		return errors.New("no database DSN, set TOMBSTONE_DSN")
	}
	db, err := sql.Open(dbc.DriverName(), dbc.DSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	a.logger.Debug("database connected", zap.String("dialect", dbc.Dialect), zap.String("driver", dbc.DriverName()))

	builds, err := a.buildAll(ctx, files)
	if err != nil {
		return err
	}
	var opts []dbschema.CheckOption
	if dbc.Schema != "" {
		opts = append(opts, dbschema.WithSchemaName(dbc.Schema))
	}
	ok := true
	for _, b := range builds {
		if b.err != nil {
			ok = false
			fmt.Fprintf(a.out, "%s: %v\n", b.path, b.err)
			continue
		}
		result, err := dbschema.Check(ctx, db, dbc.Dialect, b.graph, opts...)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%s:\n%s\n", b.path, indent(result.String()))
		ok = ok && !result.HasErrors()
	}
	if !ok {
		return errFindings
	}
	return nil
}

// indexes prints the CREATE statements of the partial unique indexes that
// protect the constraints the unique strategy leaves unprotected.
func (a *app) indexes(ctx context.Context, files []string) error {
	builds, err := a.buildAll(ctx, files)
	if err != nil {
		return err
	}
	name := a.cfg.Database.Dialect
	ok := true
	for _, b := range builds {
		if b.err != nil {
			ok = false
			fmt.Fprintf(a.out, "-- %s: %v\n", b.path, b.err)
			continue
		}
		fmt.Fprintf(a.out, "-- %s\n", b.path)
		for _, e := range b.graph.Entities() {
			if !e.SoftDeletable() {
				continue
			}
			for _, con := range e.Unique.Unsafe() {
				idx, err := e.Unique.PartialIndex(con, name)
				if err != nil {
					fmt.Fprintf(a.out, "-- %s(%s): %s: %v\n", e.Name, strings.Join(con.Fields, ", "), con.Reason, err)
					continue
				}
				fmt.Fprintf(a.out, "%s;\n", unique.IndexDDL(idx, name))
			}
		}
	}
	if !ok {
		return errFindings
	}
	return nil
}
