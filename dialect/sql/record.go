package sql

import (
	"fmt"
	"maps"
	"strings"
)

// Record is a single row keyed by column name.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	return maps.Clone(r)
}

// Values returns the values of the given columns, in order.
func (r Record) Values(columns []string) []any {
	vs := make([]any, len(columns))
	for i, c := range columns {
		vs[i] = r[c]
	}
	return vs
}

// String returns the value of a string column, or "" if the column is
// absent or not a string.
func (r Record) String(column string) string {
	s, _ := r[column].(string)
	return s
}

// ScanRecords reads all rows into records and closes them. Text columns
// returned as []byte by the driver are converted to string.
func ScanRecords(rows ColumnScanner) (_ []Record, rerr error) {
	defer func() {
		if err := rows.Close(); err != nil && rerr == nil {
			rerr = err
		}
	}()
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("dialect/sql: columns: %w", err)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("dialect/sql: column types: %w", err)
	}
	binary := make([]bool, len(columns))
	for i, t := range types {
		if t == nil {
			continue
		}
		name := strings.ToUpper(t.DatabaseTypeName())
		binary[i] = strings.Contains(name, "BLOB") || strings.Contains(name, "BINARY") || name == "BYTEA"
	}
	var records []Record
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("dialect/sql: scan: %w", err)
		}
		r := make(Record, len(columns))
		for i, c := range columns {
			v := values[i]
			if b, ok := v.([]byte); ok && !binary[i] {
				v = string(b)
			}
			r[c] = v
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dialect/sql: rows: %w", err)
	}
	return records, nil
}
