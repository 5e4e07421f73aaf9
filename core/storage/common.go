// Package storage provides SQL implementations of core.Storage.
//
// Both adapters keep all state in the database, so any number of processes
// may share one database. Missing rows are reported as nil, nil.
package storage

import (
	"database/sql"
	"fmt"
)

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

// affected reports whether a conditional write changed a row
func affected(result sql.Result) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rows > 0, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
