package core

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"strings"
)

//go:embed sql/*.sql
var schemaFiles embed.FS

// requiredTables are the tables the session security schema owns or reads.
var requiredTables = []string{"users", "sessions", "login_attempts", "lockouts"}

// requiredIndexes are the indexes that enforce unique usernames and at most one
// active session per user.
var requiredIndexes = []string{
	"idx_users_username_lower",
	"idx_sessions_one_active",
	"idx_login_attempts_identifier",
}

// SchemaManager applies and inspects the embedded session security schema.
type SchemaManager struct {
	db       *sql.DB
	dbType   string // "sqlite" or "postgres"
	logLevel slog.Level
}

// NewSchemaManager creates a new schema manager
func NewSchemaManager(db *sql.DB, dbType string) *SchemaManager {
	return &SchemaManager{
		db:       db,
		dbType:   dbType,
		logLevel: slog.LevelDebug,
	}
}

// SetLogLevel sets the level used for schema application messages.
func (sm *SchemaManager) SetLogLevel(level slog.Level) {
	sm.logLevel = level
}

// EnsureCoreSchema creates any missing tables and indexes, then validates them.
// Every statement is idempotent, so it is safe to call on every startup.
func (sm *SchemaManager) EnsureCoreSchema() error {
	if err := sm.ExecuteCoreSchema(); err != nil {
		return err
	}
	return sm.ValidateSchema()
}

// ExecuteCoreSchema runs the embedded schema for the configured dialect.
func (sm *SchemaManager) ExecuteCoreSchema() error {
	if _, err := sm.dialect(); err != nil {
		return err
	}
	schemaFile := "sql/" + sm.dbType + "_core.sql"

	schemaSQL, err := schemaFiles.ReadFile(schemaFile)
	if err != nil {
		return fmt.Errorf("failed to read schema file %s: %w", schemaFile, err)
	}
	if _, err := sm.db.Exec(string(schemaSQL)); err != nil {
		return fmt.Errorf("failed to execute core schema: %w", err)
	}

	slog.Log(context.Background(), sm.logLevel, "Core schema applied", "database_type", sm.dbType)
	return nil
}

// catalog holds the dialect specific catalog queries.
type catalog struct {
	tables      string // every table name
	indexes     string // index names of the table given as the only argument
	indexExists string // name of the index given as the only argument, if any
}

func (sm *SchemaManager) dialect() (catalog, error) {
	switch sm.dbType {
	case "sqlite":
		return catalog{
			tables:      `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`,
			indexes:     `SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = ? AND name NOT LIKE 'sqlite_%' ORDER BY name`,
			indexExists: `SELECT name FROM sqlite_master WHERE type = 'index' AND name = ?`,
		}, nil
	case "postgres":
		return catalog{
			tables:      `SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() ORDER BY table_name`,
			indexes:     `SELECT indexname FROM pg_indexes WHERE schemaname = current_schema() AND tablename = $1 ORDER BY indexname`,
			indexExists: `SELECT indexname FROM pg_indexes WHERE schemaname = current_schema() AND indexname = $1`,
		}, nil
	default:
		return catalog{}, fmt.Errorf("unsupported database type: %s", sm.dbType)
	}
}

func (sm *SchemaManager) listTables() ([]string, error) {
	c, err := sm.dialect()
	if err != nil {
		return nil, err
	}
	return queryNames(sm.db, c.tables)
}

func (sm *SchemaManager) indexExists(name string) (bool, error) {
	c, err := sm.dialect()
	if err != nil {
		return false, err
	}
	var found string
	err = sm.db.QueryRow(c.indexExists, name).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return found == name, nil
}

// ValidateSchema fails if a required table or index is missing.
func (sm *SchemaManager) ValidateSchema() error {
	tables, err := sm.listTables()
	if err != nil {
		return fmt.Errorf("failed to list tables: %w", err)
	}
	present := make(map[string]bool, len(tables))
	for _, name := range tables {
		present[name] = true
	}

	var missing []string
	for _, name := range requiredTables {
		if !present[name] {
			missing = append(missing, "table "+name)
		}
	}
	for _, name := range requiredIndexes {
		exists, err := sm.indexExists(name)
		if err != nil {
			return fmt.Errorf("failed to check index %s: %w", name, err)
		}
		if !exists {
			missing = append(missing, "index "+name)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("schema validation failed: missing %s", strings.Join(missing, ", "))
	}

	slog.Debug("Schema validation passed", "database_type", sm.dbType)
	return nil
}

// GetSchemaInfo describes every table with its row count and indexes.
func (sm *SchemaManager) GetSchemaInfo() (*SchemaInfo, error) {
	c, err := sm.dialect()
	if err != nil {
		return nil, err
	}
	tables, err := sm.listTables()
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}

	info := &SchemaInfo{
		DatabaseType: sm.dbType,
		Tables:       make(map[string]*TableInfo, len(tables)),
	}
	for _, name := range tables {
		table := &TableInfo{Name: name, Exists: true}

		// Names come from the catalog, never from callers
		if err := sm.db.QueryRow(`SELECT COUNT(*) FROM ` + quoteIdent(name)).Scan(&table.Rows); err != nil {
			return nil, fmt.Errorf("failed to count rows of %s: %w", name, err)
		}
		if table.Indexes, err = queryNames(sm.db, c.indexes, name); err != nil {
			return nil, fmt.Errorf("failed to list indexes of %s: %w", name, err)
		}
		info.Tables[name] = table
	}

	return info, nil
}

func queryNames(db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// SchemaInfo contains information about the database schema
type SchemaInfo struct {
	DatabaseType string                `json:"database_type"`
	Tables       map[string]*TableInfo `json:"tables"`
}

// TableInfo contains information about a specific table
type TableInfo struct {
	Name    string   `json:"name"`
	Exists  bool     `json:"exists"`
	Rows    int64    `json:"rows"`
	Indexes []string `json:"indexes,omitempty"`
}
