// Package database provides a production-grade sqlite connection wrapper,
// adapted from the teacher's multi-database architecture down to the one
// durable store this engine needs: the Results Store (C3).
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

// Profile selects a PRAGMA preset tuned for the access pattern of the data
// it holds.
type Profile string

const (
	// ProfileDurable favors safety for the Results Store's finalized
	// bundles: fsync at checkpoints, foreign keys on.
	ProfileDurable Profile = "durable"
	// ProfileCache favors speed for ephemeral, reconstructible data.
	ProfileCache Profile = "cache"
)

// DB wraps *sql.DB with the PRAGMAs and pool sizing this engine relies on.
type DB struct {
	Conn *sql.DB
	path string
	name string
}

// Config describes how to open a DB.
type Config struct {
	Path    string
	Profile Profile
	Name    string
}

// Open creates (or reopens) a sqlite database at cfg.Path with the PRAGMAs
// appropriate to cfg.Profile, verifying connectivity before returning.
func Open(cfg Config) (*DB, error) {
	if !strings.HasPrefix(cfg.Path, "file:") {
		absPath, err := filepath.Abs(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
		cfg.Path = absPath
	}
	if cfg.Profile == "" {
		cfg.Profile = ProfileDurable
	}

	connStr := buildConnectionString(cfg.Path, cfg.Profile)
	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", cfg.Name, err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db %s: %w", cfg.Name, err)
	}

	return &DB{Conn: conn, path: cfg.Path, name: cfg.Name}, nil
}

func buildConnectionString(path string, profile Profile) string {
	connStr := path + "?_pragma=journal_mode(WAL)"

	switch profile {
	case ProfileCache:
		connStr += "&_pragma=synchronous(OFF)"
		connStr += "&_pragma=temp_store(MEMORY)"
	default: // ProfileDurable
		connStr += "&_pragma=synchronous(NORMAL)"
		connStr += "&_pragma=temp_store(MEMORY)"
	}

	connStr += "&_pragma=foreign_keys(1)"
	connStr += "&_pragma=busy_timeout(5000)"
	connStr += "&_pragma=cache_size(-32000)" // 32MB

	return connStr
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.Conn.Close()
}

// Path returns the resolved database file path.
func (d *DB) Path() string {
	return d.path
}
