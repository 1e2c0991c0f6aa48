// Package cache maintains the content-fingerprint index for the on-disk
// object cache. The index decides whether a cached object may be served for
// a package or must be regenerated; fingerprints hash the package's module
// sources, which is strictly stronger than a path+mtime check.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/riven-blade/kcl/pkg/ast"

	// SQLite driver
	_ "modernc.org/sqlite"
)

// IndexFileName is the name of the index database inside the cache directory.
const IndexFileName = "index.db"

const schema = `
CREATE TABLE IF NOT EXISTS objects (
	pkg         TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
`

// Index records, per cached package, the fingerprint of the sources its
// object was generated from. It tolerates concurrent readers and reasonable
// interleaving with one writer; each entry update is a single statement.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (creating if needed) the index at path.
func OpenIndex(ctx context.Context, path string) (*Index, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping cache index: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize cache index: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the index.
func (ix *Index) Close() error {
	if ix.db != nil {
		return ix.db.Close()
	}
	return nil
}

// Lookup returns the recorded fingerprint for pkg, or ok=false when the
// package has never been cached.
func (ix *Index) Lookup(ctx context.Context, pkg ast.PkgPath) (string, bool, error) {
	var fp string
	err := ix.db.QueryRowContext(ctx,
		"SELECT fingerprint FROM objects WHERE pkg = ?", pkg.Name()).Scan(&fp)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache index lookup for %s: %w", pkg.Name(), err)
	}
	return fp, true, nil
}

// Put records the fingerprint for pkg, replacing any prior entry.
func (ix *Index) Put(ctx context.Context, pkg ast.PkgPath, fingerprint string) error {
	_, err := ix.db.ExecContext(ctx,
		`INSERT INTO objects (pkg, fingerprint, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(pkg) DO UPDATE SET fingerprint = excluded.fingerprint, updated_at = excluded.updated_at`,
		pkg.Name(), fingerprint, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("cache index update for %s: %w", pkg.Name(), err)
	}
	return nil
}

// Fingerprint hashes the ordered module sources of one package. Module
// order participates in the hash because it fixes symbol layout in the
// generated object.
func Fingerprint(mods []*ast.Module) string {
	h := sha256.New()
	for _, mod := range mods {
		fmt.Fprintf(h, "%s\x00%d\x00", mod.Filename, len(mod.Source))
		h.Write(mod.Source)
	}
	return hex.EncodeToString(h.Sum(nil))
}
