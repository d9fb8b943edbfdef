// Package catalog persists knowledge base and file metadata in SQLite.
//
// The catalog is the authoritative record of which knowledge bases exist
// and which files each one holds. Identity comparisons are
// case-insensitive while stored casing is preserved.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	kberrors "github.com/kbserve/kbserve/internal/errors"
)

// Catalog provides access to the kbserve metadata database.
type Catalog struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

// PathFor returns the catalog database path under a knowledge base
// root directory.
func PathFor(kbRoot string) string {
	return filepath.Join(kbRoot, "info.db")
}

// Open opens (or creates) the catalog database at path.
// An empty path opens an in-memory catalog for testing.
func Open(path string) (*Catalog, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, kberrors.Wrap(kberrors.ErrCodeCatalogFailed,
				fmt.Errorf("failed to create directory %s: %w", dir, err))
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrCodeCatalogFailed,
			fmt.Errorf("failed to open database: %w", err))
	}

	// Single writer to prevent lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL mode must be set via PRAGMA for modernc.org/sqlite
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, kberrors.Wrap(kberrors.ErrCodeCatalogFailed,
				fmt.Errorf("failed to set pragma: %w", err))
		}
	}

	c := &Catalog{db: db, path: path}
	if err := c.initSchema(); err != nil {
		_ = db.Close()
		return nil, kberrors.Wrap(kberrors.ErrCodeCatalogFailed,
			fmt.Errorf("failed to initialize schema: %w", err))
	}

	return c, nil
}

// initSchema creates the catalog tables.
func (c *Catalog) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS knowledge_base (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		kb_name     TEXT NOT NULL,
		kb_info     TEXT NOT NULL DEFAULT '',
		vs_type     TEXT NOT NULL,
		embed_model TEXT NOT NULL,
		file_count  INTEGER NOT NULL DEFAULT 0,
		create_time TIMESTAMP NOT NULL
	);
	-- Identity is case-insensitive; stored casing is preserved.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_kb_name
		ON knowledge_base (LOWER(kb_name));

	CREATE TABLE IF NOT EXISTS file (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		file_name        TEXT NOT NULL,
		file_ext         TEXT NOT NULL,
		kb_name          TEXT NOT NULL,
		document_loader  TEXT NOT NULL,
		text_splitter    TEXT NOT NULL,
		file_version     INTEGER NOT NULL DEFAULT 1,
		file_mtime       REAL NOT NULL DEFAULT 0,
		file_size        INTEGER NOT NULL DEFAULT 0,
		custom_docs      INTEGER NOT NULL DEFAULT 0,
		docs_count       INTEGER NOT NULL DEFAULT 0,
		create_time      TIMESTAMP NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_file_kb_name
		ON file (LOWER(kb_name), LOWER(file_name));

	CREATE TABLE IF NOT EXISTS file_doc (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		kb_name   TEXT NOT NULL,
		file_name TEXT NOT NULL,
		doc_id    TEXT NOT NULL,
		meta_data TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_file_doc_kb_file
		ON file_doc (LOWER(kb_name), LOWER(file_name));

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`

	_, err := c.db.Exec(schema)
	return err
}

// Close closes the catalog database.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}

// AddKB inserts a knowledge base record, or refreshes info, vs_type and
// embed_model when a record with the same (case-insensitive) name exists.
func (c *Catalog) AddKB(ctx context.Context, name, info, vsType, embedModel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var id int64
	err := c.db.QueryRowContext(ctx,
		`SELECT id FROM knowledge_base WHERE LOWER(kb_name) = LOWER(?)`, name).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		_, err = c.db.ExecContext(ctx,
			`INSERT INTO knowledge_base (kb_name, kb_info, vs_type, embed_model, file_count, create_time)
			 VALUES (?, ?, ?, ?, 0, ?)`,
			name, info, vsType, embedModel, time.Now().UTC())
	case err == nil:
		_, err = c.db.ExecContext(ctx,
			`UPDATE knowledge_base SET kb_info = ?, vs_type = ?, embed_model = ? WHERE id = ?`,
			info, vsType, embedModel, id)
	}
	if err != nil {
		return kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
	}
	return nil
}

// KBExists reports whether a knowledge base with the given name exists.
func (c *Catalog) KBExists(ctx context.Context, name string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var count int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM knowledge_base WHERE LOWER(kb_name) = LOWER(?)`, name).Scan(&count)
	if err != nil {
		return false, kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
	}
	return count > 0, nil
}

// LoadKB returns the knowledge base record, or nil when it does not exist.
func (c *Catalog) LoadKB(ctx context.Context, name string) (*KnowledgeBase, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	kb := &KnowledgeBase{}
	err := c.db.QueryRowContext(ctx,
		`SELECT id, kb_name, kb_info, vs_type, embed_model, file_count, create_time
		 FROM knowledge_base WHERE LOWER(kb_name) = LOWER(?)`, name).
		Scan(&kb.ID, &kb.Name, &kb.Info, &kb.VSType, &kb.EmbedModel, &kb.FileCount, &kb.CreateTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
	}
	return kb, nil
}

// ListKBs returns the stored names of all knowledge bases.
func (c *Catalog) ListKBs(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.QueryContext(ctx,
		`SELECT kb_name FROM knowledge_base ORDER BY id`)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// UpdateKBInfo updates the description of an existing knowledge base.
// Returns false when the knowledge base does not exist.
func (c *Catalog) UpdateKBInfo(ctx context.Context, name, info string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.ExecContext(ctx,
		`UPDATE knowledge_base SET kb_info = ? WHERE LOWER(kb_name) = LOWER(?)`, info, name)
	if err != nil {
		return false, kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteKB removes the knowledge base record together with its file and
// chunk mapping rows, in one transaction.
func (c *Catalog) DeleteKB(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM file_doc WHERE LOWER(kb_name) = LOWER(?)`,
		`DELETE FROM file WHERE LOWER(kb_name) = LOWER(?)`,
		`DELETE FROM knowledge_base WHERE LOWER(kb_name) = LOWER(?)`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, name); err != nil {
			return kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
	}
	return nil
}

// AddFile records an ingested file. Re-adding an existing file bumps its
// version and refreshes size, mtime and pipeline choices; new files
// increment the owning knowledge base's file_count in the same
// transaction.
func (c *Catalog) AddFile(ctx context.Context, f *File) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM file WHERE LOWER(kb_name) = LOWER(?) AND LOWER(file_name) = LOWER(?)`,
		f.KBName, f.FileName).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO file (file_name, file_ext, kb_name, document_loader, text_splitter,
			                   file_version, file_mtime, file_size, custom_docs, docs_count, create_time)
			 VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?)`,
			f.FileName, f.Ext, f.KBName, f.LoaderName, f.SplitterName,
			f.MTime, f.Size, f.CustomDocs, f.DocsCount, time.Now().UTC()); err != nil {
			return kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE knowledge_base SET file_count = file_count + 1 WHERE LOWER(kb_name) = LOWER(?)`,
			f.KBName); err != nil {
			return kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
		}
	case err == nil:
		if _, err := tx.ExecContext(ctx,
			`UPDATE file SET file_version = file_version + 1, file_mtime = ?, file_size = ?,
			                 document_loader = ?, text_splitter = ?, custom_docs = ?, docs_count = ?
			 WHERE id = ?`,
			f.MTime, f.Size, f.LoaderName, f.SplitterName, f.CustomDocs, f.DocsCount, id); err != nil {
			return kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
		}
	default:
		return kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
	}
	return nil
}

// FileExists reports whether the file is recorded for the knowledge base.
func (c *Catalog) FileExists(ctx context.Context, kbName, fileName string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var count int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM file WHERE LOWER(kb_name) = LOWER(?) AND LOWER(file_name) = LOWER(?)`,
		kbName, fileName).Scan(&count)
	if err != nil {
		return false, kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
	}
	return count > 0, nil
}

// GetFile returns the file record, or nil when it does not exist.
func (c *Catalog) GetFile(ctx context.Context, kbName, fileName string) (*File, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	f := &File{}
	err := c.db.QueryRowContext(ctx,
		`SELECT id, file_name, file_ext, kb_name, document_loader, text_splitter,
		        file_version, file_mtime, file_size, custom_docs, docs_count, create_time
		 FROM file WHERE LOWER(kb_name) = LOWER(?) AND LOWER(file_name) = LOWER(?)`,
		kbName, fileName).
		Scan(&f.ID, &f.FileName, &f.Ext, &f.KBName, &f.LoaderName, &f.SplitterName,
			&f.Version, &f.MTime, &f.Size, &f.CustomDocs, &f.DocsCount, &f.CreateTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
	}
	return f, nil
}

// ListFiles returns the stored names of all files in the knowledge base.
func (c *Catalog) ListFiles(ctx context.Context, kbName string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.QueryContext(ctx,
		`SELECT file_name FROM file WHERE LOWER(kb_name) = LOWER(?) ORDER BY id`, kbName)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ListFileRecords returns all file records of the knowledge base.
func (c *Catalog) ListFileRecords(ctx context.Context, kbName string) ([]*File, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.QueryContext(ctx,
		`SELECT id, file_name, file_ext, kb_name, document_loader, text_splitter,
		        file_version, file_mtime, file_size, custom_docs, docs_count, create_time
		 FROM file WHERE LOWER(kb_name) = LOWER(?) ORDER BY id`, kbName)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f := &File{}
		if err := rows.Scan(&f.ID, &f.FileName, &f.Ext, &f.KBName, &f.LoaderName, &f.SplitterName,
			&f.Version, &f.MTime, &f.Size, &f.CustomDocs, &f.DocsCount, &f.CreateTime); err != nil {
			return nil, kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// CountFiles returns the number of files recorded for the knowledge base.
func (c *Catalog) CountFiles(ctx context.Context, kbName string) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var count int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM file WHERE LOWER(kb_name) = LOWER(?)`, kbName).Scan(&count)
	if err != nil {
		return 0, kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
	}
	return count, nil
}

// DeleteFile removes the file record, decrements the knowledge base's
// file_count and clears the file's chunk mappings, in one transaction.
func (c *Catalog) DeleteFile(ctx context.Context, kbName, fileName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM file WHERE LOWER(kb_name) = LOWER(?) AND LOWER(file_name) = LOWER(?)`,
		kbName, fileName)
	if err != nil {
		return kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE knowledge_base SET file_count = file_count - 1
			 WHERE LOWER(kb_name) = LOWER(?) AND file_count > 0`, kbName); err != nil {
			return kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM file_doc WHERE LOWER(kb_name) = LOWER(?) AND LOWER(file_name) = LOWER(?)`,
		kbName, fileName); err != nil {
		return kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
	}
	return nil
}

// DeleteAllFiles removes every file record and chunk mapping of the
// knowledge base and resets its file_count.
func (c *Catalog) DeleteAllFiles(ctx context.Context, kbName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM file_doc WHERE LOWER(kb_name) = LOWER(?)`,
		`DELETE FROM file WHERE LOWER(kb_name) = LOWER(?)`,
		`UPDATE knowledge_base SET file_count = 0 WHERE LOWER(kb_name) = LOWER(?)`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, kbName); err != nil {
			return kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
	}
	return nil
}

// AddFileDocs records the chunk ids produced for a file.
func (c *Catalog) AddFileDocs(ctx context.Context, kbName, fileName string, docs []FileDoc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO file_doc (kb_name, file_name, doc_id, meta_data) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
	}
	defer stmt.Close()

	for _, d := range docs {
		meta := d.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		raw, err := json.Marshal(meta)
		if err != nil {
			return kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
		}
		if _, err := stmt.ExecContext(ctx, kbName, fileName, d.DocID, string(raw)); err != nil {
			return kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
	}
	return nil
}

// DeleteFileDocs removes chunk mappings. An empty fileName clears every
// mapping of the knowledge base. Returns the removed mappings so callers
// can delete the matching index entries.
func (c *Catalog) DeleteFileDocs(ctx context.Context, kbName, fileName string) ([]FileDoc, error) {
	docs, err := c.ListFileDocs(ctx, kbName, fileName, nil)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	query := `DELETE FROM file_doc WHERE LOWER(kb_name) = LOWER(?)`
	args := []any{kbName}
	if fileName != "" {
		query += ` AND LOWER(file_name) = LOWER(?)`
		args = append(args, fileName)
	}
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return nil, kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
	}
	return docs, nil
}

// ListFileDocs returns chunk mappings for a knowledge base, optionally
// filtered by file name and by exact metadata values.
func (c *Catalog) ListFileDocs(ctx context.Context, kbName, fileName string, metadata map[string]any) ([]FileDoc, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	query := `SELECT id, kb_name, file_name, doc_id, meta_data FROM file_doc WHERE LOWER(kb_name) = LOWER(?)`
	args := []any{kbName}
	if fileName != "" {
		query += ` AND LOWER(file_name) = LOWER(?)`
		args = append(args, fileName)
	}
	query += ` ORDER BY id`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
	}
	defer rows.Close()

	var docs []FileDoc
	for rows.Next() {
		var d FileDoc
		var raw string
		if err := rows.Scan(&d.ID, &d.KBName, &d.FileName, &d.DocID, &raw); err != nil {
			return nil, kberrors.Wrap(kberrors.ErrCodeCatalogFailed, err)
		}
		if err := json.Unmarshal([]byte(raw), &d.Metadata); err != nil {
			d.Metadata = map[string]any{}
		}
		if !metadataMatches(d.Metadata, metadata) {
			continue
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// metadataMatches reports whether every filter entry equals the stored
// metadata value, compared as strings.
func metadataMatches(stored, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := stored[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
