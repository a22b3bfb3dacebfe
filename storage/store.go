// Package storage implements the content-addressed clip blob store. Blobs
// are flat files keyed by clip id, written exactly once by a streaming
// writer and read-only afterwards; any number of readers open independent
// views. A SQLite index carries the catalog (key, size, created_at) so
// list/exists never stat the blob directory.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	_ "modernc.org/sqlite"
)

// Errors returned by the store.
var (
	ErrNotFound   = errors.New("storage: clip not found")
	ErrBadClipID  = errors.New("storage: invalid clip id")
	ErrDuplicate  = errors.New("storage: clip already exists")
	ErrInProgress = errors.New("storage: write in progress")
)

var safeKeyRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Store is a flat keyed blob store. Safe for concurrent use.
type Store struct {
	dir string
	db  *sql.DB
	log *slog.Logger
}

// Open opens or creates a store rooted at dir. If log is nil,
// slog.Default() is used.
func Open(dir string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(dir, "blobs"), 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure index: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS clips (
			key        TEXT PRIMARY KEY,
			size       INTEGER NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create clips table: %w", err)
	}

	return &Store{
		dir: dir,
		db:  db,
		log: log.With("component", "storage"),
	}, nil
}

// Close closes the index. Open blob handles stay valid.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) blobPath(clipID string) string {
	return filepath.Join(s.dir, "blobs", clipID+".edc")
}

func validKey(clipID string) bool {
	return safeKeyRe.MatchString(clipID)
}

// Writer returns a streaming writer for a new blob. Bytes go to a temp
// file; Close commits the blob into place and indexes it atomically.
// Abort discards everything.
func (s *Store) Writer(clipID string) (*BlobWriter, error) {
	if !validKey(clipID) {
		return nil, fmt.Errorf("%w: %q", ErrBadClipID, clipID)
	}
	exists, err := s.Exists(clipID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicate, clipID)
	}

	tmp, err := os.CreateTemp(s.dir, "write-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp blob: %w", err)
	}
	return &BlobWriter{store: s, clipID: clipID, f: tmp}, nil
}

// Open returns an independent read view of a blob.
func (s *Store) Open(clipID string) (*Blob, error) {
	if !validKey(clipID) {
		return nil, fmt.Errorf("%w: %q", ErrBadClipID, clipID)
	}
	f, err := os.Open(s.blobPath(clipID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, clipID)
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat blob: %w", err)
	}
	return &Blob{f: f, size: st.Size()}, nil
}

// Delete removes a blob and its index row. Deleting a missing clip returns
// ErrNotFound.
func (s *Store) Delete(clipID string) error {
	if !validKey(clipID) {
		return fmt.Errorf("%w: %q", ErrBadClipID, clipID)
	}
	res, err := s.db.Exec(`DELETE FROM clips WHERE key = ?`, clipID)
	if err != nil {
		return fmt.Errorf("delete index row: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, clipID)
	}
	if err := os.Remove(s.blobPath(clipID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	s.log.Info("clip deleted", "clip", clipID)
	return nil
}

// Exists reports whether a clip is indexed.
func (s *Store) Exists(clipID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM clips WHERE key = ?`, clipID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query index: %w", err)
	}
	return true, nil
}

// List returns all clip ids, oldest first.
func (s *Store) List() ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM clips ORDER BY created_at, key`)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// BlobWriter streams a new blob into the store.
type BlobWriter struct {
	store   *Store
	clipID  string
	f       *os.File
	written int64
	done    bool
}

// Write appends bytes to the pending blob.
func (w *BlobWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, ErrInProgress
	}
	n, err := w.f.Write(p)
	w.written += int64(n)
	return n, err
}

// Close commits the blob: fsync, rename into the blob directory, insert
// the index row. After Close the blob is immutable.
func (w *BlobWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true

	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(w.f.Name())
		return fmt.Errorf("sync blob: %w", err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.f.Name())
		return fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(w.f.Name(), w.store.blobPath(w.clipID)); err != nil {
		os.Remove(w.f.Name())
		return fmt.Errorf("commit blob: %w", err)
	}
	if _, err := w.store.db.Exec(`INSERT INTO clips (key, size) VALUES (?, ?)`, w.clipID, w.written); err != nil {
		os.Remove(w.store.blobPath(w.clipID))
		return fmt.Errorf("index blob: %w", err)
	}
	w.store.log.Info("clip committed", "clip", w.clipID, "bytes", w.written)
	return nil
}

// Abort discards the pending blob.
func (w *BlobWriter) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.f.Close()
	os.Remove(w.f.Name())
}

// Blob is one reader's view of a committed blob.
type Blob struct {
	f    *os.File
	size int64
}

// ReadAt implements io.ReaderAt.
func (b *Blob) ReadAt(p []byte, off int64) (int, error) {
	return b.f.ReadAt(p, off)
}

// Size returns the blob length in bytes.
func (b *Blob) Size() int64 { return b.size }

// Close releases this view. Other views are unaffected.
func (b *Blob) Close() error { return b.f.Close() }

var _ io.ReaderAt = (*Blob)(nil)
