package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// Entry is one recorded directory entry.
type Entry struct {
	Name    string
	IsDir   bool
	ModTime int64
}

// Diff is the difference between a stored listing and the live one.
type Diff struct {
	Created  []Entry
	Modified []Entry
	Deleted  []Entry
}

// Empty reports whether the diff contains no changes.
func (d Diff) Empty() bool {
	return len(d.Created) == 0 && len(d.Modified) == 0 && len(d.Deleted) == 0
}

// TreeFunc is called by ScanTree once per directory with that directory's
// diff. Returning an error aborts the scan.
type TreeFunc func(dir string, diff Diff) error

// Scanner diffs stored directory snapshots against the live file system.
type Scanner struct {
	db      *sql.DB
	fs      afero.Fs
	ignored map[string]struct{}

	mu sync.Mutex
}

// New creates a Scanner backed by db, creating the pathscanner table if
// needed. Directories whose basename is in ignoredDirs are never recorded
// or descended into. A nil fs means the OS file system.
func New(db *sql.DB, fs afero.Fs, ignoredDirs []string) (*Scanner, error) {
	return NewContext(context.Background(), db, fs, ignoredDirs)
}

// NewContext creates a Scanner with context support.
func NewContext(ctx context.Context, db *sql.DB, fs afero.Fs, ignoredDirs []string) (*Scanner, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}

	schema := `
	CREATE TABLE IF NOT EXISTS pathscanner (
		path TEXT NOT NULL,
		filename TEXT NOT NULL,
		is_dir INTEGER NOT NULL,
		mtime INTEGER NOT NULL,
		PRIMARY KEY (path, filename)
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize pathscanner: %w", err)
	}

	ignored := make(map[string]struct{}, len(ignoredDirs))
	for _, d := range ignoredDirs {
		if d != "" {
			ignored[d] = struct{}{}
		}
	}

	return &Scanner{db: db, fs: fs, ignored: ignored}, nil
}

// IsIgnored reports whether a directory basename is in the ignore list.
func (s *Scanner) IsIgnored(name string) bool {
	_, ok := s.ignored[name]
	return ok
}

// FS returns the file system the scanner lists.
func (s *Scanner) FS() afero.Fs {
	return s.fs
}

// Exists reports whether path exists on the scanner's file system.
func (s *Scanner) Exists(path string) (bool, error) {
	return afero.Exists(s.fs, path)
}

// Scan diffs the stored listing of dir against the live listing and
// persists the live listing. A missing dir yields every stored entry as
// deleted.
func (s *Scanner) Scan(dir string) (Diff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scan(filepath.Clean(dir))
}

// ScanTree scans root and every directory beneath it, calling fn with each
// directory's diff. Deleted directories are expanded into every entry that
// was recorded beneath them.
func (s *Scanner) ScanTree(root string, fn TreeFunc) error {
	root = filepath.Clean(root)

	s.mu.Lock()
	diff, err := s.scan(root)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if !diff.Empty() {
		if err := fn(root, diff); err != nil {
			return err
		}
	}

	for _, e := range diff.Deleted {
		if !e.IsDir {
			continue
		}
		if err := s.cascadeDelete(filepath.Join(root, e.Name), fn); err != nil {
			return err
		}
	}

	subdirs, err := s.subdirs(root)
	if err != nil {
		return err
	}
	for _, sub := range subdirs {
		if err := s.ScanTree(filepath.Join(root, sub), fn); err != nil {
			return err
		}
	}
	return nil
}

// InitialScan seeds the snapshot for root without producing a diff. It is a
// no-op if anything is already recorded for root.
func (s *Scanner) InitialScan(root string) error {
	root = filepath.Clean(root)

	ok, err := s.HasData(root)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return s.ScanTree(root, func(string, Diff) error { return nil })
}

// HasData reports whether anything is recorded for root or beneath it.
func (s *Scanner) HasData(root string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	root = filepath.Clean(root)
	var count int
	query := `SELECT COUNT(*) FROM pathscanner WHERE path = ? OR substr(path, 1, length(?)) = ?`
	prefix := root + string(filepath.Separator)
	if err := s.db.QueryRow(query, root, prefix, prefix).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to look up snapshot for %s: %w", root, err)
	}
	return count > 0, nil
}

// Purge removes everything recorded for prefix and beneath it.
func (s *Scanner) Purge(prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix = filepath.Clean(prefix)
	sub := prefix + string(filepath.Separator)
	query := `DELETE FROM pathscanner WHERE path = ? OR substr(path, 1, length(?)) = ?`
	if _, err := s.db.Exec(query, prefix, sub, sub); err != nil {
		return fmt.Errorf("failed to purge snapshot for %s: %w", prefix, err)
	}
	return nil
}

// Record stats path and stores it in its parent's listing. Live backends
// call it for native create/modify events so that later catch-up scans
// don't report the change a second time.
func (s *Scanner) Record(path string) error {
	path = filepath.Clean(path)
	fi, err := s.fs.Stat(path)
	if os.IsNotExist(err) {
		_, err := s.Forget(path)
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir, name := filepath.Split(path)
	query := `
	INSERT INTO pathscanner (path, filename, is_dir, mtime)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(path, filename) DO UPDATE SET
		is_dir = excluded.is_dir,
		mtime = excluded.mtime
	`
	if _, err := s.db.Exec(query, filepath.Clean(dir), name, fi.IsDir(), fi.ModTime().UnixNano()); err != nil {
		return fmt.Errorf("failed to record %s: %w", path, err)
	}
	return nil
}

// Forget removes path from its parent's listing. If path was a recorded
// directory, everything beneath it is removed as well. It returns the file
// (non-directory) paths that were removed.
func (s *Scanner) Forget(path string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path = filepath.Clean(path)
	dir, name := filepath.Split(path)
	dir = filepath.Clean(dir)

	var isDir bool
	err := s.db.QueryRow(`SELECT is_dir FROM pathscanner WHERE path = ? AND filename = ?`, dir, name).Scan(&isDir)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", path, err)
	}

	if _, err := s.db.Exec(`DELETE FROM pathscanner WHERE path = ? AND filename = ?`, dir, name); err != nil {
		return nil, fmt.Errorf("failed to forget %s: %w", path, err)
	}
	if !isDir {
		return []string{path}, nil
	}

	removed, err := s.recordedBeneath(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for sub, entries := range removed {
		for _, e := range entries {
			if !e.IsDir {
				files = append(files, filepath.Join(sub, e.Name))
			}
		}
	}
	sort.Strings(files)

	if err := s.deleteBeneath(path); err != nil {
		return nil, err
	}
	return files, nil
}

// scan must be called with s.mu held.
func (s *Scanner) scan(dir string) (Diff, error) {
	stored, err := s.load(dir)
	if err != nil {
		return Diff{}, err
	}
	live, err := s.list(dir)
	if err != nil {
		return Diff{}, err
	}

	var diff Diff
	for name, e := range live {
		old, ok := stored[name]
		switch {
		case !ok:
			diff.Created = append(diff.Created, e)
		case old.IsDir != e.IsDir || old.ModTime != e.ModTime:
			diff.Modified = append(diff.Modified, e)
		}
	}
	for name, e := range stored {
		if _, ok := live[name]; !ok {
			diff.Deleted = append(diff.Deleted, e)
		}
	}
	sortEntries(diff.Created)
	sortEntries(diff.Modified)
	sortEntries(diff.Deleted)

	if diff.Empty() {
		return diff, nil
	}
	if err := s.persist(dir, diff); err != nil {
		return Diff{}, err
	}
	return diff, nil
}

func (s *Scanner) persist(dir string, diff Diff) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range diff.Deleted {
		if _, err := tx.Exec(`DELETE FROM pathscanner WHERE path = ? AND filename = ?`, dir, e.Name); err != nil {
			return fmt.Errorf("failed to delete %s: %w", filepath.Join(dir, e.Name), err)
		}
	}

	upsert := `
	INSERT INTO pathscanner (path, filename, is_dir, mtime)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(path, filename) DO UPDATE SET
		is_dir = excluded.is_dir,
		mtime = excluded.mtime
	`
	for _, group := range [][]Entry{diff.Created, diff.Modified} {
		for _, e := range group {
			if _, err := tx.Exec(upsert, dir, e.Name, e.IsDir, e.ModTime); err != nil {
				return fmt.Errorf("failed to store %s: %w", filepath.Join(dir, e.Name), err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot of %s: %w", dir, err)
	}
	return nil
}

func (s *Scanner) load(dir string) (map[string]Entry, error) {
	rows, err := s.db.Query(`SELECT filename, is_dir, mtime FROM pathscanner WHERE path = ?`, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot of %s: %w", dir, err)
	}
	defer rows.Close()

	entries := make(map[string]Entry)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Name, &e.IsDir, &e.ModTime); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		entries[e.Name] = e
	}
	return entries, rows.Err()
}

func (s *Scanner) list(dir string) (map[string]Entry, error) {
	infos, err := afero.ReadDir(s.fs, dir)
	if os.IsNotExist(err) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	entries := make(map[string]Entry, len(infos))
	for _, fi := range infos {
		if fi.IsDir() && s.IsIgnored(fi.Name()) {
			continue
		}
		entries[fi.Name()] = Entry{
			Name:    fi.Name(),
			IsDir:   fi.IsDir(),
			ModTime: fi.ModTime().UnixNano(),
		}
	}
	return entries, nil
}

func (s *Scanner) subdirs(dir string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT filename FROM pathscanner WHERE path = ? AND is_dir = 1 ORDER BY filename`, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list recorded subdirectories of %s: %w", dir, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan subdirectory row: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// cascadeDelete reports everything recorded beneath a deleted directory as
// deleted and drops it from the snapshot.
func (s *Scanner) cascadeDelete(dir string, fn TreeFunc) error {
	s.mu.Lock()
	recorded, err := s.recordedBeneath(dir)
	if err == nil {
		err = s.deleteBeneath(dir)
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	paths := make([]string, 0, len(recorded))
	for p := range recorded {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if err := fn(p, Diff{Deleted: recorded[p]}); err != nil {
			return err
		}
	}
	return nil
}

// recordedBeneath must be called with s.mu held.
func (s *Scanner) recordedBeneath(dir string) (map[string][]Entry, error) {
	prefix := dir + string(filepath.Separator)
	rows, err := s.db.Query(`
	SELECT path, filename, is_dir, mtime FROM pathscanner
	WHERE path = ? OR substr(path, 1, length(?)) = ?
	ORDER BY path, filename`, dir, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot beneath %s: %w", dir, err)
	}
	defer rows.Close()

	recorded := make(map[string][]Entry)
	for rows.Next() {
		var (
			path string
			e    Entry
		)
		if err := rows.Scan(&path, &e.Name, &e.IsDir, &e.ModTime); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		recorded[path] = append(recorded[path], e)
	}
	return recorded, rows.Err()
}

// deleteBeneath must be called with s.mu held.
func (s *Scanner) deleteBeneath(dir string) error {
	prefix := dir + string(filepath.Separator)
	_, err := s.db.Exec(`DELETE FROM pathscanner WHERE path = ? OR substr(path, 1, length(?)) = ?`, dir, prefix, prefix)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot beneath %s: %w", dir, err)
	}
	return nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return strings.Compare(entries[i].Name, entries[j].Name) < 0
	})
}
