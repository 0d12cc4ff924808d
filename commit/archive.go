package commit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var ErrNoRevision = errors.New("no revision")

// Revision is one committed configuration.
type Revision struct {
	ID      string
	Time    time.Time
	Paths   []string
	Config  string
	Comment string
}

// Archive keeps committed revisions in SQLite.
type Archive struct {
	db *sql.DB
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS revisions (
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	id      TEXT NOT NULL UNIQUE,
	created INTEGER NOT NULL,
	paths   TEXT NOT NULL,
	config  TEXT NOT NULL,
	comment TEXT NOT NULL DEFAULT ''
)`

func OpenArchive(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare archive: %w", err)
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Close() error {
	return a.db.Close()
}

// Record stores a revision and fills in its ID and time when unset.
func (a *Archive) Record(ctx context.Context, rev *Revision) error {
	if rev.ID == "" {
		rev.ID = uuid.NewString()
	}
	if rev.Time.IsZero() {
		rev.Time = time.Now()
	}
	paths, err := json.Marshal(rev.Paths)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO revisions (id, created, paths, config, comment) VALUES (?, ?, ?, ?, ?)`,
		rev.ID, rev.Time.UnixNano(), string(paths), rev.Config, rev.Comment)
	if err != nil {
		return fmt.Errorf("failed to record revision: %w", err)
	}
	return nil
}

func scanRevision(row interface{ Scan(...any) error }) (Revision, error) {
	var (
		rev     Revision
		created int64
		paths   string
	)
	if err := row.Scan(&rev.ID, &created, &paths, &rev.Config, &rev.Comment); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rev, ErrNoRevision
		}
		return rev, err
	}
	rev.Time = time.Unix(0, created)
	if err := json.Unmarshal([]byte(paths), &rev.Paths); err != nil {
		return rev, err
	}
	return rev, nil
}

// Latest returns the most recent revision.
func (a *Archive) Latest(ctx context.Context) (Revision, error) {
	row := a.db.QueryRowContext(ctx,
		`SELECT id, created, paths, config, comment FROM revisions ORDER BY seq DESC LIMIT 1`)
	return scanRevision(row)
}

// List returns up to limit revisions, newest first.
func (a *Archive) List(ctx context.Context, limit int) ([]Revision, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, created, paths, config, comment FROM revisions ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Revision
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

// Revised reports whether the latest revision touched section, given as
// a space separated path prefix such as "firewall" or "interfaces ethernet".
func (a *Archive) Revised(ctx context.Context, section string) (bool, error) {
	rev, err := a.Latest(ctx)
	if errors.Is(err, ErrNoRevision) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return Touches(rev.Paths, section), nil
}

// Touches reports whether a changed path list covers section.
func Touches(paths []string, section string) bool {
	for _, p := range paths {
		if p == section || strings.HasPrefix(p, section+" ") || strings.HasPrefix(section, p+" ") {
			return true
		}
	}
	return false
}

// Prune drops all but the newest keep revisions. keep <= 0 keeps everything.
func (a *Archive) Prune(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := a.db.ExecContext(ctx,
		`DELETE FROM revisions WHERE seq NOT IN (SELECT seq FROM revisions ORDER BY seq DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune archive: %w", err)
	}
	return res.RowsAffected()
}
