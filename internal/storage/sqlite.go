package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/multierr"
	_ "modernc.org/sqlite"

	logx "tubeq/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	_, cerr := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return multierr.Append(cerr, s.db.Close())
}

func (s *sqliteStore) RecordOutcome(ctx context.Context, o Outcome) error {
	if o.FinishedAt.IsZero() {
		o.FinishedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(job_id, url, outcome, attempts, err, output_path, bytes, finished_at, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		o.JobID, nullStr(o.URL), o.Outcome, o.Attempts, nullStr(o.Error), nullStr(o.OutputPath),
		o.Bytes, o.FinishedAt.UTC().Format(time.RFC3339Nano), o.TookMS,
	)
	return err
}

func (s *sqliteStore) RecentOutcomes(ctx context.Context, limit int) ([]Outcome, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, url, outcome, attempts, err, output_path, bytes, finished_at, took_ms
		 FROM outcomes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var (
			o                 Outcome
			url, errStr, outp sql.NullString
			finished          string
		)
		if err := rows.Scan(&o.JobID, &url, &o.Outcome, &o.Attempts, &errStr, &outp, &o.Bytes, &finished, &o.TookMS); err != nil {
			return nil, err
		}
		o.URL, o.Error, o.OutputPath = url.String, errStr.String, outp.String
		if t, err := time.Parse(time.RFC3339Nano, finished); err == nil {
			o.FinishedAt = t
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
