package persistence

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MimeLyc/contentpipe/internal/apperr"
	"github.com/MimeLyc/contentpipe/internal/jobs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore is a jobs.Store backed by a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ jobs.Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA foreign_keys = ON;",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		version := migrationVersion(entry.Name())
		if entry.IsDir() || version <= 0 {
			continue
		}
		var applied int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if applied > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer of a migration file name ("001_init.sql" → 1).
func migrationVersion(name string) int {
	end := strings.IndexFunc(name, func(r rune) bool { return r < '0' || r > '9' })
	if end == 0 {
		return 0
	}
	if end < 0 {
		end = len(name)
	}
	n, _ := strconv.Atoi(name[:end])
	return n
}

const jobColumns = `id, brief_id, map_id, owner_id, status, current_pass, working_content, draft_content,
	final_audit_score, audit_report, last_error, version, created_at, updated_at`

func (s *SQLiteStore) CreateJob(ctx context.Context, job *jobs.Job) error {
	if err := jobs.ValidateJob(job); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.BriefID,
		job.MapID,
		job.OwnerID,
		string(job.Status),
		job.CurrentPass,
		job.WorkingContent,
		job.DraftContent,
		nullScore(job.FinalAuditScore),
		job.AuditReport,
		job.LastError,
		job.Version,
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
	)
	if isUniqueViolation(err) {
		return apperr.Wrap(err, apperr.ErrConflict, fmt.Sprintf("brief %s already has an active job", job.BriefID)).
			WithContext("job", job.ID)
	}
	if err != nil {
		return apperr.Persistence(err, "insert job")
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*jobs.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("job %s not found", jobID)
	}
	if err != nil {
		return nil, apperr.Persistence(err, "get job")
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter jobs.JobFilter) ([]*jobs.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.BriefID != "" {
		where = append(where, "brief_id = ?")
		args = append(args, filter.BriefID)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Persistence(err, "list jobs")
	}
	defer rows.Close()

	ret := make([]*jobs.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, apperr.Persistence(err, "scan job")
		}
		ret = append(ret, job)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(err, "list jobs")
	}
	return ret, nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *jobs.Job, expectedVersion int64) error {
	if err := jobs.ValidateJob(job); err != nil {
		return err
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET
			map_id = ?,
			owner_id = ?,
			status = ?,
			current_pass = ?,
			working_content = ?,
			draft_content = ?,
			final_audit_score = ?,
			audit_report = ?,
			last_error = ?,
			version = version + 1,
			updated_at = ?
		 WHERE id = ? AND version = ?`,
		job.MapID,
		job.OwnerID,
		string(job.Status),
		job.CurrentPass,
		job.WorkingContent,
		job.DraftContent,
		nullScore(job.FinalAuditScore),
		job.AuditReport,
		job.LastError,
		job.UpdatedAt.UTC(),
		job.ID,
		expectedVersion,
	)
	if err != nil {
		return apperr.Persistence(err, "update job")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Persistence(err, "update job")
	}
	if n == 0 {
		var actual int64
		err := s.db.QueryRowContext(ctx, `SELECT version FROM jobs WHERE id = ?`, job.ID).Scan(&actual)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("job %s not found", job.ID)
		}
		if err != nil {
			return apperr.Persistence(err, "read job version")
		}
		return jobs.VersionConflict(job.ID, expectedVersion, actual)
	}
	job.Version = expectedVersion + 1
	return nil
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Persistence(err, "begin delete")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM job_sections WHERE job_id = ?`, jobID); err != nil {
		return apperr.Persistence(err, "delete sections")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID)
	if err != nil {
		return apperr.Persistence(err, "delete job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("job %s not found", jobID)
	}
	if err := tx.Commit(); err != nil {
		return apperr.Persistence(err, "commit delete")
	}
	return nil
}

func (s *SQLiteStore) UpsertSection(ctx context.Context, section *jobs.Section) error {
	if err := jobs.ValidateSection(section); err != nil {
		return err
	}
	updatedAt := section.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	createdAt := section.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = updatedAt
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO job_sections (
			id, job_id, section_key, section_order, heading, content, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, section_key) DO UPDATE SET
			section_order=excluded.section_order,
			heading=excluded.heading,
			content=excluded.content,
			updated_at=excluded.updated_at`,
		section.ID,
		section.JobID,
		section.SectionKey,
		section.SectionOrder,
		section.Heading,
		section.Content,
		createdAt,
		updatedAt,
	)
	if isForeignKeyViolation(err) {
		return apperr.NotFound("job %s not found", section.JobID)
	}
	if err != nil {
		return apperr.Persistence(err, "upsert section")
	}

	var (
		id      string
		created time.Time
	)
	err = s.db.QueryRowContext(
		ctx,
		`SELECT id, created_at FROM job_sections WHERE job_id = ? AND section_key = ?`,
		section.JobID,
		section.SectionKey,
	).Scan(&id, &created)
	if err != nil {
		return apperr.Persistence(err, "read section")
	}
	section.ID = id
	section.CreatedAt = created
	section.UpdatedAt = updatedAt
	return nil
}

func (s *SQLiteStore) ListSections(ctx context.Context, jobID string) ([]*jobs.Section, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, job_id, section_key, section_order, heading, content, created_at, updated_at
		 FROM job_sections
		 WHERE job_id = ?
		 ORDER BY section_order ASC, section_key ASC`,
		jobID,
	)
	if err != nil {
		return nil, apperr.Persistence(err, "list sections")
	}
	defer rows.Close()

	ret := make([]*jobs.Section, 0)
	for rows.Next() {
		var item jobs.Section
		if err := rows.Scan(
			&item.ID,
			&item.JobID,
			&item.SectionKey,
			&item.SectionOrder,
			&item.Heading,
			&item.Content,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, apperr.Persistence(err, "scan section")
		}
		ret = append(ret, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence(err, "list sections")
	}
	return ret, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*jobs.Job, error) {
	var (
		item   jobs.Job
		status string
		score  sql.NullInt64
	)
	if err := row.Scan(
		&item.ID,
		&item.BriefID,
		&item.MapID,
		&item.OwnerID,
		&status,
		&item.CurrentPass,
		&item.WorkingContent,
		&item.DraftContent,
		&score,
		&item.AuditReport,
		&item.LastError,
		&item.Version,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return nil, err
	}
	item.Status = jobs.Status(status)
	if score.Valid {
		item.FinalAuditScore = jobs.Ptr(int(score.Int64))
	}
	return &item, nil
}

func nullScore(score *int) sql.NullInt64 {
	if score == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*score), Valid: true}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
