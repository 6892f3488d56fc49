// Package pgstore is a jobs.Store on top of gorm, used with PostgreSQL.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/MimeLyc/contentpipe/internal/apperr"
	"github.com/MimeLyc/contentpipe/internal/jobs"
	"github.com/MimeLyc/contentpipe/pkg/log"
)

// Database configuration defaults
const (
	DefaultHost   = "localhost"
	DefaultPort   = 5432
	DefaultUser   = "postgres"
	DefaultDBName = "contentpipe"
)

// Options configures the PostgreSQL connection.
type Options struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	LogLevel logger.LogLevel
}

// DSN renders opts as a libpq keyword/value connection string.
func (o Options) DSN() string {
	o = setDefaults(o)
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		o.Host, o.User, o.Password, o.DBName, o.Port, o.SSLMode)
}

func setDefaults(o Options) Options {
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.User == "" {
		o.User = DefaultUser
	}
	if o.DBName == "" {
		o.DBName = DefaultDBName
	}
	if o.SSLMode == "" {
		o.SSLMode = "disable"
	}
	if o.LogLevel == 0 {
		o.LogLevel = logger.Warn
	}
	return o
}

// gormWriter routes gorm's logger through pkg/log.
type gormWriter struct{}

func (gormWriter) Printf(format string, args ...interface{}) {
	log.Debug(strings.TrimSpace(format), args...)
}

// Config returns the gorm configuration the store expects.
func Config(level logger.LogLevel) *gorm.Config {
	return &gorm.Config{
		TranslateError: true,
		Logger: logger.New(gormWriter{}, logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
		}),
	}
}

type Store struct {
	db *gorm.DB
}

var _ jobs.Store = (*Store)(nil)

// Open connects to PostgreSQL and migrates the schema.
func Open(opts Options) (*Store, error) {
	opts = setDefaults(opts)
	db, err := gorm.Open(postgres.Open(opts.DSN()), Config(opts.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return New(db)
}

// New wraps an open gorm connection and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&jobRow{}, &sectionRow{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	// at most one non-terminal job per brief
	err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_brief ON jobs (brief_id)
		WHERE status IN ('pending', 'in_progress', 'paused')`).Error
	if err != nil {
		return fmt.Errorf("create active job index: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) CreateJob(ctx context.Context, job *jobs.Job) error {
	if err := jobs.ValidateJob(job); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Create(toJobRow(job)).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperr.Wrap(err, apperr.ErrConflict, fmt.Sprintf("brief %s already has an active job", job.BriefID)).
			WithContext("job", job.ID)
	}
	if err != nil {
		return apperr.Persistence(err, "insert job")
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*jobs.Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).Where(idColumn+" = ?", jobID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("job %s not found", jobID)
	}
	if err != nil {
		return nil, apperr.Persistence(err, "get job")
	}
	return row.toJob(), nil
}

func (s *Store) ListJobs(ctx context.Context, filter jobs.JobFilter) ([]*jobs.Job, error) {
	query := s.db.WithContext(ctx).Model(&jobRow{})
	if filter.BriefID != "" {
		query = query.Where(briefIDColumn+" = ?", filter.BriefID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		query = query.Where(clause.IN{Column: clause.Column{Name: statusColumn}, Values: toAny(statuses)})
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var rows []jobRow
	err := query.
		Order(clause.OrderByColumn{Column: clause.Column{Name: createdAtColumn}, Desc: true}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: idColumn}, Desc: true}).
		Find(&rows).Error
	if err != nil {
		return nil, apperr.Persistence(err, "list jobs")
	}
	ret := make([]*jobs.Job, 0, len(rows))
	for i := range rows {
		ret = append(ret, rows[i].toJob())
	}
	return ret, nil
}

func (s *Store) UpdateJob(ctx context.Context, job *jobs.Job, expectedVersion int64) error {
	if err := jobs.ValidateJob(job); err != nil {
		return err
	}
	row := toJobRow(job)
	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where(idColumn+" = ? AND "+versionColumn+" = ?", job.ID, expectedVersion).
		Updates(map[string]any{
			"map_id":            row.MapID,
			"owner_id":          row.OwnerID,
			"status":            row.Status,
			"current_pass":      row.CurrentPass,
			"working_content":   row.WorkingContent,
			"draft_content":     row.DraftContent,
			"final_audit_score": row.FinalAuditScore,
			"audit_report":      row.AuditReport,
			"last_error":        row.LastError,
			"version":           gorm.Expr(versionColumn + " + 1"),
			"updated_at":        row.UpdatedAt,
		})
	if res.Error != nil {
		return apperr.Persistence(res.Error, "update job")
	}
	if res.RowsAffected == 0 {
		var current jobRow
		err := s.db.WithContext(ctx).Select(versionColumn).Where(idColumn+" = ?", job.ID).First(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("job %s not found", job.ID)
		}
		if err != nil {
			return apperr.Persistence(err, "read job version")
		}
		return jobs.VersionConflict(job.ID, expectedVersion, current.Version)
	}
	job.Version = expectedVersion + 1
	return nil
}

func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(jobIDColumn+" = ?", jobID).Delete(&sectionRow{}).Error; err != nil {
			return apperr.Persistence(err, "delete sections")
		}
		res := tx.Where(idColumn+" = ?", jobID).Delete(&jobRow{})
		if res.Error != nil {
			return apperr.Persistence(res.Error, "delete job")
		}
		if res.RowsAffected == 0 {
			return apperr.NotFound("job %s not found", jobID)
		}
		return nil
	})
}

func (s *Store) UpsertSection(ctx context.Context, section *jobs.Section) error {
	if err := jobs.ValidateSection(section); err != nil {
		return err
	}
	db := s.db.WithContext(ctx)

	var count int64
	if err := db.Model(&jobRow{}).Where(idColumn+" = ?", section.JobID).Count(&count).Error; err != nil {
		return apperr.Persistence(err, "check job")
	}
	if count == 0 {
		return apperr.NotFound("job %s not found", section.JobID)
	}

	row := toSectionRow(section)
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = row.UpdatedAt
	}
	if err := upsertSectionRow(db, row); err != nil {
		return err
	}

	var stored sectionRow
	err := db.Where(jobIDColumn+" = ? AND "+sectionKeyColumn+" = ?", section.JobID, section.SectionKey).First(&stored).Error
	if err != nil {
		return apperr.Persistence(err, "read section")
	}
	section.ID = stored.ID
	section.CreatedAt = stored.CreatedAt
	section.UpdatedAt = stored.UpdatedAt
	return nil
}

// upsertSectionRow inserts or updates row by (job_id, section_key). A job
// deleted since the existence check surfaces as a foreign key violation.
func upsertSectionRow(db *gorm.DB, row *sectionRow) error {
	err := db.Omit("Job").Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: jobIDColumn}, {Name: sectionKeyColumn}},
		DoUpdates: clause.AssignmentColumns([]string{sectionOrderField, "heading", "content", "updated_at"}),
	}).Create(row).Error
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return apperr.Wrap(err, apperr.ErrNotFound, fmt.Sprintf("job %s not found", row.JobID))
	}
	if err != nil {
		return apperr.Persistence(err, "upsert section")
	}
	return nil
}

func (s *Store) ListSections(ctx context.Context, jobID string) ([]*jobs.Section, error) {
	var rows []sectionRow
	err := s.db.WithContext(ctx).
		Where(jobIDColumn+" = ?", jobID).
		Order(sectionOrderField + " ASC").
		Order(sectionKeyColumn + " ASC").
		Find(&rows).Error
	if err != nil {
		return nil, apperr.Persistence(err, "list sections")
	}
	ret := make([]*jobs.Section, 0, len(rows))
	for i := range rows {
		ret = append(ret, rows[i].toSection())
	}
	return ret, nil
}

func toAny(values []string) []any {
	ret := make([]any, len(values))
	for i, v := range values {
		ret[i] = v
	}
	return ret
}
