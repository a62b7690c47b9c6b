package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound indicates a job lookup miss.
var ErrNotFound = errors.New("job not found")

// ErrorIsNoRows validates if the supplied error is because of a record
// missing in the DB.
func ErrorIsNoRows(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, sql.ErrNoRows)
}

// Store persists jobs. Every multi-field update is atomic, and terminal
// states are guarded so a prior terminal row is never overwritten.
type Store interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, id string) (*Job, error)
	UpdateStatus(ctx context.Context, id string, status Status, startedAt, finishedAt *time.Time) error
	UpdateResult(ctx context.Context, id string, result json.RawMessage, finishedAt time.Time) error
	UpdateError(ctx context.Context, id string, status Status, errType, errMsg string, finishedAt time.Time) error
	UpdateRetryMetadata(ctx context.Context, id string, attemptCount int, lastAttemptAt time.Time, reason string) error
}

// Open connects the job store. A non-empty databaseURL selects
// PostgreSQL; otherwise a local SQLite file at storePath is used.
func Open(databaseURL, storePath string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if databaseURL != "" {
		dialector = postgres.Open(databaseURL)
	} else {
		dialector = sqlite.Open(storePath)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening job store: %w", err)
	}

	if databaseURL == "" {
		// SQLite serialises writes on a single connection.
		sqlDB, dbErr := db.DB()
		if dbErr != nil {
			return nil, dbErr
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return db, nil
}

// Migrate creates or updates the jobs table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Job{})
}

type gormStore struct {
	db *gorm.DB
}

// NewStore creates a GORM backed job store.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Create(ctx context.Context, job *Job) error {
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *gormStore) GetByID(ctx context.Context, id string) (*Job, error) {
	job := &Job{}
	err := s.db.WithContext(ctx).Where("id = ?", id).First(job).Error
	if err != nil {
		if ErrorIsNoRows(err) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return job, nil
}

// UpdateStatus writes a status transition. No transition leaves a
// terminal state; started_at is first-write-wins so repeated running
// transitions stay idempotent.
func (s *gormStore) UpdateStatus(ctx context.Context, id string, status Status, startedAt, finishedAt *time.Time) error {
	values := map[string]any{"status": status}
	if startedAt != nil {
		values["started_at"] = gorm.Expr("COALESCE(started_at, ?)", *startedAt)
	}
	if finishedAt != nil {
		values["finished_at"] = *finishedAt
	}

	return s.guardedUpdate(ctx, id, values)
}

// UpdateResult stores the result and marks the job succeeded in one
// transaction. A job already in a terminal state (e.g. cancelled) keeps
// it; the late result is discarded.
func (s *gormStore) UpdateResult(ctx context.Context, id string, result json.RawMessage, finishedAt time.Time) error {
	return s.guardedUpdate(ctx, id, map[string]any{
		"status":      StatusSucceeded,
		"result":      []byte(result),
		"finished_at": finishedAt,
	})
}

// UpdateError writes error fields and the supplied terminal status
// (failed, timeout or cancelled) in one transaction.
func (s *gormStore) UpdateError(ctx context.Context, id string, status Status, errType, errMsg string, finishedAt time.Time) error {
	return s.guardedUpdate(ctx, id, map[string]any{
		"status":        status,
		"error_type":    errType,
		"error_message": errMsg,
		"finished_at":   finishedAt,
	})
}

func (s *gormStore) UpdateRetryMetadata(ctx context.Context, id string, attemptCount int, lastAttemptAt time.Time, reason string) error {
	result := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempt_count":     attemptCount,
			"last_attempt_at":   lastAttemptAt,
			"last_retry_reason": reason,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

// guardedUpdate applies values to the row under a WHERE status NOT IN
// (terminal) guard. Losing the race to a terminal writer is not an
// error; the earlier terminal state stands.
func (s *gormStore) guardedUpdate(ctx context.Context, id string, values map[string]any) error {
	result := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Where("status NOT IN ?", terminalStatusStrings()).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		// Distinguish a missing row from a terminal row.
		var count int64
		if err := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
	}
	return nil
}

func terminalStatusStrings() []string {
	out := make([]string, len(TerminalStatuses))
	for i, s := range TerminalStatuses {
		out[i] = string(s)
	}
	return out
}
