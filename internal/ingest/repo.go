package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/suPer8Hu/ragchat/internal/common"
	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&j).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("ingest job %s: %w", id, common.ErrNotFound)
		}
		return nil, err
	}
	return &j, nil
}

// MarkRunning moves a queued job to running. It reports false when the job
// was not queued, e.g. a redelivered message for a job already taken.
func (r *Repo) MarkRunning(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkQueued hands a running job back to the queue after an interrupted run.
func (r *Repo) MarkQueued(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobRunning).
		Update("status", JobQueued).Error
}

func (r *Repo) MarkSucceeded(ctx context.Context, id string, documents, chunks int, buildID string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":    JobSucceeded,
			"documents": documents,
			"chunks":    chunks,
			"build_id":  buildID,
			"error":     nil,
		}).Error
}

func (r *Repo) MarkFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": JobFailed,
			"error":  errMsg,
		}).Error
}

func (r *Repo) getJobByUserAndIdempotencyKey(ctx context.Context, userID uint64, key string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobOrGetExisting creates job, unless (user_id, idempotency_key)
// already exists, in which case the existing job is returned with created
// false.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.getJobByUserAndIdempotencyKey(ctx, job.UserID, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}
