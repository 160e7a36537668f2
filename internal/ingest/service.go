package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/suPer8Hu/ragchat/internal/common"
	"github.com/suPer8Hu/ragchat/internal/metrics"
	"github.com/suPer8Hu/ragchat/internal/rag"
)

// ErrInterrupted reports a run stopped by its context. The job is queued
// again and the message should be redelivered.
var ErrInterrupted = errors.New("ingest interrupted")

// Publisher hands a queued job to the worker fleet.
type Publisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

// Ingester builds an index from a directory.
type Ingester interface {
	Ingest(ctx context.Context, dir, indexDir string) (rag.IngestStats, error)
}

type Options struct {
	// SourceRoot confines job source directories. Relative directories are
	// resolved against it.
	SourceRoot string
	IndexDir   string
	Metrics    *metrics.Metrics
}

type Service struct {
	repo      *Repo
	publisher Publisher
	ingester  Ingester
	opts      Options
}

// NewService wires the job store. publisher may be nil for processes that
// only run jobs; ingester may be nil for processes that only submit them.
func NewService(repo *Repo, publisher Publisher, ingester Ingester, opts Options) *Service {
	if opts.SourceRoot == "" {
		opts.SourceRoot = "."
	}
	return &Service{repo: repo, publisher: publisher, ingester: ingester, opts: opts}
}

// resolveSource returns dir as a clean path inside SourceRoot.
func (s *Service) resolveSource(dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return "", fmt.Errorf("%w: source_dir is required", common.ErrValidation)
	}
	root, err := filepath.Abs(s.opts.SourceRoot)
	if err != nil {
		return "", err
	}
	p := dir
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: source_dir must be inside %s", common.ErrValidation, s.opts.SourceRoot)
	}
	return p, nil
}

// Submit records a queued job and publishes it. Resubmitting with the same
// idempotency key returns the original job without publishing again.
func (s *Service) Submit(ctx context.Context, userID uint64, sourceDir, idempotencyKey string) (*Job, bool, error) {
	if s.publisher == nil {
		return nil, false, fmt.Errorf("ingest queue is not configured")
	}
	src, err := s.resolveSource(sourceDir)
	if err != nil {
		return nil, false, err
	}
	id, err := common.NewULID()
	if err != nil {
		return nil, false, err
	}

	job := &Job{ID: id, UserID: userID, SourceDir: src, Status: JobQueued}
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		job.IdempotencyKey = &key
	}
	job, created, err := s.repo.CreateJobOrGetExisting(ctx, job)
	if err != nil {
		return nil, false, err
	}
	if !created {
		return job, false, nil
	}

	if err := s.publisher.PublishJob(ctx, job.ID); err != nil {
		msg := "publish failed: " + err.Error()
		if mErr := s.repo.MarkFailed(context.WithoutCancel(ctx), job.ID, msg); mErr != nil {
			log.Printf("[Ingest] mark failed job=%s err=%v", job.ID, mErr)
		}
		return nil, false, fmt.Errorf("publish ingest job: %w", err)
	}
	s.opts.Metrics.IngestJob(string(JobQueued))
	return job, true, nil
}

// Get hides other users' jobs behind common.ErrNotFound.
func (s *Service) Get(ctx context.Context, userID uint64, jobID string) (*Job, error) {
	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, fmt.Errorf("ingest job %s: %w", jobID, common.ErrNotFound)
	}
	return j, nil
}

// Run executes a queued job. A job that is no longer queued is skipped so
// redelivered messages do not rebuild the index twice. A run cut short by ctx
// puts the job back to queued and returns ErrInterrupted.
func (s *Service) Run(ctx context.Context, jobID string) error {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("job %s: %w: %w", jobID, ErrInterrupted, err)
	}

	ok, err := s.repo.MarkRunning(ctx, jobID)
	if err != nil {
		return err
	}
	// the job may already be running; do not strand it on a late cancel
	j, err := s.repo.GetJobByID(context.WithoutCancel(ctx), jobID)
	if err != nil {
		return err
	}
	if !ok {
		log.Printf("[Ingest] skip job=%s status=%s", jobID, j.Status)
		return nil
	}
	s.opts.Metrics.IngestJob(string(JobRunning))

	stats, err := s.ingester.Ingest(ctx, j.SourceDir, s.opts.IndexDir)
	if err != nil && ctx.Err() != nil {
		if qErr := s.repo.MarkQueued(context.WithoutCancel(ctx), jobID); qErr != nil {
			log.Printf("[Ingest] requeue job=%s err=%v", jobID, qErr)
			return qErr
		}
		log.Printf("[Ingest] job=%s interrupted cost=%s err=%v", jobID, time.Since(start), err)
		return fmt.Errorf("job %s: %w: %w", jobID, ErrInterrupted, ctx.Err())
	}
	if err != nil {
		if mErr := s.repo.MarkFailed(context.WithoutCancel(ctx), jobID, err.Error()); mErr != nil {
			log.Printf("[Ingest] mark failed job=%s err=%v", jobID, mErr)
		}
		s.opts.Metrics.IngestJob(string(JobFailed))
		log.Printf("[Ingest] job=%s failed cost=%s err=%v", jobID, time.Since(start), err)
		return err
	}

	if err := s.repo.MarkSucceeded(ctx, jobID, stats.Documents, stats.Chunks, stats.BuildID); err != nil {
		return err
	}
	s.opts.Metrics.IngestJob(string(JobSucceeded))
	log.Printf("[Ingest] job=%s succeeded docs=%d chunks=%d build_id=%s cost=%s",
		jobID, stats.Documents, stats.Chunks, stats.BuildID, time.Since(start))
	return nil
}
