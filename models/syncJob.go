package models

import (
	"context"
	"errors"
	"time"

	"github.com/stockpilot/inventory_backend/config"
	"gorm.io/gorm"
)

const (
	SyncJobTypeSales = "SALES"
)

const (
	SyncJobStatusCreated = "CREATED"
	SyncJobStatusRunning = "RUNNING"
	SyncJobStatusDone    = "DONE"
	SyncJobStatusFailed  = "FAILED"
)

var ErrCounterOverflow = errors.New("processed batches exceeded total batches")

// SyncJob is the durable fan-in record for one sales-range sync. N batch
// tasks race on ProcessedBatches; the one whose increment reaches
// TotalBatches triggers alert generation.
type SyncJob struct {
	ID               uint       `gorm:"primary_key" json:"id"`
	TenantId         string     `gorm:"index;not null" json:"tenant_id"`
	IntegrationId    uint       `gorm:"index;not null" json:"integration_id"`
	JobType          string     `gorm:"size:20;not null" json:"job_type"`
	Status           string     `gorm:"size:20;not null" json:"status"`
	TotalBatches     int        `gorm:"not null;default:0" json:"total_batches"`
	ProcessedBatches int        `gorm:"not null;default:0" json:"processed_batches"`
	RangeStart       time.Time  `json:"range_start"`
	RangeEnd         time.Time  `json:"range_end"`
	CorrelationId    string     `gorm:"size:64" json:"correlation_id"`
	Error            string     `gorm:"type:text" json:"error"`
	StartedAt        *time.Time `json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

type SyncJobError struct {
	ID         uint      `gorm:"primary_key" json:"id"`
	SyncJobId  uint      `gorm:"index;not null" json:"sync_job_id"`
	TenantId   string    `gorm:"index;not null" json:"tenant_id"`
	EntityType string    `gorm:"size:50" json:"entity_type"`
	ExternalId string    `gorm:"size:128" json:"external_id"`
	ErrorCode  string    `gorm:"size:64" json:"error_code"`
	Message    string    `gorm:"type:text" json:"message"`
	Retryable  bool      `gorm:"default:false" json:"retryable"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func CreateSyncJob(ctx context.Context, tenantId string, integrationId uint, rangeStart, rangeEnd time.Time, correlationId string) (*SyncJob, error) {
	now := time.Now()
	job := SyncJob{
		TenantId:      tenantId,
		IntegrationId: integrationId,
		JobType:       SyncJobTypeSales,
		Status:        SyncJobStatusCreated,
		RangeStart:    rangeStart,
		RangeEnd:      rangeEnd,
		CorrelationId: correlationId,
		StartedAt:     &now,
	}
	if err := config.GetDB().WithContext(ctx).Create(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func GetSyncJob(ctx context.Context, tenantId string, jobId uint) (*SyncJob, error) {
	var job SyncJob
	err := config.GetDB().WithContext(ctx).
		Where("id = ? AND tenant_id = ?", jobId, tenantId).
		Take(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

func GetSyncJobStatus(ctx context.Context, jobId uint) (string, error) {
	var status string
	err := config.GetDB().WithContext(ctx).
		Model(&SyncJob{}).
		Where("id = ?", jobId).
		Pluck("status", &status).Error
	return status, err
}

func ListSyncJobs(ctx context.Context, tenantId string, limit int) ([]SyncJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var jobs []SyncJob
	err := config.GetDB().WithContext(ctx).
		Where("tenant_id = ?", tenantId).
		Order("id DESC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

func SetSyncJobRunning(ctx context.Context, jobId uint, totalBatches int) error {
	return config.GetDB().WithContext(ctx).
		Model(&SyncJob{}).
		Where("id = ?", jobId).
		Updates(map[string]interface{}{
			"status":        SyncJobStatusRunning,
			"total_batches": totalBatches,
		}).Error
}

func MarkSyncJobDone(ctx context.Context, jobId uint) error {
	now := time.Now()
	return config.GetDB().WithContext(ctx).
		Model(&SyncJob{}).
		Where("id = ? AND status <> ?", jobId, SyncJobStatusFailed).
		Updates(map[string]interface{}{
			"status":      SyncJobStatusDone,
			"finished_at": now,
		}).Error
}

func MarkSyncJobFailed(ctx context.Context, jobId uint, cause error) error {
	now := time.Now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return config.GetDB().WithContext(ctx).
		Model(&SyncJob{}).
		Where("id = ?", jobId).
		Updates(map[string]interface{}{
			"status":      SyncJobStatusFailed,
			"error":       msg,
			"finished_at": now,
		}).Error
}

// IncrementProcessedBatches atomically bumps the fan-in counter and returns
// the new value together with the batch total. The increment and the read
// must observe the same value under concurrency, so the UPDATE funnels the
// new counter through LAST_INSERT_ID().
// NOTE: LAST_INSERT_ID is connection-scoped; the surrounding transaction pins
// both statements to one connection (same caveat as MySQL GET_LOCK).
func IncrementProcessedBatches(ctx context.Context, jobId uint) (processed int, total int, err error) {
	err = config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(
			"UPDATE sync_jobs SET processed_batches = LAST_INSERT_ID(processed_batches + 1) WHERE id = ?",
			jobId,
		).Error; err != nil {
			return err
		}
		if err := tx.Raw("SELECT LAST_INSERT_ID()").Scan(&processed).Error; err != nil {
			return err
		}
		if err := tx.Model(&SyncJob{}).
			Where("id = ?", jobId).
			Pluck("total_batches", &total).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	if processed > total {
		return processed, total, ErrCounterOverflow
	}
	return processed, total, nil
}

func CreateSyncJobError(ctx context.Context, jobId uint, tenantId string, entityType string, externalId string, code string, message string, retryable bool) error {
	rec := SyncJobError{
		SyncJobId:  jobId,
		TenantId:   tenantId,
		EntityType: entityType,
		ExternalId: externalId,
		ErrorCode:  code,
		Message:    message,
		Retryable:  retryable,
	}
	return config.GetDB().WithContext(ctx).Create(&rec).Error
}

func ListSyncJobErrors(ctx context.Context, tenantId string, jobId uint) ([]SyncJobError, error) {
	var errs []SyncJobError
	err := config.GetDB().WithContext(ctx).
		Where("sync_job_id = ? AND tenant_id = ?", jobId, tenantId).
		Order("id").
		Find(&errs).Error
	return errs, err
}
