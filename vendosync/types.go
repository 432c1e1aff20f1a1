package vendosync

import (
	"fmt"
	"time"

	"github.com/stockpilot/inventory_backend/config"
)

// Tenant-visible sync states. The redis flag is advisory; SyncJob rows remain
// the durable source of truth.
const (
	TenantSyncStatusIdle      = "IDLE"
	TenantSyncStatusSyncing   = "SYNCING"
	TenantSyncStatusCompleted = "COMPLETED"
	TenantSyncStatusFailed    = "FAILED"
)

const (
	defaultBatchSize      = 50
	defaultDetailWorkers  = 3
	defaultSalesRangeDays = 30
	defaultHistoryDays    = 365
)

type ConnectRequest struct {
	StoreId   string `json:"storeId" binding:"required"`
	StoreName string `json:"storeName"`
	APIKey    string `json:"apiKey" binding:"required"`
}

type ConnectionResponse struct {
	Status    string `json:"status"`
	StoreId   string `json:"storeId"`
	StoreName string `json:"storeName"`
}

type IntegrationStatusResponse struct {
	Connection        ConnectionResponse `json:"connection"`
	LastSyncAt        *string            `json:"lastSyncAt"`
	LastSuccessSyncAt *string            `json:"lastSuccessSyncAt"`
}

type TriggerSyncResponse struct {
	JobId  uint   `json:"jobId"`
	Status string `json:"status"`
}

type SyncStatusResponse struct {
	Status string `json:"status"`
}

type SyncJobResponse struct {
	ID               uint    `json:"id"`
	Status           string  `json:"status"`
	TotalBatches     int     `json:"totalBatches"`
	ProcessedBatches int     `json:"processedBatches"`
	RangeStart       string  `json:"rangeStart"`
	RangeEnd         string  `json:"rangeEnd"`
	StartedAt        *string `json:"startedAt"`
	FinishedAt       *string `json:"finishedAt"`
	Error            string  `json:"error,omitempty"`
}

type SyncJobErrorResponse struct {
	ID         uint   `json:"id"`
	EntityType string `json:"entityType"`
	ExternalId string `json:"externalId"`
	ErrorCode  string `json:"errorCode"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

type SyncJobDetailResponse struct {
	SyncJobResponse
	Errors []SyncJobErrorResponse `json:"errors"`
}

type AlertResponse struct {
	ProductId         int      `json:"productId"`
	Type              string   `json:"type"`
	Risk              string   `json:"risk"`
	VvdReal           float64  `json:"vvdReal"`
	Vvd7              float64  `json:"vvd7"`
	Vvd30             float64  `json:"vvd30"`
	GrowthTrend       float64  `json:"growthTrend"`
	DaysRemaining     float64  `json:"daysRemaining"`
	DaysSinceLastSale int      `json:"daysSinceLastSale"`
	CapitalStuck      string   `json:"capitalStuck"`
	SuggestedPrice    string   `json:"suggestedPrice"`
	RecoverableAmount string   `json:"recoverableAmount"`
	Message           string   `json:"message"`
	Recommendations   []string `json:"recommendations"`
	UpdatedAt         string   `json:"updatedAt"`
}

// StatusFlag is the tenant-visible sync state flag, kept small so tests can
// fake it without redis.
type StatusFlag interface {
	Set(tenantId string, status string)
	Get(tenantId string) (string, bool)
}

type redisStatusFlag struct{}

func NewRedisStatusFlag() StatusFlag { return redisStatusFlag{} }

func statusKey(tenantId string) string {
	return fmt.Sprintf("vendo:sync:status:%s", tenantId)
}

func (redisStatusFlag) Set(tenantId string, status string) {
	_ = config.SetRedisValue(statusKey(tenantId), status, 24*time.Hour)
}

func (redisStatusFlag) Get(tenantId string) (string, bool) {
	val, ok, err := config.GetRedisValue(statusKey(tenantId))
	if err != nil || !ok {
		return "", false
	}
	return val, true
}
