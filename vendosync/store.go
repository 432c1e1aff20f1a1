// Package vendosync orchestrates the Vendo ERP sync pipeline: products are
// pulled first, then categories, stock and sale ids fan out in parallel,
// sale-detail batches fan out behind that, and an atomic batch counter fans
// back in to trigger alert generation exactly once.
package vendosync

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stockpilot/inventory_backend/analysis"
	"github.com/stockpilot/inventory_backend/models"
	"github.com/stockpilot/inventory_backend/vendo"
)

// Adapter is the slice of the Vendo client the orchestrator consumes.
// *vendo.Client satisfies it; tests substitute a scripted fake.
type Adapter interface {
	FetchProducts(ctx context.Context, page int) ([]vendo.Product, bool, error)
	FetchCategories(ctx context.Context, page int) ([]vendo.Category, bool, error)
	FetchStockBalances(ctx context.Context, externalIds []string) ([]vendo.StockBalance, error)
	FetchSalesIDsInRange(ctx context.Context, start, end time.Time, page int) ([]vendo.SaleRef, bool, error)
	FetchSaleDetail(ctx context.Context, saleId string) (*vendo.Sale, error)
}

// Store is the persistence gateway the pipeline runs against. The production
// implementation delegates to the models package; orchestrator tests run on an
// in-memory fake so the fan-in race can be exercised without MySQL.
type Store interface {
	UpsertProduct(ctx context.Context, tenantId string, integrationId uint, input models.NewSyncedProduct) (*models.Product, error)
	UpsertCategory(ctx context.Context, tenantId string, integrationId uint, externalId string, name string) error
	UpdateProductStock(ctx context.Context, integrationId uint, externalId string, stock decimal.Decimal, observedAt time.Time) (bool, error)
	GetProductByExternalId(ctx context.Context, integrationId uint, externalId string) (*models.Product, error)

	UpsertSalesHistory(ctx context.Context, records []models.SalesHistoryRecord) error
	RefreshProductLastSale(ctx context.Context, productId int) error
	GetSalesHistory(ctx context.Context, productId int, since time.Time) ([]models.SalesHistoryRecord, error)

	SetJobRunning(ctx context.Context, jobId uint, totalBatches int) error
	GetJobStatus(ctx context.Context, jobId uint) (string, error)
	IncrementProcessedBatches(ctx context.Context, jobId uint) (processed int, total int, err error)
	MarkJobDone(ctx context.Context, jobId uint) error
	MarkJobFailed(ctx context.Context, jobId uint, cause error) error
	CreateJobError(ctx context.Context, jobId uint, tenantId string, entityType string, externalId string, code string, message string, retryable bool) error

	ListProductsPage(ctx context.Context, tenantId string, afterId int, limit int) ([]models.Product, error)
	GetSettings(ctx context.Context, productId int) (*models.ProductSettings, error)
	ReplaceAlert(ctx context.Context, tenantId string, productId int, jobId uint, eval analysis.Evaluation) (*models.Alert, error)
	MarkCriticalNotified(ctx context.Context, productId int) (bool, error)

	TouchIntegrationSyncTimes(ctx context.Context, integrationId uint, success bool) error
}

type gormStore struct{}

// NewStore returns the MySQL-backed persistence gateway.
func NewStore() Store { return gormStore{} }

func (gormStore) UpsertProduct(ctx context.Context, tenantId string, integrationId uint, input models.NewSyncedProduct) (*models.Product, error) {
	return models.UpsertSyncedProduct(ctx, tenantId, integrationId, input)
}

func (gormStore) UpsertCategory(ctx context.Context, tenantId string, integrationId uint, externalId string, name string) error {
	return models.UpsertCategory(ctx, tenantId, integrationId, externalId, name)
}

func (gormStore) UpdateProductStock(ctx context.Context, integrationId uint, externalId string, stock decimal.Decimal, observedAt time.Time) (bool, error) {
	return models.UpdateProductStock(ctx, integrationId, externalId, stock, observedAt)
}

func (gormStore) GetProductByExternalId(ctx context.Context, integrationId uint, externalId string) (*models.Product, error) {
	return models.GetProductByExternalId(ctx, integrationId, externalId)
}

func (gormStore) UpsertSalesHistory(ctx context.Context, records []models.SalesHistoryRecord) error {
	return models.UpsertSalesHistoryBatch(ctx, records)
}

func (gormStore) RefreshProductLastSale(ctx context.Context, productId int) error {
	return models.RefreshProductLastSale(ctx, productId)
}

func (gormStore) GetSalesHistory(ctx context.Context, productId int, since time.Time) ([]models.SalesHistoryRecord, error) {
	return models.GetSalesHistory(ctx, productId, since)
}

func (gormStore) SetJobRunning(ctx context.Context, jobId uint, totalBatches int) error {
	return models.SetSyncJobRunning(ctx, jobId, totalBatches)
}

func (gormStore) GetJobStatus(ctx context.Context, jobId uint) (string, error) {
	return models.GetSyncJobStatus(ctx, jobId)
}

func (gormStore) IncrementProcessedBatches(ctx context.Context, jobId uint) (int, int, error) {
	return models.IncrementProcessedBatches(ctx, jobId)
}

func (gormStore) MarkJobDone(ctx context.Context, jobId uint) error {
	return models.MarkSyncJobDone(ctx, jobId)
}

func (gormStore) MarkJobFailed(ctx context.Context, jobId uint, cause error) error {
	return models.MarkSyncJobFailed(ctx, jobId, cause)
}

func (gormStore) CreateJobError(ctx context.Context, jobId uint, tenantId string, entityType string, externalId string, code string, message string, retryable bool) error {
	return models.CreateSyncJobError(ctx, jobId, tenantId, entityType, externalId, code, message, retryable)
}

func (gormStore) ListProductsPage(ctx context.Context, tenantId string, afterId int, limit int) ([]models.Product, error) {
	return models.ListProductsPage(ctx, tenantId, afterId, limit)
}

func (gormStore) GetSettings(ctx context.Context, productId int) (*models.ProductSettings, error) {
	return models.GetProductSettings(ctx, productId)
}

func (gormStore) ReplaceAlert(ctx context.Context, tenantId string, productId int, jobId uint, eval analysis.Evaluation) (*models.Alert, error) {
	return models.ReplaceAlert(ctx, tenantId, productId, jobId, eval)
}

func (gormStore) MarkCriticalNotified(ctx context.Context, productId int) (bool, error) {
	return models.MarkCriticalNotified(ctx, productId)
}

func (gormStore) TouchIntegrationSyncTimes(ctx context.Context, integrationId uint, success bool) error {
	return models.TouchIntegrationSyncTimes(ctx, integrationId, success)
}
