package vendosync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stockpilot/inventory_backend/config"
	"github.com/stockpilot/inventory_backend/models"
	"github.com/stockpilot/inventory_backend/notify"
	"github.com/stockpilot/inventory_backend/utils"
	"github.com/stockpilot/inventory_backend/vendo"
)

const moduleName = "vendosync"

const errCodeUnknownProduct = "UNKNOWN_PRODUCT"

// Orchestrator drives one sync job end to end. It owns no transport and no
// SQL: the Adapter and Store interfaces carry both, so the whole stage graph
// runs under test with fakes.
type Orchestrator struct {
	store    Store
	notifier notify.Notifier
	status   StatusFlag
	logger   *logrus.Logger

	batchSize     int
	detailWorkers int
	historyDays   int
}

func NewOrchestrator(store Store, notifier notify.Notifier, status StatusFlag) *Orchestrator {
	return &Orchestrator{
		store:         store,
		notifier:      notifier,
		status:        status,
		logger:        config.GetLogger(),
		batchSize:     defaultBatchSize,
		detailWorkers: defaultDetailWorkers,
		historyDays:   defaultHistoryDays,
	}
}

// Run executes the pipeline for an already-created job and blocks until every
// stage has finished or the job has failed. Callers run it on its own
// goroutine with a context detached from the HTTP request.
func (o *Orchestrator) Run(ctx context.Context, job *models.SyncJob, adapter Adapter) {
	defer func() {
		if r := recover(); r != nil {
			o.fail(ctx, job, fmt.Errorf("panic in sync pipeline: %v", r))
		}
	}()

	o.status.Set(job.TenantId, TenantSyncStatusSyncing)

	externalIds, err := o.syncProducts(ctx, job, adapter)
	if err != nil {
		o.fail(ctx, job, err)
		return
	}

	saleRefs, err := o.runParallelStage(ctx, job, adapter, externalIds)
	if err != nil {
		o.fail(ctx, job, err)
		return
	}

	saleIds := make([]string, 0, len(saleRefs))
	for _, ref := range saleRefs {
		saleIds = append(saleIds, ref.ID)
	}
	batches := utils.ChunkSlice(utils.UniqueSlice(saleIds), o.batchSize)

	if err := o.store.SetJobRunning(ctx, job.ID, len(batches)); err != nil {
		o.fail(ctx, job, err)
		return
	}

	if len(batches) == 0 {
		// No sales in range: nothing to fan out, go straight to alerts.
		o.finish(ctx, job)
		return
	}

	var wg sync.WaitGroup
	for _, batch := range batches {
		wg.Add(1)
		go func(ids []string) {
			defer wg.Done()
			o.runBatch(ctx, job, adapter, ids)
		}(batch)
	}
	wg.Wait()
}

// syncProducts pulls the full product catalog, page by page, and upserts each
// product. Returns the external ids seen, which seed the stock stage.
func (o *Orchestrator) syncProducts(ctx context.Context, job *models.SyncJob, adapter Adapter) ([]string, error) {
	var externalIds []string
	for page := 1; ; page++ {
		products, hasMore, err := adapter.FetchProducts(ctx, page)
		if err != nil {
			return nil, fmt.Errorf("fetch products page %d: %w", page, err)
		}
		for _, wp := range products {
			input := models.NewSyncedProduct{
				ExternalId:         wp.ID,
				ExternalCategoryId: wp.CategoryId,
				Sku:                wp.Sku,
				Name:               wp.Name,
				CostPrice:          utils.DecimalFromNumber(wp.CostPrice),
				SalePrice:          utils.DecimalFromNumber(wp.SalePrice),
			}
			if _, err := o.store.UpsertProduct(ctx, job.TenantId, job.IntegrationId, input); err != nil {
				return nil, fmt.Errorf("upsert product %s: %w", wp.ID, err)
			}
			externalIds = append(externalIds, wp.ID)
		}
		if !hasMore {
			break
		}
	}
	o.logger.WithFields(logrus.Fields{
		"module":   moduleName,
		"jobId":    job.ID,
		"tenantId": job.TenantId,
		"products": len(externalIds),
	}).Info("product stage complete")
	return externalIds, nil
}

// runParallelStage runs categories, stock balances and the sale-id listing
// concurrently. The first error wins; the other goroutines finish their
// current call and are discarded.
func (o *Orchestrator) runParallelStage(ctx context.Context, job *models.SyncJob, adapter Adapter, externalIds []string) ([]vendo.SaleRef, error) {
	var (
		wg       sync.WaitGroup
		saleRefs []vendo.SaleRef
	)
	errCh := make(chan error, 3)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := o.syncCategories(ctx, job, adapter); err != nil {
			errCh <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := o.syncStockBalances(ctx, job, adapter, externalIds); err != nil {
			errCh <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		refs, err := o.listSaleRefs(ctx, job, adapter)
		if err != nil {
			errCh <- err
			return
		}
		saleRefs = refs
	}()

	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		return nil, err
	}
	return saleRefs, nil
}

func (o *Orchestrator) syncCategories(ctx context.Context, job *models.SyncJob, adapter Adapter) error {
	for page := 1; ; page++ {
		categories, hasMore, err := adapter.FetchCategories(ctx, page)
		if err != nil {
			return fmt.Errorf("fetch categories page %d: %w", page, err)
		}
		for _, wc := range categories {
			if err := o.store.UpsertCategory(ctx, job.TenantId, job.IntegrationId, wc.ID, wc.Name); err != nil {
				return fmt.Errorf("upsert category %s: %w", wc.ID, err)
			}
		}
		if !hasMore {
			return nil
		}
	}
}

func (o *Orchestrator) syncStockBalances(ctx context.Context, job *models.SyncJob, adapter Adapter, externalIds []string) error {
	observedAt := time.Now()
	for _, chunk := range utils.ChunkSlice(externalIds, o.batchSize) {
		balances, err := adapter.FetchStockBalances(ctx, chunk)
		if err != nil {
			return fmt.Errorf("fetch stock balances: %w", err)
		}
		for _, bal := range balances {
			found, err := o.store.UpdateProductStock(ctx, job.IntegrationId, bal.ProductId, utils.DecimalFromNumber(bal.Quantity), observedAt)
			if err != nil {
				return fmt.Errorf("update stock %s: %w", bal.ProductId, err)
			}
			if !found {
				// Balance for a product the catalog pull never returned.
				// Data error, not a pipeline error: record and move on.
				o.recordJobError(ctx, job, "STOCK_BALANCE", bal.ProductId, errCodeUnknownProduct,
					"stock balance references unknown product", false)
			}
		}
	}
	return nil
}

func (o *Orchestrator) listSaleRefs(ctx context.Context, job *models.SyncJob, adapter Adapter) ([]vendo.SaleRef, error) {
	var refs []vendo.SaleRef
	for page := 1; ; page++ {
		pageRefs, hasMore, err := adapter.FetchSalesIDsInRange(ctx, job.RangeStart, job.RangeEnd, page)
		if err != nil {
			return nil, fmt.Errorf("fetch sale ids page %d: %w", page, err)
		}
		refs = append(refs, pageRefs...)
		if !hasMore {
			return refs, nil
		}
	}
}

// runBatch fetches the details for one batch of sale ids, persists them and
// bumps the fan-in counter. The goroutine that lands the final increment
// carries the pipeline into alert generation.
func (o *Orchestrator) runBatch(ctx context.Context, job *models.SyncJob, adapter Adapter, saleIds []string) {
	status, err := o.store.GetJobStatus(ctx, job.ID)
	if err != nil {
		o.fail(ctx, job, fmt.Errorf("read job status: %w", err))
		return
	}
	if status == models.SyncJobStatusFailed {
		// A sibling batch already failed the job; abandon without counting.
		return
	}

	sales, err := o.fetchSaleDetails(ctx, adapter, saleIds)
	if err != nil {
		o.fail(ctx, job, err)
		return
	}

	records, err := o.mapSalesToRecords(ctx, job, sales)
	if err != nil {
		o.fail(ctx, job, err)
		return
	}

	if err := o.store.UpsertSalesHistory(ctx, records); err != nil {
		o.fail(ctx, job, fmt.Errorf("persist sales batch: %w", err))
		return
	}

	touched := make(map[int]struct{}, len(records))
	for _, rec := range records {
		touched[rec.ProductId] = struct{}{}
	}
	for productId := range touched {
		if err := o.store.RefreshProductLastSale(ctx, productId); err != nil {
			o.fail(ctx, job, fmt.Errorf("refresh last sale for product %d: %w", productId, err))
			return
		}
	}

	processed, total, err := o.store.IncrementProcessedBatches(ctx, job.ID)
	if err != nil {
		if errors.Is(err, models.ErrCounterOverflow) {
			config.LogError(o.logger, moduleName, "runBatch", "batch counter overflow",
				map[string]any{"jobId": job.ID, "processed": processed, "total": total}, err)
		}
		o.fail(ctx, job, err)
		return
	}
	if processed == total {
		o.finish(ctx, job)
	}
}

// fetchSaleDetails pulls sale details with a small bounded worker pool. The
// outer rate limiter still governs the actual HTTP calls; the pool only keeps
// a failed batch from queueing up dozens of doomed requests.
func (o *Orchestrator) fetchSaleDetails(ctx context.Context, adapter Adapter, saleIds []string) ([]*vendo.Sale, error) {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		firstErr error
		sales    = make([]*vendo.Sale, 0, len(saleIds))
	)
	sem := make(chan struct{}, o.detailWorkers)

	for _, saleId := range saleIds {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			mu.Lock()
			failed := firstErr != nil
			mu.Unlock()
			if failed {
				return
			}

			sale, err := adapter.FetchSaleDetail(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("fetch sale %s: %w", id, err)
				}
				return
			}
			sales = append(sales, sale)
		}(saleId)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return sales, nil
}

// mapSalesToRecords flattens sale line items into history rows. Line items
// pointing at products the catalog never produced are recorded as data errors
// and skipped; they must not sink the batch. Repeated line items for the same
// product within one sale are summed: the history table keys on
// (sale, product, date), so emitting them separately would drop units in the
// upsert.
func (o *Orchestrator) mapSalesToRecords(ctx context.Context, job *models.SyncJob, sales []*vendo.Sale) ([]models.SalesHistoryRecord, error) {
	var records []models.SalesHistoryRecord
	index := map[string]int{}
	for _, sale := range sales {
		if sale == nil || sale.Status == "cancelled" {
			continue
		}
		saleDate := utils.TruncateToDate(utils.ParseTimeOrNow(sale.SaleDate))
		for _, item := range sale.Items {
			product, err := o.store.GetProductByExternalId(ctx, job.IntegrationId, item.ProductId)
			if err != nil {
				return nil, fmt.Errorf("resolve product %s: %w", item.ProductId, err)
			}
			if product == nil {
				o.recordJobError(ctx, job, "SALE_ITEM", sale.ID, errCodeUnknownProduct,
					fmt.Sprintf("sale references unknown product %s", item.ProductId), false)
				continue
			}
			key := fmt.Sprintf("%s|%d|%s", sale.ID, product.ID, saleDate.Format("2006-01-02"))
			if at, ok := index[key]; ok {
				records[at].Quantity = records[at].Quantity.Add(utils.DecimalFromNumber(item.Quantity))
				records[at].TotalValue = records[at].TotalValue.Add(utils.DecimalFromNumber(item.TotalValue))
				continue
			}
			index[key] = len(records)
			records = append(records, models.SalesHistoryRecord{
				TenantId:       job.TenantId,
				ExternalSaleId: sale.ID,
				ProductId:      product.ID,
				SaleDate:       saleDate,
				Quantity:       utils.DecimalFromNumber(item.Quantity),
				TotalValue:     utils.DecimalFromNumber(item.TotalValue),
			})
		}
	}
	return records, nil
}

func (o *Orchestrator) recordJobError(ctx context.Context, job *models.SyncJob, entityType, externalId, code, message string, retryable bool) {
	if err := o.store.CreateJobError(ctx, job.ID, job.TenantId, entityType, externalId, code, message, retryable); err != nil {
		config.LogError(o.logger, moduleName, "recordJobError", "persist sync error",
			map[string]any{"jobId": job.ID, "externalId": externalId}, err)
	}
}

// finish is reached exactly once per successful job: either by the batch that
// lands the final counter increment, or directly when the range had no sales.
func (o *Orchestrator) finish(ctx context.Context, job *models.SyncJob) {
	if err := o.generateAlerts(ctx, job); err != nil {
		o.fail(ctx, job, fmt.Errorf("generate alerts: %w", err))
		return
	}
	if err := o.store.MarkJobDone(ctx, job.ID); err != nil {
		o.fail(ctx, job, err)
		return
	}
	if err := o.store.TouchIntegrationSyncTimes(ctx, job.IntegrationId, true); err != nil {
		config.LogError(o.logger, moduleName, "finish", "touch integration sync times",
			map[string]any{"jobId": job.ID}, err)
	}
	o.status.Set(job.TenantId, TenantSyncStatusCompleted)
	o.logger.WithFields(logrus.Fields{
		"module":   moduleName,
		"jobId":    job.ID,
		"tenantId": job.TenantId,
	}).Info("sync job complete")
}

func (o *Orchestrator) fail(ctx context.Context, job *models.SyncJob, cause error) {
	config.LogError(o.logger, moduleName, "fail", "sync job failed",
		map[string]any{"jobId": job.ID, "tenantId": job.TenantId}, cause)
	if err := o.store.MarkJobFailed(ctx, job.ID, cause); err != nil {
		config.LogError(o.logger, moduleName, "fail", "mark job failed",
			map[string]any{"jobId": job.ID}, err)
	}
	if err := o.store.TouchIntegrationSyncTimes(ctx, job.IntegrationId, false); err != nil {
		config.LogError(o.logger, moduleName, "fail", "touch integration sync times",
			map[string]any{"jobId": job.ID}, err)
	}
	o.status.Set(job.TenantId, TenantSyncStatusFailed)
}
