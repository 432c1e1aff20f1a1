package vendosync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stockpilot/inventory_backend/analysis"
	"github.com/stockpilot/inventory_backend/config"
	"github.com/stockpilot/inventory_backend/models"
	"github.com/stockpilot/inventory_backend/notify"
	"github.com/stockpilot/inventory_backend/vendo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory Store with the same counter and carry-over
// semantics as the MySQL implementation, so fan-in races and notification
// idempotency can be exercised without a database.
type fakeStore struct {
	mu sync.Mutex

	nextId     int
	byExternal map[string]*models.Product
	byId       map[int]*models.Product
	categories map[string]string
	sales      map[string]models.SalesHistoryRecord
	settings   map[int]*models.ProductSettings
	alerts     map[int]*models.Alert
	jobErrors  []models.SyncJobError

	jobStatus    string
	totalBatches int
	processed    int

	replaceAlertCalls int
	alertGenStarts    int
	doneCalls         int
	failCauses        []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byExternal: map[string]*models.Product{},
		byId:       map[int]*models.Product{},
		categories: map[string]string{},
		sales:      map[string]models.SalesHistoryRecord{},
		settings:   map[int]*models.ProductSettings{},
		alerts:     map[int]*models.Alert{},
		jobStatus:  models.SyncJobStatusCreated,
	}
}

func (f *fakeStore) UpsertProduct(_ context.Context, tenantId string, integrationId uint, input models.NewSyncedProduct) (*models.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.byExternal[input.ExternalId]; ok {
		p.Name = input.Name
		p.CostPrice = input.CostPrice
		p.SalePrice = input.SalePrice
		return p, nil
	}
	f.nextId++
	p := &models.Product{
		ID:            f.nextId,
		TenantId:      tenantId,
		IntegrationId: integrationId,
		ExternalId:    input.ExternalId,
		Sku:           input.Sku,
		Name:          input.Name,
		CostPrice:     input.CostPrice,
		SalePrice:     input.SalePrice,
	}
	f.byExternal[input.ExternalId] = p
	f.byId[p.ID] = p
	return p, nil
}

func (f *fakeStore) UpsertCategory(_ context.Context, _ string, _ uint, externalId string, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.categories[externalId] = name
	return nil
}

func (f *fakeStore) UpdateProductStock(_ context.Context, _ uint, externalId string, stock decimal.Decimal, observedAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byExternal[externalId]
	if !ok {
		return false, nil
	}
	p.CurrentStock = stock
	at := observedAt
	p.StockUpdatedAt = &at
	if stock.LessThanOrEqual(decimal.Zero) {
		if p.StockOutAt == nil {
			p.StockOutAt = &at
		}
	} else {
		p.StockOutAt = nil
	}
	return true, nil
}

func (f *fakeStore) GetProductByExternalId(_ context.Context, _ uint, externalId string) (*models.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byExternal[externalId], nil
}

func (f *fakeStore) UpsertSalesHistory(_ context.Context, records []models.SalesHistoryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range records {
		key := fmt.Sprintf("%s|%d|%s", rec.ExternalSaleId, rec.ProductId, rec.SaleDate.Format("2006-01-02"))
		f.sales[key] = rec
	}
	return nil
}

func (f *fakeStore) RefreshProductLastSale(_ context.Context, productId int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.byId[productId]
	if !ok {
		return nil
	}
	for _, rec := range f.sales {
		if rec.ProductId != productId {
			continue
		}
		if p.LastSaleAt == nil || rec.SaleDate.After(*p.LastSaleAt) {
			d := rec.SaleDate
			p.LastSaleAt = &d
		}
	}
	return nil
}

func (f *fakeStore) GetSalesHistory(_ context.Context, productId int, since time.Time) ([]models.SalesHistoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.SalesHistoryRecord
	for _, rec := range f.sales {
		if rec.ProductId == productId && !rec.SaleDate.Before(since) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SaleDate.Before(out[j].SaleDate) })
	return out, nil
}

func (f *fakeStore) SetJobRunning(_ context.Context, _ uint, totalBatches int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobStatus = models.SyncJobStatusRunning
	f.totalBatches = totalBatches
	return nil
}

func (f *fakeStore) GetJobStatus(_ context.Context, _ uint) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobStatus, nil
}

func (f *fakeStore) IncrementProcessedBatches(_ context.Context, _ uint) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed++
	if f.processed > f.totalBatches {
		return f.processed, f.totalBatches, models.ErrCounterOverflow
	}
	return f.processed, f.totalBatches, nil
}

func (f *fakeStore) MarkJobDone(_ context.Context, _ uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doneCalls++
	if f.jobStatus != models.SyncJobStatusFailed {
		f.jobStatus = models.SyncJobStatusDone
	}
	return nil
}

func (f *fakeStore) MarkJobFailed(_ context.Context, _ uint, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobStatus = models.SyncJobStatusFailed
	if cause != nil {
		f.failCauses = append(f.failCauses, cause.Error())
	}
	return nil
}

func (f *fakeStore) CreateJobError(_ context.Context, jobId uint, tenantId string, entityType string, externalId string, code string, message string, retryable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobErrors = append(f.jobErrors, models.SyncJobError{
		SyncJobId:  jobId,
		TenantId:   tenantId,
		EntityType: entityType,
		ExternalId: externalId,
		ErrorCode:  code,
		Message:    message,
		Retryable:  retryable,
	})
	return nil
}

func (f *fakeStore) ListProductsPage(_ context.Context, _ string, afterId int, limit int) ([]models.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if afterId == 0 {
		f.alertGenStarts++
	}
	ids := make([]int, 0, len(f.byId))
	for id := range f.byId {
		if id > afterId {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]models.Product, 0, len(ids))
	for _, id := range ids {
		out = append(out, *f.byId[id])
	}
	return out, nil
}

func (f *fakeStore) GetSettings(_ context.Context, productId int) (*models.ProductSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings[productId], nil
}

func (f *fakeStore) ReplaceAlert(_ context.Context, tenantId string, productId int, jobId uint, eval analysis.Evaluation) (*models.Alert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaceAlertCalls++
	recsJSON, _ := json.Marshal(eval.Recommendations)
	alert := &models.Alert{
		TenantId:            tenantId,
		ProductId:           productId,
		SyncJobId:           jobId,
		Type:                string(eval.Type),
		Risk:                string(eval.Risk),
		DaysRemaining:       eval.Metrics.DaysRemaining,
		Message:             eval.Message,
		RecommendationsJSON: recsJSON,
	}
	// Same carry-over rule as the MySQL upsert: the stamp survives only
	// while the product stays critical.
	if prev, ok := f.alerts[productId]; ok && eval.Risk == analysis.RiskCritical {
		alert.LastCriticalNotifiedAt = prev.LastCriticalNotifiedAt
	}
	f.alerts[productId] = alert
	cp := *alert
	return &cp, nil
}

func (f *fakeStore) MarkCriticalNotified(_ context.Context, productId int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	alert, ok := f.alerts[productId]
	if !ok || alert.LastCriticalNotifiedAt != nil {
		return false, nil
	}
	now := time.Now()
	alert.LastCriticalNotifiedAt = &now
	return true, nil
}

func (f *fakeStore) TouchIntegrationSyncTimes(_ context.Context, _ uint, _ bool) error {
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	payloads []notify.CriticalAlertPayload
}

func (f *fakeNotifier) PublishCriticalAlert(_ context.Context, payload notify.CriticalAlertPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return nil
}

type fakeStatusFlag struct {
	mu     sync.Mutex
	states map[string]string
}

func newFakeStatusFlag() *fakeStatusFlag {
	return &fakeStatusFlag{states: map[string]string{}}
}

func (f *fakeStatusFlag) Set(tenantId, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[tenantId] = status
}

func (f *fakeStatusFlag) Get(tenantId string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[tenantId]
	return s, ok
}

// fakeAdapter serves a scripted Vendo account from memory. Everything fits in
// one page; the sale-detail fan-out still goes id by id.
type fakeAdapter struct {
	products   []vendo.Product
	categories []vendo.Category
	stock      []vendo.StockBalance
	saleRefs   []vendo.SaleRef
	sales      map[string]*vendo.Sale
	failSaleId string
}

func (f *fakeAdapter) FetchProducts(_ context.Context, _ int) ([]vendo.Product, bool, error) {
	return f.products, false, nil
}

func (f *fakeAdapter) FetchCategories(_ context.Context, _ int) ([]vendo.Category, bool, error) {
	return f.categories, false, nil
}

func (f *fakeAdapter) FetchStockBalances(_ context.Context, externalIds []string) ([]vendo.StockBalance, error) {
	var out []vendo.StockBalance
	for _, bal := range f.stock {
		for _, id := range externalIds {
			if bal.ProductId == id {
				out = append(out, bal)
			}
		}
	}
	return out, nil
}

func (f *fakeAdapter) FetchSalesIDsInRange(_ context.Context, _, _ time.Time, _ int) ([]vendo.SaleRef, bool, error) {
	return f.saleRefs, false, nil
}

func (f *fakeAdapter) FetchSaleDetail(_ context.Context, saleId string) (*vendo.Sale, error) {
	if saleId == f.failSaleId {
		return nil, errors.New("vendo: 503 service unavailable")
	}
	sale, ok := f.sales[saleId]
	if !ok {
		return nil, fmt.Errorf("vendo: sale %s not found", saleId)
	}
	return sale, nil
}

func newTestOrchestrator(store Store, notifier notify.Notifier, status StatusFlag, batchSize int) *Orchestrator {
	return &Orchestrator{
		store:         store,
		notifier:      notifier,
		status:        status,
		logger:        config.GetLogger(),
		batchSize:     batchSize,
		detailWorkers: 3,
		historyDays:   365,
	}
}

func testJob(tenantId string) *models.SyncJob {
	start, end := time.Now().UTC().AddDate(0, 0, -30), time.Now().UTC()
	return &models.SyncJob{
		ID:            1,
		TenantId:      tenantId,
		IntegrationId: 7,
		JobType:       models.SyncJobTypeSales,
		Status:        models.SyncJobStatusCreated,
		RangeStart:    start,
		RangeEnd:      end,
		CorrelationId: "corr-test",
	}
}

// accountWithSales builds an account with one product and n sales of qty
// each, one per day counting back from yesterday.
func accountWithSales(n int, qty string, stockQty string) *fakeAdapter {
	adapter := &fakeAdapter{
		products: []vendo.Product{
			{ID: "P1", Sku: "SKU-1", Name: "Widget", CategoryId: "C1", CostPrice: "10", SalePrice: "25", Active: true},
		},
		categories: []vendo.Category{{ID: "C1", Name: "Widgets"}},
		stock:      []vendo.StockBalance{{ProductId: "P1", Quantity: json.Number(stockQty)}},
		sales:      map[string]*vendo.Sale{},
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("S%03d", i)
		date := time.Now().UTC().AddDate(0, 0, -(i + 1)).Format("2006-01-02")
		adapter.saleRefs = append(adapter.saleRefs, vendo.SaleRef{ID: id, SaleDate: date})
		adapter.sales[id] = &vendo.Sale{
			ID:       id,
			SaleDate: date,
			Status:   "completed",
			Items:    []vendo.SaleItem{{ProductId: "P1", Quantity: json.Number(qty), TotalValue: "25"}},
		}
	}
	return adapter
}

func TestRunFanInTriggersAlertGenerationExactlyOnce(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	status := newFakeStatusFlag()
	// 20 sales at batch size 2 gives 10 concurrent batch goroutines racing
	// on the counter.
	adapter := accountWithSales(20, "1", "50")
	orc := newTestOrchestrator(store, notifier, status, 2)

	orc.Run(context.Background(), testJob("t1"), adapter)

	require.Equal(t, models.SyncJobStatusDone, store.jobStatus)
	assert.Equal(t, 10, store.totalBatches)
	assert.Equal(t, 10, store.processed)
	assert.Equal(t, 1, store.alertGenStarts, "alert generation must run exactly once")
	assert.Equal(t, 1, store.doneCalls)
	st, _ := status.Get("t1")
	assert.Equal(t, TenantSyncStatusCompleted, st)
	assert.Len(t, store.sales, 20)
}

func TestRunNoSalesStillGeneratesAlerts(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	status := newFakeStatusFlag()
	adapter := accountWithSales(0, "1", "50")
	orc := newTestOrchestrator(store, notifier, status, 2)

	orc.Run(context.Background(), testJob("t1"), adapter)

	require.Equal(t, models.SyncJobStatusDone, store.jobStatus)
	assert.Equal(t, 0, store.totalBatches)
	assert.Equal(t, 1, store.alertGenStarts)
	assert.Equal(t, 1, store.replaceAlertCalls)
}

func TestRunBatchFailureFailsJobWithoutAlerts(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	status := newFakeStatusFlag()
	adapter := accountWithSales(20, "1", "50")
	adapter.failSaleId = "S007"
	orc := newTestOrchestrator(store, notifier, status, 2)

	orc.Run(context.Background(), testJob("t1"), adapter)

	require.Equal(t, models.SyncJobStatusFailed, store.jobStatus)
	assert.Equal(t, 0, store.alertGenStarts, "failed jobs must not generate alerts")
	assert.Equal(t, 0, store.doneCalls)
	st, _ := status.Get("t1")
	assert.Equal(t, TenantSyncStatusFailed, st)
	require.NotEmpty(t, store.failCauses)
	assert.Contains(t, store.failCauses[0], "S007")
}

func TestRunUnknownProductRecordedAsDataError(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	status := newFakeStatusFlag()
	adapter := accountWithSales(2, "1", "50")
	// One sale references a product the catalog never returned.
	adapter.sales["S001"].Items = append(adapter.sales["S001"].Items,
		vendo.SaleItem{ProductId: "GHOST", Quantity: "1", TotalValue: "10"})
	orc := newTestOrchestrator(store, notifier, status, 2)

	orc.Run(context.Background(), testJob("t1"), adapter)

	require.Equal(t, models.SyncJobStatusDone, store.jobStatus, "data errors must not sink the job")
	require.Len(t, store.jobErrors, 1)
	assert.Equal(t, errCodeUnknownProduct, store.jobErrors[0].ErrorCode)
	assert.Equal(t, "SALE_ITEM", store.jobErrors[0].EntityType)
	assert.False(t, store.jobErrors[0].Retryable)
}

func TestRunSumsRepeatedLineItemsForSameProduct(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	status := newFakeStatusFlag()
	adapter := accountWithSales(1, "2", "50")
	// Same product twice in one sale: the natural key collides, so the
	// quantities must be summed before the upsert, not last-write-wins.
	adapter.sales["S000"].Items = append(adapter.sales["S000"].Items,
		vendo.SaleItem{ProductId: "P1", Quantity: "3", TotalValue: "75"})
	orc := newTestOrchestrator(store, notifier, status, 10)

	orc.Run(context.Background(), testJob("t1"), adapter)

	require.Equal(t, models.SyncJobStatusDone, store.jobStatus)
	require.Len(t, store.sales, 1)
	total := decimal.Zero
	value := decimal.Zero
	for _, rec := range store.sales {
		total = total.Add(rec.Quantity)
		value = value.Add(rec.TotalValue)
	}
	assert.True(t, total.Equal(decimal.NewFromInt(5)), "persisted history totals %s", total)
	assert.True(t, value.Equal(decimal.NewFromInt(100)), "persisted history value %s", value)
}

func TestRunCancelledSalesAreSkipped(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	status := newFakeStatusFlag()
	adapter := accountWithSales(3, "1", "50")
	adapter.sales["S001"].Status = "cancelled"
	orc := newTestOrchestrator(store, notifier, status, 10)

	orc.Run(context.Background(), testJob("t1"), adapter)

	require.Equal(t, models.SyncJobStatusDone, store.jobStatus)
	assert.Len(t, store.sales, 2)
}

func TestRunCriticalAlertNotifiedOnceWhileCritical(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	status := newFakeStatusFlag()
	// Stock of 1 against 5 units per sale-day: daysRemaining well under the
	// critical threshold.
	adapter := accountWithSales(10, "5", "1")
	orc := newTestOrchestrator(store, notifier, status, 5)

	orc.Run(context.Background(), testJob("t1"), adapter)

	require.Equal(t, models.SyncJobStatusDone, store.jobStatus)
	require.Len(t, notifier.payloads, 1)
	payload := notifier.payloads[0]
	assert.Equal(t, "t1", payload.TenantId)
	assert.Equal(t, "Widget", payload.ProductName)
	assert.Equal(t, "corr-test", payload.CorrelationId)
	assert.LessOrEqual(t, payload.DaysRemaining, 3.0)

	alert := store.alerts[1]
	require.NotNil(t, alert)
	assert.Equal(t, string(analysis.AlertTypeRupture), alert.Type)
	assert.Equal(t, string(analysis.RiskCritical), alert.Risk)

	// A second run over the same data must not re-notify while the claim
	// stamp carries over.
	store.jobStatus = models.SyncJobStatusCreated
	store.processed = 0
	orc.Run(context.Background(), testJob("t1"), adapter)

	require.Equal(t, models.SyncJobStatusDone, store.jobStatus)
	assert.Len(t, notifier.payloads, 1, "critical notification must fire once while the product stays critical")
}

func TestRunCriticalRelapseNotifiesAgain(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	status := newFakeStatusFlag()
	adapter := accountWithSales(10, "5", "1")
	orc := newTestOrchestrator(store, notifier, status, 5)

	orc.Run(context.Background(), testJob("t1"), adapter)
	require.Len(t, notifier.payloads, 1)

	// Restock: the next run replaces the alert with a non-critical one,
	// which ends the cycle and clears the claim stamp.
	adapter.stock[0].Quantity = "500"
	store.jobStatus = models.SyncJobStatusCreated
	store.processed = 0
	orc.Run(context.Background(), testJob("t1"), adapter)

	require.Equal(t, models.SyncJobStatusDone, store.jobStatus)
	require.Len(t, notifier.payloads, 1)
	alert := store.alerts[1]
	require.NotNil(t, alert)
	assert.NotEqual(t, string(analysis.RiskCritical), alert.Risk)
	assert.Nil(t, alert.LastCriticalNotifiedAt)

	// The stock runs out again: a fresh critical cycle notifies again.
	adapter.stock[0].Quantity = "1"
	store.jobStatus = models.SyncJobStatusCreated
	store.processed = 0
	orc.Run(context.Background(), testJob("t1"), adapter)

	require.Equal(t, models.SyncJobStatusDone, store.jobStatus)
	assert.Len(t, notifier.payloads, 2, "a relapsed product must be notified again")
}

func TestRunIsIdempotentAcrossReRuns(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	status := newFakeStatusFlag()
	adapter := accountWithSales(6, "2", "40")
	orc := newTestOrchestrator(store, notifier, status, 2)

	orc.Run(context.Background(), testJob("t1"), adapter)
	firstCount := len(store.sales)

	store.jobStatus = models.SyncJobStatusCreated
	store.processed = 0
	orc.Run(context.Background(), testJob("t1"), adapter)

	assert.Equal(t, firstCount, len(store.sales), "re-syncing the same range must not duplicate history")
	assert.Equal(t, models.SyncJobStatusDone, store.jobStatus)
	assert.Equal(t, 2, store.doneCalls)
}

func TestIncrementOverflowFailsJob(t *testing.T) {
	store := newFakeStore()
	notifier := &fakeNotifier{}
	status := newFakeStatusFlag()
	orc := newTestOrchestrator(store, notifier, status, 2)
	job := testJob("t1")

	// Simulate a replayed batch racing a finished job: total already
	// consumed before the extra batch lands.
	require.NoError(t, store.SetJobRunning(context.Background(), job.ID, 1))
	_, _, err := store.IncrementProcessedBatches(context.Background(), job.ID)
	require.NoError(t, err)

	orc.runBatch(context.Background(), job, accountWithSales(0, "1", "1"), nil)

	assert.Equal(t, models.SyncJobStatusFailed, store.jobStatus)
	require.NotEmpty(t, store.failCauses)
	assert.Contains(t, store.failCauses[0], models.ErrCounterOverflow.Error())
}
