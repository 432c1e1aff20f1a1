package vendosync

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/gin-gonic/gin"
	"github.com/stockpilot/inventory_backend/config"
	"github.com/stockpilot/inventory_backend/models"
	"github.com/stockpilot/inventory_backend/ratelimit"
	"github.com/stockpilot/inventory_backend/utils"
	"github.com/stockpilot/inventory_backend/vendo"
)

func vendoAdapter(integration *models.Integration, limiter *ratelimit.Limiter) (Adapter, error) {
	client, err := vendo.NewClient(integration.AuthSecretRef, limiter)
	if err != nil {
		return nil, err
	}
	return client, nil
}

const syncLockTTL = 30 * time.Minute

// Service is the HTTP surface of the sync pipeline. Limiters are cached per
// integration so concurrent jobs against the same Vendo account share one
// quota.
type Service struct {
	orchestrator *Orchestrator

	mu       sync.Mutex
	limiters map[uint]*ratelimit.Limiter
}

func NewService(orchestrator *Orchestrator) *Service {
	return &Service{
		orchestrator: orchestrator,
		limiters:     map[uint]*ratelimit.Limiter{},
	}
}

func (s *Service) RegisterRoutes(api gin.IRouter) {
	erp := api.Group("/integrations/erp")
	erp.POST("/connect", s.ConnectHandler)
	erp.POST("/disconnect", s.DisconnectHandler)
	erp.GET("/status", s.IntegrationStatusHandler)

	syncGroup := api.Group("/sync")
	syncGroup.POST("/trigger", s.TriggerSyncHandler)
	syncGroup.GET("/status", s.SyncStatusHandler)
	syncGroup.GET("/jobs", s.ListSyncJobsHandler)
	syncGroup.GET("/jobs/:id", s.SyncJobDetailHandler)

	products := api.Group("/products")
	products.GET("/:id/alert", s.GetAlertHandler)
	products.PUT("/:id/settings", s.UpdateSettingsHandler)
}

func (s *Service) limiterFor(integrationId uint) *ratelimit.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.limiters[integrationId]
	if !ok {
		limiter = ratelimit.NewDefault()
		s.limiters[integrationId] = limiter
	}
	return limiter
}

func resolveTenant(c *gin.Context) (string, bool) {
	tenantId, ok := utils.GetTenantIdFromContext(c.Request.Context())
	if !ok || tenantId == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing tenant"})
		return "", false
	}
	return tenantId, true
}

func (s *Service) ConnectHandler(c *gin.Context) {
	tenantId, ok := resolveTenant(c)
	if !ok {
		return
	}
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	integration, err := models.ConnectIntegration(c.Request.Context(), tenantId, req.StoreId, req.StoreName, req.APIKey)
	if err != nil {
		config.LogError(config.GetLogger(), moduleName, "ConnectHandler", "connect integration", nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to connect integration"})
		return
	}
	c.JSON(http.StatusOK, ConnectionResponse{
		Status:    integration.Status,
		StoreId:   integration.StoreId,
		StoreName: integration.StoreName,
	})
}

func (s *Service) DisconnectHandler(c *gin.Context) {
	tenantId, ok := resolveTenant(c)
	if !ok {
		return
	}
	if err := models.DisconnectIntegration(c.Request.Context(), tenantId); err != nil {
		config.LogError(config.GetLogger(), moduleName, "DisconnectHandler", "disconnect integration", nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to disconnect integration"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.IntegrationStatusDisconnected})
}

func (s *Service) IntegrationStatusHandler(c *gin.Context) {
	tenantId, ok := resolveTenant(c)
	if !ok {
		return
	}
	integration, err := models.GetIntegration(c.Request.Context(), tenantId)
	if err != nil {
		config.LogError(config.GetLogger(), moduleName, "IntegrationStatusHandler", "load integration", nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load integration"})
		return
	}
	if integration == nil {
		c.JSON(http.StatusOK, IntegrationStatusResponse{
			Connection: ConnectionResponse{Status: models.IntegrationStatusDisconnected},
		})
		return
	}
	c.JSON(http.StatusOK, IntegrationStatusResponse{
		Connection: ConnectionResponse{
			Status:    integration.Status,
			StoreId:   integration.StoreId,
			StoreName: integration.StoreName,
		},
		LastSyncAt:        utils.FormatTimePtr(integration.LastSyncAt),
		LastSuccessSyncAt: utils.FormatTimePtr(integration.LastSuccessSyncAt),
	})
}

// TriggerSyncHandler starts a sync job for the tenant. The redis lock makes
// the trigger single-flight per tenant; a second trigger while one is running
// gets 409 instead of a second pipeline.
func (s *Service) TriggerSyncHandler(c *gin.Context) {
	tenantId, ok := resolveTenant(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	integration, err := models.GetIntegration(ctx, tenantId)
	if err != nil {
		config.LogError(config.GetLogger(), moduleName, "TriggerSyncHandler", "load integration", nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load integration"})
		return
	}
	if integration == nil || integration.Status != models.IntegrationStatusConnected {
		c.JSON(http.StatusConflict, gin.H{"error": "no connected integration"})
		return
	}

	lock, err := config.GetRedisLock().Obtain(ctx, "vendo:sync:lock:"+tenantId, syncLockTTL, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			c.JSON(http.StatusConflict, gin.H{"error": "sync already in progress"})
			return
		}
		config.LogError(config.GetLogger(), moduleName, "TriggerSyncHandler", "obtain sync lock", nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to acquire sync lock"})
		return
	}

	rangeStart, rangeEnd := utils.GetLastDaysRange(defaultSalesRangeDays)
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)
	job, err := models.CreateSyncJob(ctx, tenantId, integration.ID, rangeStart, rangeEnd, correlationId)
	if err != nil {
		_ = lock.Release(ctx)
		config.LogError(config.GetLogger(), moduleName, "TriggerSyncHandler", "create sync job", nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create sync job"})
		return
	}

	adapter, err := vendoAdapter(integration, s.limiterFor(integration.ID))
	if err != nil {
		_ = lock.Release(ctx)
		failErr := models.MarkSyncJobFailed(ctx, job.ID, err)
		if failErr != nil {
			config.LogError(config.GetLogger(), moduleName, "TriggerSyncHandler", "mark job failed", nil, failErr)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build erp client"})
		return
	}

	// The pipeline outlives the request: detach cancellation but keep
	// request-scoped values (tenant, correlation id) for logging.
	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				config.LogError(config.GetLogger(), moduleName, "TriggerSyncHandler", "release sync lock",
					map[string]any{"jobId": job.ID}, err)
			}
		}()
		s.orchestrator.Run(runCtx, job, adapter)
	}()

	c.JSON(http.StatusAccepted, TriggerSyncResponse{JobId: job.ID, Status: TenantSyncStatusSyncing})
}

// SyncStatusHandler reads the advisory redis flag and falls back to the most
// recent job row when the flag expired.
func (s *Service) SyncStatusHandler(c *gin.Context) {
	tenantId, ok := resolveTenant(c)
	if !ok {
		return
	}
	if status, found := s.orchestrator.status.Get(tenantId); found {
		c.JSON(http.StatusOK, SyncStatusResponse{Status: status})
		return
	}
	jobs, err := models.ListSyncJobs(c.Request.Context(), tenantId, 1)
	if err != nil {
		config.LogError(config.GetLogger(), moduleName, "SyncStatusHandler", "list sync jobs", nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sync status"})
		return
	}
	status := TenantSyncStatusIdle
	if len(jobs) > 0 {
		switch jobs[0].Status {
		case models.SyncJobStatusCreated, models.SyncJobStatusRunning:
			status = TenantSyncStatusSyncing
		case models.SyncJobStatusDone:
			status = TenantSyncStatusCompleted
		case models.SyncJobStatusFailed:
			status = TenantSyncStatusFailed
		}
	}
	c.JSON(http.StatusOK, SyncStatusResponse{Status: status})
}

func (s *Service) ListSyncJobsHandler(c *gin.Context) {
	tenantId, ok := resolveTenant(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	jobs, err := models.ListSyncJobs(c.Request.Context(), tenantId, limit)
	if err != nil {
		config.LogError(config.GetLogger(), moduleName, "ListSyncJobsHandler", "list sync jobs", nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sync jobs"})
		return
	}
	resp := make([]SyncJobResponse, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, toSyncJobResponse(&jobs[i]))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Service) SyncJobDetailHandler(c *gin.Context) {
	tenantId, ok := resolveTenant(c)
	if !ok {
		return
	}
	jobId, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	job, err := models.GetSyncJob(c.Request.Context(), tenantId, uint(jobId))
	if err != nil {
		config.LogError(config.GetLogger(), moduleName, "SyncJobDetailHandler", "load sync job", nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sync job"})
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "sync job not found"})
		return
	}
	jobErrors, err := models.ListSyncJobErrors(c.Request.Context(), tenantId, job.ID)
	if err != nil {
		config.LogError(config.GetLogger(), moduleName, "SyncJobDetailHandler", "list sync job errors", nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sync job errors"})
		return
	}
	detail := SyncJobDetailResponse{
		SyncJobResponse: toSyncJobResponse(job),
		Errors:          make([]SyncJobErrorResponse, 0, len(jobErrors)),
	}
	for _, je := range jobErrors {
		detail.Errors = append(detail.Errors, SyncJobErrorResponse{
			ID:         je.ID,
			EntityType: je.EntityType,
			ExternalId: je.ExternalId,
			ErrorCode:  je.ErrorCode,
			Message:    je.Message,
			Retryable:  je.Retryable,
		})
	}
	c.JSON(http.StatusOK, detail)
}

func (s *Service) GetAlertHandler(c *gin.Context) {
	tenantId, ok := resolveTenant(c)
	if !ok {
		return
	}
	productId, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product id"})
		return
	}
	alert, err := models.GetCurrentAlert(c.Request.Context(), tenantId, productId)
	if err != nil {
		config.LogError(config.GetLogger(), moduleName, "GetAlertHandler", "load alert", nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load alert"})
		return
	}
	if alert == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no alert for product"})
		return
	}
	c.JSON(http.StatusOK, AlertResponse{
		ProductId:         alert.ProductId,
		Type:              alert.Type,
		Risk:              alert.Risk,
		VvdReal:           alert.VvdReal,
		Vvd7:              alert.Vvd7,
		Vvd30:             alert.Vvd30,
		GrowthTrend:       alert.GrowthTrend,
		DaysRemaining:     alert.DaysRemaining,
		DaysSinceLastSale: alert.DaysSinceLastSale,
		CapitalStuck:      alert.CapitalStuck.String(),
		SuggestedPrice:    alert.SuggestedPrice.String(),
		RecoverableAmount: alert.RecoverableAmount.String(),
		Message:           alert.Message,
		Recommendations:   alert.Recommendations(),
		UpdatedAt:         alert.UpdatedAt.Format(time.RFC3339),
	})
}

func (s *Service) UpdateSettingsHandler(c *gin.Context) {
	tenantId, ok := resolveTenant(c)
	if !ok {
		return
	}
	productId, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product id"})
		return
	}
	var input models.UpdateProductSettingsInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	settings, err := models.UpdateProductSettings(c.Request.Context(), tenantId, productId, input)
	if err != nil {
		config.LogError(config.GetLogger(), moduleName, "UpdateSettingsHandler", "update product settings", nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update settings"})
		return
	}
	if settings == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "product not found"})
		return
	}
	c.JSON(http.StatusOK, settings)
}

func toSyncJobResponse(job *models.SyncJob) SyncJobResponse {
	return SyncJobResponse{
		ID:               job.ID,
		Status:           job.Status,
		TotalBatches:     job.TotalBatches,
		ProcessedBatches: job.ProcessedBatches,
		RangeStart:       job.RangeStart.Format("2006-01-02"),
		RangeEnd:         job.RangeEnd.Format("2006-01-02"),
		StartedAt:        utils.FormatTimePtr(job.StartedAt),
		FinishedAt:       utils.FormatTimePtr(job.FinishedAt),
		Error:            job.Error,
	}
}
