package models

import (
	"context"
	"errors"
	"time"

	"github.com/stockpilot/inventory_backend/config"
	"gorm.io/gorm"
)

const (
	IntegrationProviderVendo = "vendo"
)

const (
	IntegrationStatusConnected    = "connected"
	IntegrationStatusDisconnected = "disconnected"
	IntegrationStatusError        = "error"
)

// Integration maps one external Vendo ERP account to a tenant. The auth
// secret is the API key used by the sync adapter.
type Integration struct {
	ID                uint       `gorm:"primary_key" json:"id"`
	TenantId          string     `gorm:"uniqueIndex:idx_integration_tenant,priority:1;not null" json:"tenant_id"`
	Provider          string     `gorm:"uniqueIndex:idx_integration_tenant,priority:2;size:50;not null" json:"provider"`
	Status            string     `gorm:"size:20;not null" json:"status"`
	AuthSecretRef     string     `gorm:"type:text" json:"auth_secret_ref"`
	StoreId           string     `gorm:"size:100" json:"store_id"`
	StoreName         string     `gorm:"size:255" json:"store_name"`
	LastSyncAt        *time.Time `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time `json:"last_success_sync_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetIntegration(ctx context.Context, tenantId string) (*Integration, error) {
	var integration Integration
	err := config.GetDB().WithContext(ctx).
		Where("tenant_id = ? AND provider = ?", tenantId, IntegrationProviderVendo).
		Take(&integration).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &integration, nil
}

func ConnectIntegration(ctx context.Context, tenantId string, storeId string, storeName string, apiKey string) (*Integration, error) {
	db := config.GetDB().WithContext(ctx)

	existing, err := GetIntegration(ctx, tenantId)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if existing == nil {
		integration := Integration{
			TenantId:      tenantId,
			Provider:      IntegrationProviderVendo,
			Status:        IntegrationStatusConnected,
			AuthSecretRef: apiKey,
			StoreId:       storeId,
			StoreName:     storeName,
		}
		if err := db.Create(&integration).Error; err != nil {
			return nil, err
		}
		return &integration, nil
	}

	update := map[string]interface{}{
		"status":          IntegrationStatusConnected,
		"auth_secret_ref": apiKey,
		"store_id":        storeId,
		"store_name":      storeName,
		"updated_at":      now,
	}
	if err := db.Model(existing).Updates(update).Error; err != nil {
		return nil, err
	}
	return existing, nil
}

func DisconnectIntegration(ctx context.Context, tenantId string) error {
	existing, err := GetIntegration(ctx, tenantId)
	if err != nil || existing == nil {
		return err
	}
	return config.GetDB().WithContext(ctx).Model(existing).Updates(map[string]interface{}{
		"status":          IntegrationStatusDisconnected,
		"auth_secret_ref": "",
		"updated_at":      time.Now(),
	}).Error
}

func TouchIntegrationSyncTimes(ctx context.Context, integrationId uint, success bool) error {
	now := time.Now()
	update := map[string]interface{}{"last_sync_at": now}
	if success {
		update["last_success_sync_at"] = now
	}
	return config.GetDB().WithContext(ctx).
		Model(&Integration{}).
		Where("id = ?", integrationId).
		Updates(update).Error
}
