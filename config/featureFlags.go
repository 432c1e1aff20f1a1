package config

import (
	"os"
	"strings"
)

// CriticalAlertNotificationsEnabled gates the Pub/Sub fan-out for CRITICAL
// alerts. Disable in environments without a delivery worker.
//
// Set via env:
// - ENABLE_CRITICAL_ALERT_NOTIFICATIONS=false
func CriticalAlertNotificationsEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("ENABLE_CRITICAL_ALERT_NOTIFICATIONS")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
