package notify

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/stockpilot/inventory_backend/config"
)

// PubSubNotifier publishes critical alerts to a Pub/Sub topic consumed by the
// notification delivery worker.
type PubSubNotifier struct {
	topicName string
}

func NewPubSubNotifier() *PubSubNotifier {
	topicName := strings.TrimSpace(os.Getenv("CRITICAL_ALERT_TOPIC"))
	if topicName == "" {
		topicName = "critical-alerts"
	}
	return &PubSubNotifier{topicName: topicName}
}

func (n *PubSubNotifier) PublishCriticalAlert(ctx context.Context, payload CriticalAlertPayload) error {
	client, err := config.GetPubSubClient(ctx)
	if err != nil {
		return err
	}

	topic := client.Topic(n.topicName)
	if envBoolDefault("CRITICAL_ALERT_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(client, n.topicName)
		if err != nil {
			return err
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	res := topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"tenant_id":      payload.TenantId,
			"correlation_id": payload.CorrelationId,
		},
	})
	_, err = res.Get(ctx)
	return err
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
