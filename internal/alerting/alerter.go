// internal/alerting/alerter.go
package alerting

import (
	"log/slog"

	"iot-telemetry-hub/internal/data"
)

// Publisher delivers an enveloped payload to one tenant's subscribers.
type Publisher interface {
	PublishJSON(tenantID int64, msgType string, payload interface{})
}

type Alerter struct {
	publisher Publisher
	log       *slog.Logger
}

func NewAlerter(publisher Publisher, log *slog.Logger) *Alerter {
	return &Alerter{publisher: publisher, log: log}
}

// ProcessAlerts pushes alerts to the tenant that owns the reporting device.
func (a *Alerter) ProcessAlerts(tenantID int64, alerts []data.Alert) {
	if len(alerts) == 0 {
		return
	}

	a.log.Debug("processing alerts", "tenant_id", tenantID, "count", len(alerts))
	for _, alert := range alerts {
		a.publisher.PublishJSON(tenantID, data.MessageAlert, alert)
	}
}
