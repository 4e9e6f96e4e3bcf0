package alerting

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"iot-telemetry-hub/internal/data"
)

type published struct {
	tenantID int64
	msgType  string
	payload  interface{}
}

type recorder struct{ calls []published }

func (r *recorder) PublishJSON(tenantID int64, msgType string, payload interface{}) {
	r.calls = append(r.calls, published{tenantID, msgType, payload})
}

func TestProcessAlerts(t *testing.T) {
	rec := &recorder{}
	a := NewAlerter(rec, slog.New(slog.NewTextHandler(io.Discard, nil)))

	a.ProcessAlerts(3, nil)
	assert.Empty(t, rec.calls)

	alerts := []data.Alert{{SensorID: 1, Value: 99}, {SensorID: 2, Value: -5}}
	a.ProcessAlerts(3, alerts)

	assert.Equal(t, []published{
		{3, data.MessageAlert, alerts[0]},
		{3, data.MessageAlert, alerts[1]},
	}, rec.calls)
}
