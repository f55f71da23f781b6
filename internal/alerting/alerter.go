// internal/alerting/alerter.go
package alerting

import (
	"context"
	"log/slog"
	"time"

	"iiot-gateway/internal/apperr"
	"iiot-gateway/internal/data"
	"iiot-gateway/internal/metrics"
	"iiot-gateway/internal/notify"
	"iiot-gateway/internal/storage"
)

// Alerter owns every write to alerts: it persists what the detector raised,
// publishes them live and handles resolution.
type Alerter struct {
	store  storage.AlertStore
	sink   notify.Sink
	logger *slog.Logger
	now    func() time.Time
}

func NewAlerter(store storage.AlertStore, sink notify.Sink, logger *slog.Logger) *Alerter {
	if sink == nil {
		sink = notify.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Alerter{
		store:  store,
		sink:   sink,
		logger: logger.With("component", "alerter"),
		now:    time.Now,
	}
}

// ProcessAlerts persists then publishes each alert. It stops at the first
// store failure; alerts already stored stay published.
func (a *Alerter) ProcessAlerts(ctx context.Context, alerts []data.Alert) error {
	for _, alert := range alerts {
		if err := a.store.AddAlert(ctx, alert); err != nil {
			return apperr.Persistence("alerting.ProcessAlerts", err)
		}
		metrics.AlertsRaised.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()
		a.logger.Info("alert raised",
			"machine_id", alert.MachineID,
			"type", alert.Type,
			"severity", alert.Severity,
			"message", alert.Message)
		a.sink.PublishAlert(alert)
	}
	return nil
}

// Resolve marks an alert resolved. Resolving an already resolved alert
// returns it unchanged without writing or publishing.
func (a *Alerter) Resolve(ctx context.Context, id string) (data.Alert, error) {
	alert, err := a.store.GetAlert(ctx, id)
	if err != nil {
		return data.Alert{}, apperr.Persistence("alerting.Resolve", err)
	}
	if alert.Resolved {
		return alert, nil
	}

	now := a.now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	if err := a.store.SaveAlert(ctx, alert); err != nil {
		return data.Alert{}, apperr.Persistence("alerting.Resolve", err)
	}
	a.logger.Info("alert resolved", "alert_id", id, "machine_id", alert.MachineID)
	a.sink.PublishAlert(alert)
	return alert, nil
}

// List returns alerts newest first, capped at storage.MaxRecords.
func (a *Alerter) List(ctx context.Context, machineID string, resolved *bool) ([]data.Alert, error) {
	alerts, err := a.store.ListAlerts(ctx, storage.AlertQuery{
		MachineID: machineID,
		Resolved:  resolved,
		Limit:     storage.MaxRecords,
	})
	return alerts, apperr.Persistence("alerting.List", err)
}
