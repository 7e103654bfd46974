package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-cli/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailureRate   AlertType = "run_failure_rate"
	AlertShadowDivergence AlertType = "shadow_divergence"
	AlertShadowErrors     AlertType = "shadow_new_errors"
	AlertDiffsDropped     AlertType = "shadow_diffs_dropped"
)

// minSample is the number of observations below which rate alerts stay
// quiet.
const minSample = 5

// DroppedCounter is the counter name for diffs the shadow logger dropped.
const DroppedCounter = "shadow_diffs_dropped"

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds. Alerts
// are always logged and also posted to a webhook when one is configured.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.RunsSucceeded + snap.RunsFailed
	if finished >= minSample && snap.RunFailRate > a.cfg.MaxFailRate {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.RunFailRate*100, a.cfg.MaxFailRate*100,
				snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate":     snap.RunFailRate,
				"threshold":        a.cfg.MaxFailRate,
				"failed":           snap.RunsFailed,
				"finished":         finished,
				"failures_by_type": snap.FailuresByType,
			},
			Timestamp: now,
		})
	}

	for _, kind := range ShadowKinds {
		st, ok := snap.Shadow[kind]
		if !ok {
			continue
		}
		if st.Count >= minSample && st.AvgOverlap < a.cfg.MinShadowOverlap {
			alerts = append(alerts, Alert{
				Type:     AlertShadowDivergence,
				Severity: "medium",
				Message: fmt.Sprintf(
					"Shadow %s overlap %.2f is below %.2f over %d diffs",
					kind, st.AvgOverlap, a.cfg.MinShadowOverlap, st.Count,
				),
				Details: map[string]any{
					"kind":        kind,
					"avg_overlap": st.AvgOverlap,
					"threshold":   a.cfg.MinShadowOverlap,
					"diffs":       st.Count,
				},
				Timestamp: now,
			})
		}
		if st.Errors > 0 {
			alerts = append(alerts, Alert{
				Type:     AlertShadowErrors,
				Severity: "medium",
				Message:  fmt.Sprintf("New %s path failed %d time(s) in shadow in last %dh", kind, st.Errors, snap.LookbackHours),
				Details: map[string]any{
					"kind":   kind,
					"errors": st.Errors,
				},
				Timestamp: now,
			})
		}
	}

	if dropped := snap.Counters[DroppedCounter]; dropped > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertDiffsDropped,
			Severity:  "low",
			Message:   fmt.Sprintf("%d shadow diff(s) dropped under load; the diff log is incomplete", dropped),
			Details:   map[string]any{"dropped": dropped},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts logs alerts and delivers them to the configured webhook URL.
// Returns the number of alerts successfully posted.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	for _, alert := range alerts {
		zap.L().Warn("monitoring: alert",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
			zap.String("message", alert.Message),
		)
	}
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
