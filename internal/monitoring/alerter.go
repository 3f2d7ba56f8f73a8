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

	"github.com/sells-group/pricing-agent/internal/config"
	"github.com/sells-group/pricing-agent/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailed    AlertType = "run_failed"
	AlertHighScarcity AlertType = "high_scarcity"
	AlertFailureRate  AlertType = "run_failure_rate"
)

// minRunsForRate is the number of finished runs needed before the failure
// rate is evaluated.
const minRunsForRate = 3

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	RunID     string         `json:"run_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns finished runs and periodic snapshots into alerts and posts
// them to a webhook. It satisfies agent.Notifier.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	now    func() time.Time
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// Enabled reports whether a webhook is configured.
func (a *Alerter) Enabled() bool {
	return a.cfg.WebhookURL != ""
}

// RunFinished evaluates a terminal run and delivers any alerts. Delivery is
// best effort: failures are logged.
func (a *Alerter) RunFinished(ctx context.Context, summary model.RunSummary) {
	alerts := a.EvaluateRun(summary)
	if len(alerts) == 0 {
		return
	}
	a.SendAlerts(ctx, alerts)
}

// EvaluateRun returns the alerts raised by a single finished run: a failure,
// or an unavailable fraction above the scarcity threshold.
func (a *Alerter) EvaluateRun(summary model.RunSummary) []Alert {
	var alerts []Alert
	now := a.now().UTC()

	if summary.Status == model.ReportStatusFailed {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailed,
			Severity: "high",
			Message:  fmt.Sprintf("Pricing run %s failed: %s", summary.RunID, summary.Error),
			RunID:    summary.RunID,
			Details: map[string]any{
				"dry_run":   summary.DryRun,
				"processed": summary.Totals.Products,
			},
			Timestamp: now,
		})
	}

	t := summary.Totals
	if t.Products > 0 && a.cfg.ScarcityThreshold > 0 {
		frac := float64(t.Doubled) / float64(t.Products)
		if frac > a.cfg.ScarcityThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertHighScarcity,
				Severity: "medium",
				Message: fmt.Sprintf(
					"%.1f%% of products unavailable in run %s (%d of %d), threshold %.1f%%",
					frac*100, summary.RunID, t.Doubled, t.Products, a.cfg.ScarcityThreshold*100,
				),
				RunID: summary.RunID,
				Details: map[string]any{
					"unavailable": t.Doubled,
					"products":    t.Products,
					"fraction":    frac,
					"threshold":   a.cfg.ScarcityThreshold,
					"dry_run":     summary.DryRun,
				},
				Timestamp: now,
			})
		}
	}
	return alerts
}

// Evaluate checks a snapshot of recent runs against the failure rate limit.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	finished := snap.Completed + snap.Failed
	if finished < minRunsForRate || a.cfg.MaxFailureRate <= 0 || snap.FailRate <= a.cfg.MaxFailureRate {
		return nil
	}
	return []Alert{{
		Type:     AlertFailureRate,
		Severity: "high",
		Message: fmt.Sprintf(
			"Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %d runs)",
			snap.FailRate*100, a.cfg.MaxFailureRate*100, snap.Failed, finished, snap.Window,
		),
		Details: map[string]any{
			"failure_rate": snap.FailRate,
			"threshold":    a.cfg.MaxFailureRate,
			"failed":       snap.Failed,
			"finished":     finished,
		},
		Timestamp: a.now().UTC(),
	}}
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if !a.Enabled() || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.String("run_id", alert.RunID),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
			zap.String("run_id", alert.RunID),
		)
		sent++
	}
	return sent
}

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
