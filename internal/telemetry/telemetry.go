// Package telemetry implements the shared AlertManager/Telemetry
// component (§4.5 "Alerts", §2): threshold-driven alerts with a
// cool-down window, rate-limited dispatch to notification channels, and
// OpenTelemetry metric export. Alert dispatch is grounded on
// notification/dispatch.go's switch-over-channel-name shape,
// generalized from decision-escalation channels to alert severities.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// AlertThreshold is one configured alert (§4.5: "{name, threshold, severity}").
type AlertThreshold struct {
	Name      string
	Threshold float64
	Severity  string
	Cooldown  time.Duration
}

// TriggeredAlert is emitted when a metric crosses its threshold.
type TriggeredAlert struct {
	Name      string
	Severity  string
	Value     float64
	Threshold float64
	At        time.Time
}

// Channel is a notification sink an alert can be routed to, mirroring
// notification.Dispatcher's channel switch (log/email/webhook/sms).
type Channel func(ctx context.Context, alert TriggeredAlert) error

// LogChannel writes the alert with the standard logger, matching the
// default "log:" channel behavior.
func LogChannel(logger *log.Logger) Channel {
	if logger == nil {
		logger = log.Default()
	}
	return func(ctx context.Context, alert TriggeredAlert) error {
		logger.Printf("alert:triggered name=%s severity=%s value=%.2f threshold=%.2f",
			alert.Name, alert.Severity, alert.Value, alert.Threshold)
		return nil
	}
}

// WebhookChannel posts the alert as JSON, grounded on
// notification.Dispatcher.sendWebhook's http.Post + header convention.
func WebhookChannel(url string, client *http.Client) Channel {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, alert TriggeredAlert) error {
		body := fmt.Sprintf(`{"name":%q,"severity":%q,"value":%f,"threshold":%f}`,
			alert.Name, alert.Severity, alert.Value, alert.Threshold)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Ingestd-Event", "alert:triggered")
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return nil
	}
}

// AlertManager evaluates metrics against thresholds and dispatches
// triggered alerts through registered channels, at most once per
// cool-down window per alert name.
type AlertManager struct {
	mu         sync.Mutex
	thresholds []AlertThreshold
	lastFired  map[string]time.Time
	channels   []Channel
}

func NewAlertManager(thresholds []AlertThreshold, channels ...Channel) *AlertManager {
	return &AlertManager{
		thresholds: thresholds,
		lastFired:  make(map[string]time.Time),
		channels:   channels,
	}
}

// Check evaluates metric values against every threshold and dispatches
// any that fire and are past their cool-down (§4.5: "emits alert:
// triggered once per cool-down window").
func (m *AlertManager) Check(ctx context.Context, values map[string]float64) []TriggeredAlert {
	now := time.Now()
	var fired []TriggeredAlert

	m.mu.Lock()
	for _, th := range m.thresholds {
		v, ok := values[th.Name]
		if !ok || v < th.Threshold {
			continue
		}
		cooldown := th.Cooldown
		if cooldown <= 0 {
			cooldown = time.Minute
		}
		if last, ok := m.lastFired[th.Name]; ok && now.Sub(last) < cooldown {
			continue
		}
		m.lastFired[th.Name] = now
		fired = append(fired, TriggeredAlert{Name: th.Name, Severity: th.Severity, Value: v, Threshold: th.Threshold, At: now})
	}
	channels := append([]Channel(nil), m.channels...)
	m.mu.Unlock()

	for _, alert := range fired {
		for _, ch := range channels {
			if err := ch(ctx, alert); err != nil {
				log.Printf("telemetry: channel dispatch failed for alert %s: %v", alert.Name, err)
			}
		}
	}
	return fired
}

// Meter wraps an OpenTelemetry meter provider exporting to stdout,
// built on the otel/sdk/metric + stdoutmetric stack.
type Meter struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	eventsCounter   metric.Int64Counter
	latencyHist     metric.Float64Histogram
	queueDepthGauge metric.Int64Gauge
}

// NewMeter builds a Meter that periodically exports to stdout, the
// simplest exporter in this stack's direct dependencies.
func NewMeter(ctx context.Context) (*Meter, error) {
	exporter, err := stdoutmetric.New(stdoutmetric.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating stdout exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(time.Minute))),
	)
	meter := provider.Meter("ingestd")

	eventsCounter, err := meter.Int64Counter("ingestd.events.processed")
	if err != nil {
		return nil, err
	}
	latencyHist, err := meter.Float64Histogram("ingestd.event.latency_ms")
	if err != nil {
		return nil, err
	}
	queueDepthGauge, err := meter.Int64Gauge("ingestd.queue.depth")
	if err != nil {
		return nil, err
	}

	return &Meter{
		provider:        provider,
		meter:           meter,
		eventsCounter:   eventsCounter,
		latencyHist:     latencyHist,
		queueDepthGauge: queueDepthGauge,
	}, nil
}

func (m *Meter) RecordEvent(ctx context.Context, latencyMs float64) {
	m.eventsCounter.Add(ctx, 1)
	m.latencyHist.Record(ctx, latencyMs)
}

func (m *Meter) RecordQueueDepth(ctx context.Context, depth int64) {
	m.queueDepthGauge.Record(ctx, depth)
}

func (m *Meter) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
