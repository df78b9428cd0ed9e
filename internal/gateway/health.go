package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultHealthTopic is the retained health topic of the BLE gateway.
	DefaultHealthTopic = "graylogic/health/ble"

	defaultHealthInterval = 30 * time.Second
)

// HealthStatus represents the operational status of the gateway.
type HealthStatus string

const (
	// HealthHealthy indicates every module is connected and MQTT is up.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates MQTT is down or a device is not connected.
	HealthDegraded HealthStatus = "degraded"

	// HealthOffline is the Last Will status published by the broker.
	HealthOffline HealthStatus = "offline"

	// HealthStarting indicates the gateway is starting up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping indicates the gateway is shutting down.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is the retained health document.
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Gateway       string          `json:"gateway"`
	Timestamp     time.Time       `json:"timestamp"`
	Status        HealthStatus    `json:"status"`
	Version       string          `json:"version,omitempty"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Reason        string          `json:"reason,omitempty"`
	Modules       []ModuleMetrics `json:"modules,omitempty"`
}

// NewLWTMessage returns the Last Will payload for gatewayID.
func NewLWTMessage(gatewayID string) HealthMessage {
	return HealthMessage{
		Gateway:   gatewayID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// MetricsSource provides module snapshots. Implemented by *Registry.
type MetricsSource interface {
	Metrics() []ModuleMetrics
}

// MetricsSink receives module snapshots on every report, e.g. a time-series
// writer. Optional.
type MetricsSink interface {
	WriteModuleMetrics(m ModuleMetrics)
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	// GatewayID identifies this gateway in health messages.
	GatewayID string

	// Version is the gateway software version.
	Version string

	// Topic is the health topic. Default: DefaultHealthTopic.
	Topic string

	// Interval is how often to publish health status.
	// Default: 30 seconds.
	Interval time.Duration

	// Publisher is the MQTT client for publishing messages.
	Publisher HealthPublisher

	// Modules provides the per-module metrics.
	Modules MetricsSource

	// Sink optionally receives the same metrics each interval.
	Sink MetricsSink
}

// HealthReporter periodically publishes gateway health to MQTT.
type HealthReporter struct {
	gatewayID string
	version   string
	topic     string
	startTime time.Time
	interval  time.Duration
	publisher HealthPublisher
	modules   MetricsSource
	sink      MetricsSink

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHealthReporter creates a health reporter. Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultHealthTopic
	}

	return &HealthReporter{
		gatewayID: cfg.GatewayID,
		version:   cfg.Version,
		topic:     topic,
		startTime: time.Now(),
		interval:  interval,
		publisher: cfg.Publisher,
		modules:   cfg.Modules,
		sink:      cfg.Sink,
		done:      make(chan struct{}),
	}
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// Start begins periodic reporting until ctx is cancelled or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop stops reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		h.publishStatus(HealthStopping, "")
	})
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "gateway starting")
}

// PublishNow publishes the current status immediately.
func (h *HealthReporter) PublishNow() error {
	status, reason := h.determineStatus()
	return h.publishStatus(status, reason)
}

// LWTPayload returns the Last Will payload to register with the MQTT client.
func (h *HealthReporter) LWTPayload() ([]byte, error) {
	return json.Marshal(NewLWTMessage(h.gatewayID))
}

// Topic returns the health topic.
func (h *HealthReporter) Topic() string {
	return h.topic
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.report()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			h.report()
		}
	}
}

func (h *HealthReporter) report() {
	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish health", err)
	}
	if h.sink != nil && h.modules != nil {
		for _, m := range h.modules.Metrics() {
			h.sink.WriteModuleMetrics(m)
		}
	}
}

// determineStatus evaluates gateway health.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.publisher == nil || !h.publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if h.modules != nil {
		for _, m := range h.modules.Metrics() {
			if !m.Connected {
				return HealthDegraded, fmt.Sprintf("device %s not connected", m.Name)
			}
		}
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	if h.publisher == nil {
		return nil
	}

	msg := HealthMessage{
		Gateway:       h.gatewayID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Reason:        reason,
	}
	if h.modules != nil {
		msg.Modules = h.modules.Metrics()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.publisher.Publish(h.topic, payload, 1, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
