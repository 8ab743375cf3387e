// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesReceived  *prometheus.CounterVec // by kind: channel, whisper
	CommandsHandled   *prometheus.CounterVec // by command verb
	SpamDetected      prometheus.Counter
	ThrottledCommands prometheus.Counter
	ServerEvents      *prometheus.CounterVec // by event name
	ModActions        *prometheus.CounterVec // by action
	SendErrors        prometheus.Counter

	// Gauges
	EventQueueDepth prometheus.Gauge
	ChatConnected   prometheus.Gauge // 1=connected,0=not
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "lrrbot_messages_received_total", Help: "Chat messages received"}, []string{"kind"})
		CommandsHandled = promauto.NewCounterVec(prometheus.CounterOpts{Name: "lrrbot_commands_handled_total", Help: "Commands parsed and dispatched"}, []string{"command"})
		SpamDetected = promauto.NewCounter(prometheus.CounterOpts{Name: "lrrbot_spam_detected_total", Help: "Messages matching a spam rule"})
		ThrottledCommands = promauto.NewCounter(prometheus.CounterOpts{Name: "lrrbot_commands_throttled_total", Help: "Command invocations suppressed by a rate gate"})
		ServerEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "lrrbot_server_events_total", Help: "Server-pushed events processed"}, []string{"event"})
		ModActions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "lrrbot_mod_actions_total", Help: "Moderation actions received from pubsub"}, []string{"action"})
		SendErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "lrrbot_send_errors_total", Help: "Failed outbound chat or notification sends"})
		EventQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Name: "lrrbot_event_queue_depth", Help: "Server events waiting for the processing loop"})
		ChatConnected = promauto.NewGauge(prometheus.GaugeOpts{Name: "lrrbot_chat_connected", Help: "Chat connection up=1 down=0"})
	})
}

// SetChatConnected sets the connection gauge.
func SetChatConnected(up bool) {
	if ChatConnected == nil {
		return
	}
	if up {
		ChatConnected.Set(1)
	} else {
		ChatConnected.Set(0)
	}
}

// SetEventQueueDepth records the number of queued server events.
func SetEventQueueDepth(n int) {
	if EventQueueDepth != nil {
		EventQueueDepth.Set(float64(n))
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
