// Package observe ties Elevated's telemetry together: OpenTelemetry metrics
// exported for Prometheus, tracing, trace-aware slog loggers and the HTTP
// middleware that records all three per request.
//
// Tests should build [Metrics] with [NewMetrics] over their own
// [metric.MeterProvider]; [DefaultMetrics] uses the global one.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/elevated"

// Metrics holds every instrument the application records to. Instruments are
// safe for concurrent use.
type Metrics struct {
	// ── Voice ──

	// ConnectDuration spans connect request to live session.
	ConnectDuration metric.Float64Histogram
	// ConnectAttempts carries status: ok, capture_unavailable, connection,
	// cancelled or rejected.
	ConnectAttempts metric.Int64Counter
	ActiveSessions  metric.Int64UpDownCounter
	SessionErrors   metric.Int64Counter

	FramesSent    metric.Int64Counter
	FramesDropped metric.Int64Counter // reason: not_open or send_failed

	// PlaybackLead is how far ahead of the output clock a buffer starts.
	// Zero is an underrun.
	PlaybackLead     metric.Float64Histogram
	BuffersScheduled metric.Int64Counter
	DecodeErrors     metric.Int64Counter
	TurnsCommitted   metric.Int64Counter

	// ── Study and providers ──

	LLMDuration      metric.Float64Histogram
	ProviderRequests metric.Int64Counter

	// CircuitTransitions carries the breaker name and the state entered.
	CircuitTransitions metric.Int64Counter

	// ── HTTP ──

	HTTPRequestDuration metric.Float64Histogram
}

var (
	// latencyBuckets suit network round trips and model inference.
	latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// leadBuckets run from an underrun to several seconds of queued speech.
	leadBuckets = []float64{0, 0.02, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
)

// instruments creates instruments on one meter and collects the errors.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (in *instruments) histogram(name, desc string, buckets []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if buckets != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := in.meter.Float64Histogram(name, opts...)
	in.check(name, err)
	return h
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.meter.Int64Counter(name, metric.WithDescription(desc))
	in.check(name, err)
	return c
}

func (in *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := in.meter.Int64UpDownCounter(name, metric.WithDescription(desc))
	in.check(name, err)
	return g
}

func (in *instruments) check(name string, err error) {
	if err != nil {
		in.errs = append(in.errs, fmt.Errorf("%s: %w", name, err))
	}
}

// NewMetrics registers all instruments with mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	in := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		ConnectDuration: in.histogram("elevated.voice.connect.duration",
			"Latency from connect request to live session.", latencyBuckets),
		ConnectAttempts: in.counter("elevated.voice.connect.attempts",
			"Voice connect attempts by status."),
		ActiveSessions: in.gauge("elevated.voice.active_sessions",
			"Live voice sessions."),
		SessionErrors: in.counter("elevated.voice.session.errors",
			"Voice session failures by kind."),
		FramesSent: in.counter("elevated.voice.frames.sent",
			"Microphone frames sent to the speech service."),
		FramesDropped: in.counter("elevated.voice.frames.dropped",
			"Microphone frames dropped by reason."),
		PlaybackLead: in.histogram("elevated.voice.playback.lead",
			"Distance between the output clock and a buffer's scheduled start.", leadBuckets),
		BuffersScheduled: in.counter("elevated.voice.buffers.scheduled",
			"Decoded buffers scheduled for playback."),
		DecodeErrors: in.counter("elevated.voice.decode.errors",
			"Inbound audio payloads that failed to decode."),
		TurnsCommitted: in.counter("elevated.voice.turns",
			"Committed conversation turns by speaker."),
		LLMDuration: in.histogram("elevated.llm.duration",
			"Latency of study generation calls.", latencyBuckets),
		ProviderRequests: in.counter("elevated.provider.requests",
			"Provider API requests by provider, kind and status."),
		CircuitTransitions: in.counter("elevated.provider.circuit.transitions",
			"Circuit breaker state changes by breaker and target state."),
		HTTPRequestDuration: in.histogram("elevated.http.request.duration",
			"HTTP request latency by method, route and status.", nil),
	}
	if err := errors.Join(in.errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide [Metrics] on the global meter
// provider. It panics if the instruments cannot be created.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

func (m *Metrics) inc(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordConnectAttempt counts a connect attempt ending in status.
func (m *Metrics) RecordConnectAttempt(ctx context.Context, status string) {
	m.inc(ctx, m.ConnectAttempts, attribute.String("status", status))
}

// RecordFrameDropped counts a capture frame lost for reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.inc(ctx, m.FramesDropped, attribute.String("reason", reason))
}

// RecordTurn counts a committed turn by speaker ("user" or "model").
func (m *Metrics) RecordTurn(ctx context.Context, speaker string) {
	m.inc(ctx, m.TurnsCommitted, attribute.String("speaker", speaker))
}

// RecordSessionError counts a session failure of kind.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.inc(ctx, m.SessionErrors, attribute.String("kind", kind))
}

// RecordProviderRequest counts one provider call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.inc(ctx, m.ProviderRequests,
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	)
}

// RecordCircuitTransition counts a breaker entering state.
func (m *Metrics) RecordCircuitTransition(ctx context.Context, breaker, state string) {
	m.inc(ctx, m.CircuitTransitions, attribute.String("breaker", breaker), attribute.String("state", state))
}
