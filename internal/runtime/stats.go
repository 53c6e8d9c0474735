package runtime

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/drblury/flowrpc/internal/runtime/codec"
	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
	"github.com/drblury/flowrpc/internal/runtime/jsoncodec"
	"github.com/drblury/flowrpc/internal/runtime/naming"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// Handler kinds reported by the handler API.
const (
	HandlerKindRequest = "request"
	HandlerKindEvent   = "event"
)

// HandlerStats aggregates the invocations of one pattern.
type HandlerStats struct {
	mu sync.Mutex

	subscription string

	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesFailed      uint64    `json:"messages_failed"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`

	Latency      LatencyMetrics     `json:"latency"`
	Throughput   ThroughputMetrics  `json:"throughput"`
	Errors       ErrorBreakdown     `json:"errors"`
	Resource     ResourceUsage      `json:"resource"`
	Backlog      BacklogMetrics     `json:"backlog"`
	Dependencies []DependencyHealth `json:"dependencies"`

	latency    *latencyWindow
	throughput *throughputWindow
	sampler    *resourceTracker
}

// HandlerInfo describes one registered pattern.
type HandlerInfo struct {
	Pattern      string        `json:"pattern"`
	Kind         string        `json:"kind"`
	ConsumeQueue string        `json:"consume_queue"`
	Stats        *HandlerStats `json:"stats"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Transport  uint64 `json:"transport"`
	Downstream uint64 `json:"downstream"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// BacklogMetrics tracks concurrent invocations and how long requests waited
// between publish and dispatch.
type BacklogMetrics struct {
	InFlight           uint64 `json:"in_flight"`
	MaxInFlight        uint64 `json:"max_in_flight"`
	EstimatedLagMillis int64  `json:"estimated_lag_millis"`
}

type DependencyHealth struct {
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	LastChecked time.Time `json:"last_checked"`
	Details     string    `json:"details,omitempty"`
}

const (
	DependencyStatusUnknown  = "unknown"
	DependencyStatusHealthy  = "healthy"
	DependencyStatusDegraded = "degraded"
)

type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryTransport  ErrorCategory = "transport"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier buckets handler errors for the error breakdown.
type ErrorClassifier func(error) ErrorCategory

const (
	dependencySubscriber = "subscriber"
	dependencyReplies    = "publisher:replies"
)

func newHandlerStats(subscription string, sampler *resourceTracker) *HandlerStats {
	return &HandlerStats{
		subscription: subscription,
		sampler:      sampler,
		latency:      newLatencyWindow(latencySampleSize),
		throughput:   newThroughputWindow(throughputWindowSize),
		Backlog:      BacklogMetrics{EstimatedLagMillis: -1},
		Dependencies: []DependencyHealth{
			{Name: dependencySubscriber + ":" + subscription, Status: DependencyStatusUnknown},
			{Name: dependencyReplies, Status: DependencyStatusUnknown},
		},
	}
}

type invocationToken struct {
	lagMillis int64
}

func (h *HandlerStats) onMessageStart(in codec.InboundRequest) invocationToken {
	token := invocationToken{lagMillis: -1}
	if h == nil {
		return token
	}
	if !in.PublishTime.IsZero() {
		token.lagMillis = max(time.Since(in.PublishTime).Milliseconds(), 0)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.Backlog.InFlight++
	h.Backlog.MaxInFlight = max(h.Backlog.MaxInFlight, h.Backlog.InFlight)
	return token
}

func (h *HandlerStats) onMessageFinish(token invocationToken, duration time.Duration, err error, classifier ErrorClassifier) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.Backlog.InFlight > 0 {
		h.Backlog.InFlight--
	}
	if token.lagMillis >= 0 {
		h.Backlog.EstimatedLagMillis = token.lagMillis
	}

	now := time.Now()
	h.MessagesProcessed++
	if err != nil {
		h.MessagesFailed++
	}
	h.TotalProcessingTime += int64(duration)
	h.LastProcessedAt = now.UTC()

	h.latency.add(duration)
	h.Latency = h.latency.snapshot()
	h.Latency.AverageNs = h.TotalProcessingTime / int64(h.MessagesProcessed)

	h.Throughput = h.throughput.record(now)
	h.Throughput.TotalMessages = h.MessagesProcessed

	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	category := classifier(err)
	h.Errors.Record(category, err)

	if h.sampler != nil {
		h.Resource = h.sampler.snapshot()
	}

	h.setDependencyStatusLocked(dependencySubscriber+":"+h.subscription, DependencyStatusHealthy, "", now)
	if category == ErrorCategoryTransport {
		h.setDependencyStatusLocked(dependencyReplies, DependencyStatusDegraded, err.Error(), now)
	} else {
		h.setDependencyStatusLocked(dependencyReplies, DependencyStatusHealthy, "", now)
	}
}

func (h *HandlerStats) setDependencyStatusLocked(name, status, details string, now time.Time) {
	idx := slices.IndexFunc(h.Dependencies, func(d DependencyHealth) bool { return d.Name == name })
	if idx < 0 {
		h.Dependencies = append(h.Dependencies, DependencyHealth{Name: name})
		idx = len(h.Dependencies) - 1
	}
	h.Dependencies[idx].Status = status
	h.Dependencies[idx].Details = details
	h.Dependencies[idx].LastChecked = now.UTC()
}

// Snapshot returns a copy that is safe to read while the handler runs.
func (h *HandlerStats) Snapshot() HandlerStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HandlerStats{
		MessagesProcessed:   h.MessagesProcessed,
		MessagesFailed:      h.MessagesFailed,
		TotalProcessingTime: h.TotalProcessingTime,
		LastProcessedAt:     h.LastProcessedAt,
		Latency:             h.Latency,
		Throughput:          h.Throughput,
		Errors:              h.Errors,
		Resource:            h.Resource,
		Backlog:             h.Backlog,
		Dependencies:        slices.Clone(h.Dependencies),
	}
}

func (h *HandlerStats) MarshalJSON() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	type Alias HandlerStats
	return jsoncodec.Marshal((*Alias)(h))
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryTransport:
		e.Transport++
	case ErrorCategoryDownstream:
		e.Downstream++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

// defaultErrorClassifier maps the engine's error taxonomy onto categories:
// undecodable input is a validation error, failed reply publishes are
// transport errors and deadlines are downstream errors.
func defaultErrorClassifier(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	switch {
	case errors.Is(err, errspkg.ErrPublishFailure):
		return ErrorCategoryTransport
	case errors.Is(err, errspkg.ErrMalformedMessage):
		return ErrorCategoryValidation
	case errors.Is(err, errspkg.ErrRequestTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ErrorCategoryDownstream
	}
	return ErrorCategoryOther
}

// trackHandler records a registered pattern for the handler API. A pattern
// with both a request and event handlers shares one stats value.
func (s *Server) trackHandler(pattern, kind string) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	var stats *HandlerStats
	for _, info := range s.handlerInfos {
		if info.Pattern != pattern {
			continue
		}
		if info.Kind == kind {
			return
		}
		stats = info.Stats
	}
	subscription := naming.Scoped(s.Conf.ScopePrefix, s.Conf.Subscription)
	if stats == nil {
		stats = newHandlerStats(subscription, s.resourceTracker)
	}
	s.handlerInfos = append(s.handlerInfos, &HandlerInfo{
		Pattern:      pattern,
		Kind:         kind,
		ConsumeQueue: subscription,
		Stats:        stats,
	})
}

// statsFor returns the stats of pattern, nil for unknown patterns.
func (s *Server) statsFor(pattern string) *HandlerStats {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	for _, info := range s.handlerInfos {
		if info.Pattern == pattern {
			return info.Stats
		}
	}
	return nil
}

// Handlers lists the registered patterns with their statistics.
func (s *Server) Handlers() []HandlerInfo {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	out := make([]HandlerInfo, len(s.handlerInfos))
	for i, info := range s.handlerInfos {
		out[i] = *info
	}
	return out
}
