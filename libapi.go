package flowrpc

import (
	"context"
	"iter"

	"github.com/drblury/flowrpc/broker"
	"github.com/drblury/flowrpc/broker/backend"
	"github.com/drblury/flowrpc/broker/memory"
	runtimepkg "github.com/drblury/flowrpc/internal/runtime"
	"github.com/drblury/flowrpc/internal/runtime/codec"
	configpkg "github.com/drblury/flowrpc/internal/runtime/config"
	envelopepkg "github.com/drblury/flowrpc/internal/runtime/envelope"
	errspkg "github.com/drblury/flowrpc/internal/runtime/errors"
	handlerpkg "github.com/drblury/flowrpc/internal/runtime/handlers"
	idspkg "github.com/drblury/flowrpc/internal/runtime/ids"
	jsoncodec "github.com/drblury/flowrpc/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/flowrpc/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowrpc/internal/runtime/metadata"
)

type (
	Client             = runtimepkg.Client
	ClientDependencies = runtimepkg.ClientDependencies
	ClientState        = runtimepkg.ClientState
	Reply              = runtimepkg.Reply
	Callback           = runtimepkg.Callback

	Server             = runtimepkg.Server
	ServerDependencies = runtimepkg.ServerDependencies
	ServerState        = runtimepkg.ServerState

	ClientConfig = configpkg.ClientConfig
	ServerConfig = configpkg.ServerConfig
	BrokerConfig = configpkg.BrokerConfig
	AckMode      = configpkg.AckMode

	Request     = handlerpkg.Request
	HandlerFunc = handlerpkg.HandlerFunc

	TypedHandler[T any, O any]       = handlerpkg.TypedHandler[T, O]
	TypedStreamHandler[T any, O any] = handlerpkg.TypedStreamHandler[T, O]
	TypedEventHandler[T any]         = handlerpkg.TypedEventHandler[T]

	Middleware             = runtimepkg.Middleware
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	Metrics = runtimepkg.Metrics

	HandlerInfo       = runtimepkg.HandlerInfo
	HandlerStats      = runtimepkg.HandlerStats
	ErrorCategory     = runtimepkg.ErrorCategory
	ErrorClassifier   = runtimepkg.ErrorClassifier
	ErrorBreakdown    = runtimepkg.ErrorBreakdown
	LatencyMetrics    = runtimepkg.LatencyMetrics
	ThroughputMetrics = runtimepkg.ThroughputMetrics

	Envelope        = envelopepkg.Envelope
	EnvelopeBuilder = envelopepkg.Builder
	Packet          = codec.Packet
	Codec           = codec.Codec
	RawMessage      = codec.Raw

	Metadata = metadatapkg.Metadata

	ServiceLogger = loggingpkg.ServiceLogger
	LogFields     = loggingpkg.LogFields

	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	RemoteError           = errspkg.RemoteError
	PublishError          = errspkg.PublishError
	ConfigValidationError = errspkg.ConfigValidationError

	Broker        = broker.Broker
	BrokerOpener  = broker.Opener
	MemoryBackend = memory.Backend
)

var (
	NewClient = runtimepkg.NewClient
	NewServer = runtimepkg.NewServer

	DefaultClientConfig = configpkg.DefaultClientConfig
	DefaultServerConfig = configpkg.DefaultServerConfig
	LoadClientConfig    = configpkg.LoadClientConfig
	LoadServerConfig    = configpkg.LoadServerConfig
	ParseClientConfig   = configpkg.ParseClientConfig
	ParseServerConfig   = configpkg.ParseServerConfig

	DefaultMiddlewares    = runtimepkg.DefaultMiddlewares
	LogRequestsMiddleware = runtimepkg.LogRequestsMiddleware
	TracerMiddleware      = runtimepkg.TracerMiddleware
	MetricsMiddleware     = runtimepkg.MetricsMiddleware
	TimeoutMiddleware     = runtimepkg.TimeoutMiddleware
	JobHooksMiddleware    = runtimepkg.JobHooksMiddleware

	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewMetrics = runtimepkg.NewMetrics

	NewEnvelope  = envelopepkg.NewBuilder
	FromEnvelope = envelopepkg.FromEnvelope

	Values = handlerpkg.Values

	NewMetadata = metadatapkg.New

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger

	NewMemoryBackend = memory.NewBackend

	CodecByName = codec.ByName

	CreateULID    = idspkg.CreateULID
	NewInstanceID = idspkg.NewInstanceID

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	ErrMissingData         = errspkg.ErrMissingData
	ErrInvalidTimeout      = errspkg.ErrInvalidTimeout
	ErrResourceMissing     = errspkg.ErrResourceMissing
	ErrChannelNotReady     = errspkg.ErrChannelNotReady
	ErrRequestTimeout      = errspkg.ErrRequestTimeout
	ErrNoHandlerRegistered = errspkg.ErrNoHandlerRegistered
	ErrHandlerFailure      = errspkg.ErrHandlerFailure
	ErrPublishFailure      = errspkg.ErrPublishFailure
	ErrMalformedMessage    = errspkg.ErrMalformedMessage
	ErrClosed              = errspkg.ErrClosed
	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrLoggerRequired      = errspkg.ErrLoggerRequired
	ErrHandlerRequired     = errspkg.ErrHandlerRequired
	ErrPatternRequired     = errspkg.ErrPatternRequired
	ErrDuplicateHandler    = errspkg.ErrDuplicateHandler
	ErrBrokerRequired      = errspkg.ErrBrokerRequired
)

const (
	AckAuto          = configpkg.AckAuto
	AckAfterResponse = configpkg.AckAfterResponse
	AckManual        = configpkg.AckManual

	ErrorCategoryNone       = runtimepkg.ErrorCategoryNone
	ErrorCategoryValidation = runtimepkg.ErrorCategoryValidation
	ErrorCategoryTransport  = runtimepkg.ErrorCategoryTransport
	ErrorCategoryDownstream = runtimepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = runtimepkg.ErrorCategoryOther

	CodeRequestTimeout = errspkg.CodeRequestTimeout
	CodeNoHandler      = errspkg.CodeNoHandler
	CodeHandlerFailure = errspkg.CodeHandlerFailure
	CodeMalformed      = errspkg.CodeMalformed
)

// Call sends a request and decodes the final reply value into O.
func Call[O any](ctx context.Context, c *Client, pattern any, data any) (O, error) {
	return runtimepkg.Call[O](ctx, c, pattern, data)
}

// Stream sends a request and yields every reply value decoded into O.
func Stream[O any](ctx context.Context, c *Client, pattern any, data any) iter.Seq2[O, error] {
	return func(yield func(O, error) bool) {
		for r, err := range c.Stream(ctx, pattern, data) {
			var out O
			if err == nil {
				err = r.Decode(&out)
			}
			if !yield(out, err) || err != nil {
				return
			}
		}
	}
}

func Typed[T any, O any](handler TypedHandler[T, O]) (HandlerFunc, error) {
	return handlerpkg.Typed(handler)
}

func TypedStream[T any, O any](handler TypedStreamHandler[T, O]) (HandlerFunc, error) {
	return handlerpkg.TypedStream(handler)
}

func TypedEvent[T any](handler TypedEventHandler[T]) (HandlerFunc, error) {
	return handlerpkg.TypedEvent(handler)
}

// Handle registers a typed request handler on srv.
func Handle[T any, O any](srv *Server, pattern any, handler TypedHandler[T, O]) error {
	h, err := Typed(handler)
	if err != nil {
		return err
	}
	return srv.Handle(pattern, h)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}

// OpenBroker connects to the backend named by conf.PubSubSystem. An empty
// name selects the process-wide in-memory backend.
func OpenBroker(ctx context.Context, conf *BrokerConfig, logger ServiceLogger) (Broker, error) {
	if conf == nil {
		return nil, ErrConfigRequired
	}
	if logger == nil {
		logger = NewNopServiceLogger()
	}
	return backend.Open(ctx, conf, loggingpkg.NewWatermillAdapter(logger))
}
