// Package flowrpc runs request/reply RPC over fire-and-forget pub/sub.
// A Client publishes requests tagged with a correlation id and a reply topic;
// a Server consumes a request subscription, dispatches each request to the
// handler registered for its pattern and publishes every value the handler
// produces back to the caller, in sequence, ending with a disposed reply.
//
// The broker is pluggable. The in-memory backend (NewMemoryBackend) emulates
// topics, filtered subscriptions, ordering keys and ack/nack in-process and is
// what the tests run on. OpenBroker selects a backend from BrokerConfig, which
// reaches every watermill transport flowrpc ships with (Kafka, RabbitMQ,
// AWS SNS/SQS, NATS, NATS JetStream, HTTP and Go channels).
//
// # Calling
//
// Call and Stream send a request and decode the reply values. Send returns
// the raw terminal Reply; Publish takes a Callback and returns a dispose
// function for callers that manage replies themselves; Emit publishes an
// event that is never answered. Timeouts come from the request envelope, the
// context deadline or ClientConfig.DefaultTimeout, and surface as
// ErrRequestTimeout. Errors reported by the server arrive as *RemoteError and
// match the sentinel for their code with errors.Is.
//
// # Serving
//
// Server.Handle and Server.HandleEvent register handlers. A handler may
// return a single value, a channel, an iter.Seq or iter.Seq2 (see Values) to
// stream several replies. Typed, TypedStream and TypedEvent decode the
// request body into a concrete type first. Requests whose timeout already
// elapsed are answered with a timeout error without running the handler.
// ServerConfig.AckMode decides whether a request is acked on receipt, after
// its replies were published, or by the handler itself.
//
// # Middleware
//
// The handler chain defaults to request logging and tracing; metrics and a
// handler timeout join when enabled. JobHooksMiddleware adds OnJobStart,
// OnJobDone and OnJobError callbacks; LoggingHooks, MetricsHooks and
// AlertingHooks cover the common cases and merge with JobHooks.Merge.
//
// # Observability
//
// NewMetrics registers Prometheus collectors for both sides. With
// ServerConfig.MetricsEnabled the server serves /metrics and a JSON handler
// overview on /api/handlers. Trace context travels in message attributes
// through the configured OpenTelemetry propagator.
package flowrpc
