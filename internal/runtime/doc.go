/*
Package runtime provides the request/reply engine of flowrpc.

# Architecture Overview

The runtime package implements RPC over fire-and-forget pub/sub. A Client
publishes requests tagged with a correlation id and consumes replies from its
own reply topic; a Server consumes the request subscription, dispatches to
handlers by pattern and publishes each handler result back to the caller's
reply topic. Both sides talk to the broker through the broker package, so the
same engine runs on the in-memory emulator and on any watermill transport.

# Package Structure

## Calling side (client*.go, routing.go)

  - client.go: lifecycle (Connect, Close) and reply topic provisioning
  - client_publish.go: Publish, Emit, request timeouts and ordering-key resume
  - client_reply.go: HandleResponse and the reply consumer
  - client_sync.go: Send, Stream and the generic Call helper
  - routing.go: the routing table and per-request reply sequencing

## Serving side (server*.go)

  - server.go: lifecycle (Listen, Run, Close) and handler registration
  - server_dispatch.go: HandleMessage, staleness checks, ack modes, streaming
  - server_reply.go: reply publishing and reply topic flushing

## Middleware (middleware.go, hooks.go)

The handler chain provides composable invocation stages:
  - LogRequests: Debug logging of request metadata
  - Tracer: span attributes for the handler span
  - Metrics: /metrics endpoint
  - Timeout: handler execution bound
  - JobHooks: user callbacks around handler execution

## Stats & Monitoring (metrics.go, stats.go, http.go, tracing.go)

Prometheus collectors for both sides, per-pattern handler statistics (latency
percentiles, throughput, error categories, resource usage) served as JSON on
/api/handlers, and OpenTelemetry context propagation over message attributes.

# Sub-packages

  - codec/: payload codecs and the request/reply wire framing
  - config/: client and server configuration with validation
  - envelope/: request envelopes with attributes, ordering key and timeout
  - errors/: sentinel errors and wire error types
  - handlers/: handler registry, request context and result normalization
  - ids/: correlation and instance ids
  - jsoncodec/: JSON marshaling utilities
  - logging/: logger interface and adapters
  - metadata/: reserved attribute keys and protocol headers
  - naming/: scoped and per-instance resource names
  - provision/: idempotent topic and subscription creation

# Usage Example

	conf := config.DefaultServerConfig()
	srv, err := runtime.NewServer(&conf, memory.Default.Connect(), logger, runtime.ServerDependencies{})
	if err != nil {
		return err
	}
	_ = srv.Handle("sum", func(ctx context.Context, req *handlers.Request) (any, error) {
		var nums []int
		if err := req.Decode(&nums); err != nil {
			return nil, err
		}
		total := 0
		for _, n := range nums {
			total += n
		}
		return total, nil
	})
	return srv.Run(ctx)
*/
package runtime
