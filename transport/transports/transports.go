// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/flowrpc/transport/aws"
	_ "github.com/drblury/flowrpc/transport/channel"
	_ "github.com/drblury/flowrpc/transport/http"
	_ "github.com/drblury/flowrpc/transport/jetstream"
	_ "github.com/drblury/flowrpc/transport/kafka"
	_ "github.com/drblury/flowrpc/transport/nats"
	_ "github.com/drblury/flowrpc/transport/rabbitmq"
)
