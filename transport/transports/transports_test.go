package transports_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/flowrpc/transport"
	_ "github.com/drblury/flowrpc/transport/transports"
)

func TestBuiltinTransportsRegistered(t *testing.T) {
	names := transport.DefaultRegistry.Names()
	for _, name := range []string{"aws", "channel", "http", "kafka", "nats", "nats-jetstream", "rabbitmq"} {
		assert.Contains(t, names, name)
	}
}
