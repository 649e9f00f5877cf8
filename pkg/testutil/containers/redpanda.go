//go:build integration

package containers

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/redpanda"
)

// RedpandaContainer wraps a Kafka-compatible Redpanda broker.
type RedpandaContainer struct {
	Container testcontainers.Container
	Brokers   []string
}

// NewRedpandaContainer starts a single-node Redpanda broker.
func NewRedpandaContainer(t *testing.T) *RedpandaContainer {
	t.Helper()
	ctx := context.Background()

	container := start(t, "redpanda", func(ctx context.Context) (*redpanda.Container, error) {
		return redpanda.Run(ctx, "docker.redpanda.com/redpandadata/redpanda:v24.2.7",
			redpanda.WithAutoCreateTopics(),
		)
	})

	broker, err := container.KafkaSeedBroker(ctx)
	if err != nil {
		abort(t, container, "redpanda seed broker", err)
	}

	return &RedpandaContainer{
		Container: container,
		Brokers:   []string{broker},
	}
}
