//go:build integration

package containers

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
)

// start runs a backend image and fails t if it does not come up.
func start[C testcontainers.Container](t *testing.T, backend string, run func(ctx context.Context) (C, error)) C {
	t.Helper()
	c, err := run(context.Background())
	if err != nil {
		t.Fatalf("failed to start %s container: %v", backend, err)
	}
	return c
}

// abort terminates a container whose setup failed after start and fails t.
func abort(t *testing.T, c testcontainers.Container, step string, err error) {
	t.Helper()
	_ = c.Terminate(context.Background())
	t.Fatalf("%s: %v", step, err)
}
