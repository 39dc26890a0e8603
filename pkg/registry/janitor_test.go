package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediagrid/dispatch/pkg/registry"
)

func TestNewJanitor_RejectsBadExpression(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := registry.NewJanitor(reg, "not a cron")
	assert.Error(t, err)

	_, err = registry.NewJanitor(reg, "0 3 * * *")
	assert.NoError(t, err)
}

func TestJanitor_StartStop(t *testing.T) {
	reg, _ := newTestRegistry(t)

	j, err := registry.NewJanitor(reg, "* * * * *",
		registry.WithJobLifetime(time.Hour))
	require.NoError(t, err)

	j.Start(context.Background())
	j.Start(context.Background()) // second start is a no-op
	j.Stop()
	j.Stop() // second stop is safe
}
