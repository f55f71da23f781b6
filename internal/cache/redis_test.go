package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iiot-gateway/internal/data"
)

func TestRedisCache_MachineRoundTrip(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx := context.Background()

	c, err := NewRedisCache(ctx, srv.Addr(), "", 0, time.Minute)
	require.NoError(t, err)
	defer c.Close()

	_, ok, err := c.GetMachine(ctx, "M-01")
	require.NoError(t, err)
	assert.False(t, ok)

	m := data.Machine{ID: "M-01", Name: "Machine M-01", Status: data.StatusRunning,
		UpdatedAt: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	require.NoError(t, c.SetMachine(ctx, m))

	got, ok, err := c.GetMachine(ctx, "M-01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, data.StatusRunning, got.Status)
	assert.True(t, got.UpdatedAt.Equal(m.UpdatedAt))

	srv.FastForward(2 * time.Minute)
	_, ok, err = c.GetMachine(ctx, "M-01")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewRedisCache_Unreachable(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	_, err := NewRedisCache(context.Background(), addr, "", 0, time.Minute)
	assert.Error(t, err)
}
