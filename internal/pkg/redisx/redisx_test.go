package redisx

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/email-validator/internal/config"
)

func TestOpen(t *testing.T) {
	mr := miniredis.RunT(t)

	for _, url := range []string{mr.Addr(), "redis://" + mr.Addr() + "/0"} {
		client, err := Open(context.Background(), config.RedisConfig{URL: url})
		require.NoError(t, err, url)
		assert.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
		require.NoError(t, client.Close())
	}
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(context.Background(), config.RedisConfig{})
	assert.Error(t, err)

	_, err = Open(context.Background(), config.RedisConfig{URL: "redis://:bad:url:/x"})
	assert.Error(t, err)

	_, err = Open(context.Background(), config.RedisConfig{URL: "127.0.0.1:1"})
	assert.ErrorContains(t, err, "redis connection failed")
}
