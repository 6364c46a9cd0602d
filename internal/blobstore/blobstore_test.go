package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipline/internal/config"
)

func TestArchiveKey(t *testing.T) {
	assert.Equal(t, "ci-logs/p1/42.zip", ArchiveKey("p1", 42))
}

func TestNewWithoutEndpointDiscards(t *testing.T) {
	store, err := New(config.StorageConfig{ArchiveBucket: "logs"}, nil)
	require.NoError(t, err)
	require.IsType(t, Discard{}, store)

	key, err := store.PutArchive(context.Background(), "p1", 1, []byte("zip"))
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestNewWithEndpointBuildsClient(t *testing.T) {
	store, err := New(config.StorageConfig{Endpoint: "127.0.0.1:9000", AccessKey: "ak", SecretKey: "sk", ArchiveBucket: "logs"}, nil)
	require.NoError(t, err)
	s, ok := store.(*Store)
	require.True(t, ok)
	assert.Equal(t, "logs", s.bucket)
}
