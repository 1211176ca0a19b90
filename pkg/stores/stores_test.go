package stores

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLocal(t *testing.T) {
	bundle, err := New(Config{Mode: ModeLocal, DataDir: t.TempDir()})
	require.NoError(t, err)

	assert.NotNil(t, bundle.Session)
	assert.NotNil(t, bundle.Vector)
	assert.NotNil(t, bundle.Document)
	assert.NotNil(t, bundle.Graph)

	assert.NoError(t, bundle.Close())
}

func TestNewDefaultsToLocal(t *testing.T) {
	bundle, err := New(Config{DataDir: t.TempDir()})
	require.NoError(t, err)

	assert.NotNil(t, bundle.Vector)
	assert.NoError(t, bundle.Close())
}

func TestNewProduction(t *testing.T) {
	bundle, err := New(Config{
		Mode:           ModeProduction,
		DataDir:        t.TempDir(),
		QdrantEndpoint: "http://localhost:6333",
		Neo4jEndpoint:  "http://localhost:7474",
	})
	require.NoError(t, err)

	assert.NotNil(t, bundle.Vector)
	assert.NotNil(t, bundle.Graph)
	assert.NoError(t, bundle.Close())
}

func TestNewUnknownMode(t *testing.T) {
	_, err := New(Config{Mode: "galactic", DataDir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage mode")
}
