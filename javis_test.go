package javis

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/javis-ai/javis/config"
	"github.com/javis-ai/javis/rag"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = false
	return cfg
}

func TestNewWiresEngine(t *testing.T) {
	eng, err := New(testConfig(), zap.NewNop(), Options{
		Registerer: prometheus.NewRegistry(),
		Store:      rag.NewMemoryStore(rag.DistanceCosine, 768, zap.NewNop()),
	})
	require.NoError(t, err)
	defer eng.Close()

	assert.NotNil(t, eng.Orchestrator)
	assert.NotNil(t, eng.Ingestor)
	assert.NotNil(t, eng.Store)
	assert.NotNil(t, eng.Sessions)
}

func TestNewRejectsNilConfig(t *testing.T) {
	_, err := New(nil, zap.NewNop(), Options{})
	assert.Error(t, err)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Retrieval.TopK = 0
	_, err := New(cfg, zap.NewNop(), Options{Registerer: prometheus.NewRegistry()})
	assert.Error(t, err)
}

func TestNewRedisUnavailableDegradesGracefully(t *testing.T) {
	cfg := testConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Addr = "127.0.0.1:1"

	eng, err := New(cfg, zap.NewNop(), Options{
		Registerer: prometheus.NewRegistry(),
		Store:      rag.NewMemoryStore(rag.DistanceCosine, 768, zap.NewNop()),
	})
	require.NoError(t, err)
	defer eng.Close()
	assert.NotNil(t, eng.Orchestrator)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(config.LogConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	logger, err = NewLogger(config.LogConfig{Level: "nonsense"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.InfoLevel))
}
