package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRoutesBySymbol(t *testing.T) {
	registry := NewRegistry()
	btc := newTestEngine(t, EngineConfig{Symbol: "BTCUSDT"})
	eth := newTestEngine(t, EngineConfig{Symbol: "ETHUSDT"})
	registry.Add("BTCUSDT", btc)
	registry.Add("ETHUSDT", eth)

	registry.OnTrade("BTCUSDT", trade(1_000, 65_000, 0.5, false))
	registry.OnTrade("BTCUSDT", trade(2_000, 65_001, 0.5, false))
	registry.OnDepth("ETHUSDT", book(1_000, levels(3_000, 10), levels(3_001, 10)))

	assert.Equal(t, int64(2), btc.Stats().TradesProcessed)
	assert.Zero(t, btc.Stats().SnapshotsProcessed)
	assert.Zero(t, eth.Stats().TradesProcessed)
	assert.Equal(t, int64(1), eth.Stats().SnapshotsProcessed)
}

func TestRegistryDropsUnknownSymbol(t *testing.T) {
	registry := NewRegistry()
	engine := newTestEngine(t, EngineConfig{Symbol: "BTCUSDT"})
	registry.Add("BTCUSDT", engine)

	require.NotPanics(t, func() {
		registry.OnTrade("DOGEUSDT", trade(1_000, 0.1, 100, false))
		registry.OnDepth("DOGEUSDT", book(1_000, levels(0.1, 100), levels(0.11, 100)))
	})
	assert.Zero(t, engine.Stats().TradesProcessed)
}

func TestRegistryGet(t *testing.T) {
	registry := NewRegistry()
	engine := newTestEngine(t, EngineConfig{Symbol: "BTCUSDT"})
	registry.Add("BTCUSDT", engine)

	assert.Same(t, engine, registry.Get("BTCUSDT"))
	assert.Nil(t, registry.Get("ETHUSDT"))

	registry.Remove("BTCUSDT")
	assert.Nil(t, registry.Get("BTCUSDT"))
}

func TestRegistrySymbolsAndEach(t *testing.T) {
	registry := NewRegistry()
	registry.Add("BTCUSDT", newTestEngine(t, EngineConfig{Symbol: "BTCUSDT"}))
	registry.Add("ETHUSDT", newTestEngine(t, EngineConfig{Symbol: "ETHUSDT"}))

	assert.ElementsMatch(t, []string{"BTCUSDT", "ETHUSDT"}, registry.Symbols())

	visited := make(map[string]bool)
	registry.Each(func(symbol string, engine *Engine) {
		visited[symbol] = engine != nil
	})
	assert.Equal(t, map[string]bool{"BTCUSDT": true, "ETHUSDT": true}, visited)
}
