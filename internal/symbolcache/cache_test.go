package symbolcache

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perp-maker-go/order"
)

func btc() order.SymbolConstraints {
	return order.SymbolConstraints{
		Symbol:        "BTCUSDT",
		PriceDecimals: 1,
		QtyDecimals:   3,
		MinQty:        decimal.RequireFromString("0.001"),
		MaxQty:        decimal.RequireFromString("100"),
		MakerFeeRate:  decimal.RequireFromString("0.0002"),
	}
}

func TestOpenMissingFileIsEmpty(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "nope", "symbols.json"))
	require.NoError(t, err)
	assert.Empty(t, c.Symbols())
}

func TestPutPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "symbols.json")
	c, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, c.Put("btcusdt", btc()))

	reloaded, err := Open(path)
	require.NoError(t, err)
	got, ok := reloaded.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, int32(1), got.PriceDecimals)
	assert.True(t, got.MakerFeeRate.Equal(btc().MakerFeeRate))
	assert.Equal(t, []string{"BTCUSDT"}, reloaded.Symbols())
}

func TestOpenCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "symbols.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := Open(path)
	assert.Error(t, err)
}

func TestConcurrentPut(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "symbols.json"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, sym := range []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT"} {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			v := btc()
			v.Symbol = sym
			assert.NoError(t, c.Put(sym, v))
			_, ok := c.Get(sym)
			assert.True(t, ok)
		}(sym)
	}
	wg.Wait()
	assert.Len(t, c.Symbols(), 4)
}

func TestMemoryOnly(t *testing.T) {
	c, err := Open("")
	require.NoError(t, err)
	require.NoError(t, c.Put("BTCUSDT", btc()))
	_, ok := c.Get("btcusdt")
	assert.True(t, ok)
}
