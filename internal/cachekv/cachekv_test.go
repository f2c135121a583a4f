package cachekv

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Value string `json:"value"`
}

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "kv"))
	require.NoError(t, err)
	return store
}

func TestFileStore_SetThenGet_Hit(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Set("filing_summary_AAPL_10-K_2024-01-02", payload{Value: "hello"}))

	var out payload
	hit, empty, err := store.Get("filing_summary_AAPL_10-K_2024-01-02", time.Hour, &out)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.False(t, empty)
	assert.Equal(t, "hello", out.Value)
}

func TestFileStore_Get_MissingKey(t *testing.T) {
	store := newTestStore(t)
	var out payload
	hit, empty, err := store.Get("nonexistent", time.Hour, &out)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.False(t, empty)
}

func TestFileStore_Get_StaleEntry(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Set("k", payload{Value: "x"}))

	var out payload
	hit, _, err := store.Get("k", -time.Second, &out)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestFileStore_SetEmpty_RecordsSentinel(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SetEmpty("missing_filing_AAPL_8-K"))

	var out payload
	hit, empty, err := store.Get("missing_filing_AAPL_8-K", time.Hour, &out)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.True(t, empty)
}

func TestFileStore_Set_OverwritesAtomically(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Set("k", payload{Value: "first"}))
	require.NoError(t, store.Set("k", payload{Value: "second"}))

	var out payload
	hit, _, err := store.Get("k", time.Hour, &out)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, "second", out.Value)
}

func TestFileStore_ClearForTicker_RemovesMatchingKeysOnly(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Set("filing_summary_AAPL_10-K_2024-01-02", payload{Value: "a"}))
	require.NoError(t, store.Set("filing_summary_AAPL_10-Q_2024-04-01", payload{Value: "b"}))
	require.NoError(t, store.Set("filing_summary_MSFT_10-K_2024-01-02", payload{Value: "c"}))

	cleared, err := store.ClearForTicker("AAPL", "")
	require.NoError(t, err)
	assert.Equal(t, 2, cleared)

	var out payload
	hit, _, err := store.Get("filing_summary_MSFT_10-K_2024-01-02", time.Hour, &out)
	require.NoError(t, err)
	assert.True(t, hit, "unrelated ticker must survive prefix clear")
}

func TestFileStore_ClearForTicker_IsIdempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Set("filing_summary_AAPL_10-K_2024-01-02", payload{Value: "a"}))

	first, err := store.ClearForTicker("AAPL", "")
	require.NoError(t, err)
	assert.Equal(t, 1, first)

	second, err := store.ClearForTicker("AAPL", "")
	require.NoError(t, err)
	assert.Equal(t, 0, second)
}

func TestFileStore_ClearForTicker_ConstrainedByDate(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Set("filing_summary_AAPL_10-K_2024-01-02", payload{Value: "a"}))
	require.NoError(t, store.Set("filing_summary_AAPL_10-Q_2024-04-01", payload{Value: "b"}))

	cleared, err := store.ClearForTicker("AAPL", "2024-01-02")
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)
}

func TestMemoryStore_MatchesFileStoreSemantics(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Set("k", payload{Value: "v"}))

	var out payload
	hit, empty, err := store.Get("k", time.Hour, &out)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.False(t, empty)
	assert.Equal(t, "v", out.Value)

	require.NoError(t, store.SetEmpty("absent"))
	hit, empty, err = store.Get("absent", time.Hour, &out)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.True(t, empty)
}
