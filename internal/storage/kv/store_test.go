package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestEngine 创建内存引擎
func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

// TestStore_PutGetDelete 测试基础读写删
func TestStore_PutGetDelete(t *testing.T) {
	store := New(newTestEngine(t), []byte("t/"))

	require.NoError(t, store.Put([]byte("k1"), []byte("v1")))

	got, err := store.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	has, err := store.Has([]byte("k1"))
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, store.Delete([]byte("k1")))
	_, err = store.Get([]byte("k1"))
	assert.ErrorIs(t, err, ErrNotFound)

	t.Log("✅ 基础读写删正确")
}

// TestStore_PrefixIsolation 测试前缀隔离
func TestStore_PrefixIsolation(t *testing.T) {
	engine := newTestEngine(t)
	a := New(engine, []byte("a/"))
	b := New(engine, []byte("b/"))

	require.NoError(t, a.Put([]byte("k"), []byte("from-a")))
	require.NoError(t, b.Put([]byte("k"), []byte("from-b")))

	got, err := a.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("from-a"), got)

	got, err = b.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("from-b"), got)

	t.Log("✅ 不同前缀互不干扰")
}

// TestStore_PrefixScan 测试前缀遍历
func TestStore_PrefixScan(t *testing.T) {
	store := New(newTestEngine(t), []byte("t/"))

	require.NoError(t, store.Put([]byte("p/1"), []byte("a")))
	require.NoError(t, store.Put([]byte("p/2"), []byte("b")))
	require.NoError(t, store.Put([]byte("q/1"), []byte("c")))

	seen := make(map[string]string)
	err := store.PrefixScan([]byte("p/"), func(key, value []byte) bool {
		seen[string(key)] = string(value)
		return true
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"p/1": "a", "p/2": "b"}, seen)

	t.Log("✅ 前缀遍历只命中子前缀且键不含存储前缀")
}

// TestStore_PrefixScanEarlyStop 测试遍历提前终止
func TestStore_PrefixScanEarlyStop(t *testing.T) {
	store := New(newTestEngine(t), []byte("t/"))

	for _, k := range []string{"x/1", "x/2", "x/3"} {
		require.NoError(t, store.Put([]byte(k), []byte("v")))
	}

	count := 0
	err := store.PrefixScan([]byte("x/"), func(_, _ []byte) bool {
		count++
		return false
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	t.Log("✅ 回调返回 false 即终止遍历")
}
