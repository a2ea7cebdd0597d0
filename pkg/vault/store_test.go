// 文件: pkg/vault/store_test.go
// 仓位 arena 测试 - 聚合不变量

package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreAggregateTracksCommits(t *testing.T) {
	store := newPositionStore()

	long := testPosition(5_000*Precision, 995*Precision, 50_000*Precision, true)
	store.commit(long.Key, nil, long)
	assert.Equal(t, int64(5_000*Precision), store.globalSize(btc, true))

	// 加仓
	bigger := long.Clone()
	bigger.Size = 8_000 * Precision
	store.commit(long.Key, long, bigger)
	assert.Equal(t, int64(8_000*Precision), store.globalSize(btc, true))

	// 平仓: size=0 清除记录且聚合归零
	closed := bigger.Clone()
	closed.Size = 0
	store.commit(long.Key, bigger, closed)
	assert.Equal(t, int64(0), store.globalSize(btc, true))
	assert.False(t, store.exists(long.Key))
	assert.Equal(t, 0, store.count())
}

func TestStoreGetReturnsClone(t *testing.T) {
	store := newPositionStore()
	pos := testPosition(5_000*Precision, 995*Precision, 50_000*Precision, true)
	store.commit(pos.Key, nil, pos)

	got, ok := store.get(pos.Key)
	require.True(t, ok)
	got.Size = 1 // 改克隆不影响 arena

	again, _ := store.get(pos.Key)
	assert.Equal(t, int64(5_000*Precision), again.Size)
}

func TestStoreLoadRebuildsAggregates(t *testing.T) {
	store := newPositionStore()

	long := testPosition(5_000*Precision, 995*Precision, 50_000*Precision, true)
	short := testPosition(2_000*Precision, 500*Precision, 50_000*Precision, false)
	empty := testPosition(0, 0, 0, true)
	empty.Key = "stale-key"

	store.load([]*Position{long, short, empty})

	assert.Equal(t, 2, store.count()) // size=0 的记录跳过
	assert.Equal(t, int64(5_000*Precision), store.globalSize(btc, true))
	assert.Equal(t, int64(2_000*Precision), store.globalSize(btc, false))
}

func TestPositionKeyDistinguishesDirection(t *testing.T) {
	longKey := PositionKey(testAccount, usdc, btc, true)
	shortKey := PositionKey(testAccount, usdc, btc, false)
	assert.NotEqual(t, longKey, shortKey)
	assert.Len(t, longKey, 64) // SHA-256 hex

	// 确定性
	assert.Equal(t, longKey, PositionKey(testAccount, usdc, btc, true))
}
