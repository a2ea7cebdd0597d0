// 文件: pkg/oracle/service_test.go
// 预言机聚合测试

package oracle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	btc       = "BTC"
	precision = int64(100_000_000)
)

func newTestService(clock *int64) *Service {
	s := NewService()
	s.now = func() int64 { return *clock }
	return s
}

func TestMedianAcrossSources(t *testing.T) {
	clock := int64(1_000_000)
	s := newTestService(&clock)
	s.SetSpreadBps(btc, 0)

	require.NoError(t, s.UpdateQuote(btc, "binance", 50_000*precision))
	require.NoError(t, s.UpdateQuote(btc, "okx", 50_100*precision))
	require.NoError(t, s.UpdateQuote(btc, "bybit", 49_000*precision))

	// 奇数来源取中位数, 极端报价 (49000) 不影响结果
	assert.Equal(t, int64(50_000*precision), s.IndexPrice(btc))

	// 偶数来源取中间两个的均值
	require.NoError(t, s.UpdateQuote(btc, "huobi", 50_200*precision))
	assert.Equal(t, int64(50_050*precision), s.IndexPrice(btc))
}

func TestSpreadBias(t *testing.T) {
	clock := int64(1_000_000)
	s := newTestService(&clock)
	s.SetSpreadBps(btc, 10) // 10bps

	require.NoError(t, s.UpdateQuote(btc, "binance", 50_000*precision))

	max, err := s.GetPrice(btc, true, true)
	require.NoError(t, err)
	min, err := s.GetPrice(btc, false, true)
	require.NoError(t, err)

	// 50000 × 1.001 / 0.999
	assert.Equal(t, int64(50_050*precision), max)
	assert.Equal(t, int64(49_950*precision), min)
	assert.Greater(t, max, min)
}

func TestStaleQuotesExcluded(t *testing.T) {
	clock := int64(1_000_000)
	s := newTestService(&clock)
	s.SetSpreadBps(btc, 0)
	s.SetStaleness(30 * time.Second)

	require.NoError(t, s.UpdateQuote(btc, "binance", 50_000*precision))

	// 31 秒后报价过期
	clock += 31_000
	_, err := s.GetPrice(btc, true, true)
	assert.ErrorIs(t, err, ErrNoPrice)

	// requireFresh=false 退化为忽略时效
	price, err := s.GetPrice(btc, true, false)
	require.NoError(t, err)
	assert.Equal(t, int64(50_000*precision), price)

	// 新报价进来后恢复
	require.NoError(t, s.UpdateQuote(btc, "okx", 51_000*precision))
	price, err = s.GetPrice(btc, true, true)
	require.NoError(t, err)
	assert.Equal(t, int64(51_000*precision), price)
}

func TestRejectsNonPositiveQuote(t *testing.T) {
	clock := int64(1_000_000)
	s := newTestService(&clock)

	assert.ErrorIs(t, s.UpdateQuote(btc, "binance", 0), ErrInvalidPrice)
	assert.ErrorIs(t, s.UpdateQuote(btc, "binance", -1), ErrInvalidPrice)

	_, err := s.GetPrice(btc, true, true)
	assert.ErrorIs(t, err, ErrNoPrice)
}
