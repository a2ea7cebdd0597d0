// 文件: pkg/vault/risk_test.go
// 风险评估器测试

package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPosition(size, collateral, avgPrice int64, isLong bool) *Position {
	return &Position{
		Key:               PositionKey(testAccount, usdc, btc, isLong),
		Account:           testAccount,
		CollateralToken:   usdc,
		IndexToken:        btc,
		IsLong:            isLong,
		Size:              size,
		Collateral:        collateral,
		AveragePrice:      avgPrice,
		LastIncreasedTime: startTime,
	}
}

func testRiskParams() RiskParams {
	return RiskParams{
		MaxLeverage:  50 * BasisPointsDivisor,
		MarginFeeBps: 10,
	}
}

// =============================================================================
// 未实现盈亏
// =============================================================================

func TestUnrealizedDeltaLongAndShort(t *testing.T) {
	long := testPosition(5_000*Precision, 995*Precision, 50_000*Precision, true)

	// 多头: 涨价盈利
	delta, hasProfit, err := UnrealizedDelta(long, 55_000*Precision, 0, 0, startTime+1)
	require.NoError(t, err)
	assert.True(t, hasProfit)
	assert.Equal(t, int64(500*Precision), delta)

	// 多头: 跌价亏损
	delta, hasProfit, err = UnrealizedDelta(long, 45_000*Precision, 0, 0, startTime+1)
	require.NoError(t, err)
	assert.False(t, hasProfit)
	assert.Equal(t, int64(500*Precision), delta)

	// 空头方向相反
	short := testPosition(5_000*Precision, 995*Precision, 50_000*Precision, false)
	delta, hasProfit, err = UnrealizedDelta(short, 45_000*Precision, 0, 0, startTime+1)
	require.NoError(t, err)
	assert.True(t, hasProfit)
	assert.Equal(t, int64(500*Precision), delta)
}

func TestUnrealizedDeltaMinProfitSuppression(t *testing.T) {
	pos := testPosition(5_000*Precision, 995*Precision, 50_000*Precision, true)

	const (
		minProfitTime = int64(60_000) // 1 分钟
		minProfitBps  = int64(100)    // 1% → 阈值 50 USD
	)

	// 年轻仓位 + 小额盈利 (25 USD < 50): 抑制为 0
	delta, hasProfit, err := UnrealizedDelta(pos, 50_250*Precision, minProfitTime, minProfitBps, startTime+1_000)
	require.NoError(t, err)
	assert.True(t, hasProfit)
	assert.Equal(t, int64(0), delta)

	// 同样的盈利, 仓位够老: 不抑制
	delta, _, err = UnrealizedDelta(pos, 50_250*Precision, minProfitTime, minProfitBps, startTime+61_000)
	require.NoError(t, err)
	assert.Equal(t, int64(25*Precision), delta)

	// 大额盈利 (500 USD > 50): 年轻也不抑制
	delta, _, err = UnrealizedDelta(pos, 55_000*Precision, minProfitTime, minProfitBps, startTime+1_000)
	require.NoError(t, err)
	assert.Equal(t, int64(500*Precision), delta)

	// 亏损永远不被抑制
	delta, hasProfit, err = UnrealizedDelta(pos, 49_750*Precision, minProfitTime, minProfitBps, startTime+1_000)
	require.NoError(t, err)
	assert.False(t, hasProfit)
	assert.Equal(t, int64(25*Precision), delta)
}

func TestUnrealizedDeltaEmptyPosition(t *testing.T) {
	pos := testPosition(0, 0, 0, true)
	delta, hasProfit, err := UnrealizedDelta(pos, 50_000*Precision, 0, 0, startTime)
	require.NoError(t, err)
	assert.Equal(t, int64(0), delta)
	assert.False(t, hasProfit)
}

// =============================================================================
// 判定顺序与边界
// =============================================================================

func TestEvaluateRiskHealthy(t *testing.T) {
	pos := testPosition(5_000*Precision, 995*Precision, 50_000*Precision, true)

	res, err := EvaluateRisk(pos, testRiskParams(), 50_000*Precision, 0, startTime+1)
	require.NoError(t, err)
	assert.Equal(t, RiskHealthy, res.Status)
	assert.Equal(t, int64(995*Precision), res.RemainingCollateral)
	assert.Equal(t, int64(5*Precision), res.MarginFees)
}

func TestEvaluateRiskLossExceedsCollateral(t *testing.T) {
	pos := testPosition(5_000*Precision, 995*Precision, 50_000*Precision, true)

	// 亏损 1100 > 抵押 995
	res, err := EvaluateRisk(pos, testRiskParams(), 39_000*Precision, 0, startTime+1)
	require.NoError(t, err)
	assert.Equal(t, RiskLossExceedsCollateral, res.Status)
	assert.Equal(t, int64(0), res.RemainingCollateral)
	assert.Equal(t, int64(-1_100*Precision), res.SignedDelta())
}

func TestEvaluateRiskFeesExceedCollateral(t *testing.T) {
	pos := testPosition(5_000*Precision, 995*Precision, 50_000*Precision, true)

	// 亏损 994, 剩余 1 < 费用 5
	res, err := EvaluateRisk(pos, testRiskParams(), 40_060*Precision, 0, startTime+1)
	require.NoError(t, err)
	assert.Equal(t, RiskFeesExceedCollateral, res.Status)
	assert.Equal(t, int64(1*Precision), res.RemainingCollateral)
}

func TestEvaluateRiskLeverageBoundary(t *testing.T) {
	params := testRiskParams()

	// remaining × 50 == size: 恰好打满杠杆, 等号落在健康一侧
	pos := testPosition(5_000*Precision, 100*Precision, 50_000*Precision, true)
	res, err := EvaluateRisk(pos, params, 50_000*Precision, 0, startTime+1)
	require.NoError(t, err)
	assert.Equal(t, RiskHealthy, res.Status)

	// 少 1 个最小单位翻转为超限
	pos = testPosition(5_000*Precision, 100*Precision-1, 50_000*Precision, true)
	res, err = EvaluateRisk(pos, params, 50_000*Precision, 0, startTime+1)
	require.NoError(t, err)
	assert.Equal(t, RiskLeverageExceeded, res.Status)
}

func TestEvaluateRiskIncludesFundingFee(t *testing.T) {
	pos := testPosition(5_000*Precision, 6*Precision, 50_000*Precision, true)
	pos.EntryFundingIndex = 0

	// 资金费 5000×400/1e6 = 2, 保证金费 5, 合计 7 > 抵押 6
	res, err := EvaluateRisk(pos, testRiskParams(), 50_000*Precision, 400, startTime+1)
	require.NoError(t, err)
	assert.Equal(t, int64(7*Precision), res.MarginFees)
	assert.Equal(t, RiskFeesExceedCollateral, res.Status)
}

func TestEvaluateRiskProfitNeverLiquidatable(t *testing.T) {
	// 大幅盈利的仓位即使抵押很薄也健康 (抵押不被亏损侵蚀)
	pos := testPosition(5_000*Precision, 110*Precision, 50_000*Precision, true)
	res, err := EvaluateRisk(pos, testRiskParams(), 60_000*Precision, 0, startTime+1)
	require.NoError(t, err)
	assert.Equal(t, RiskHealthy, res.Status)
	assert.True(t, res.HasProfit)
}
