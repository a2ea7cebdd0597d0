// 文件: pkg/vault/risk.go
// 风险评估器
//
// 【设计】
// 纯函数: 输入仓位快照 + 配置 + 标记价格，输出风险判定。
// 不读不写任何共享状态，账本用它做两件事:
// 1. raise 模式: 开/减仓后校验，任何非健康状态让整个调用回滚
// 2. 非 raise 模式: 强平入口用判定结果选择三种强平路径之一

package vault

import (
	"perpx.com/pkg/safemath"
)

// =============================================================================
// 判定结果
// =============================================================================

// RiskStatus 仓位风险状态
type RiskStatus int8

const (
	// RiskHealthy 健康，不可强平
	RiskHealthy RiskStatus = iota

	// RiskLossExceedsCollateral 亏损超过抵押 (穿仓)
	// 强平路径: 零抵押强制全平
	RiskLossExceedsCollateral

	// RiskFeesExceedCollateral 扣完亏损后剩余抵押付不起费用
	// 强平路径: 剩余抵押全部作为费用归集并平仓
	RiskFeesExceedCollateral

	// RiskLeverageExceeded 杠杆超限
	// 强平路径: 标准全量减仓
	RiskLeverageExceeded
)

func (s RiskStatus) String() string {
	switch s {
	case RiskHealthy:
		return "HEALTHY"
	case RiskLossExceedsCollateral:
		return "LOSS_EXCEEDS_COLLATERAL"
	case RiskFeesExceedCollateral:
		return "FEES_EXCEED_COLLATERAL"
	case RiskLeverageExceeded:
		return "LEVERAGE_EXCEEDED"
	}
	return "UNKNOWN"
}

// RiskResult 风险评估结果
type RiskResult struct {
	Status RiskStatus

	// Delta 未实现盈亏绝对值 (USD 定点), HasProfit 标记方向
	Delta     int64
	HasProfit bool

	// MarginFees 全仓位的资金费 + 保证金手续费
	MarginFees int64

	// RemainingCollateral 扣除亏损后的剩余抵押 (强平路径用)
	RemainingCollateral int64
}

// SignedDelta 有符号未实现盈亏
func (r RiskResult) SignedDelta() int64 {
	if r.HasProfit {
		return r.Delta
	}
	return -r.Delta
}

// =============================================================================
// 未实现盈亏
// =============================================================================

// UnrealizedDelta 计算未实现盈亏
//
// delta = size × |averagePrice - markPrice| / averagePrice
// 多头在 markPrice > averagePrice 时盈利，空头相反。
//
// 【反操纵保护】
// 仓位年龄 <= minProfitTime 且盈利低于 size 的 minProfitBps 万分比时,
// 盈利被抑制为 0。亏损永远不被抑制。
func UnrealizedDelta(pos *Position, markPrice, minProfitTime, minProfitBps, now int64) (delta int64, hasProfit bool, err error) {
	if pos.Size == 0 || pos.AveragePrice == 0 {
		return 0, false, nil
	}

	priceDelta, err := safemath.Sub(pos.AveragePrice, markPrice)
	if err != nil {
		return 0, false, err
	}
	priceDelta, err = safemath.Abs(priceDelta)
	if err != nil {
		return 0, false, err
	}

	delta, err = safemath.MulDiv(pos.Size, priceDelta, pos.AveragePrice)
	if err != nil {
		return 0, false, err
	}

	if pos.IsLong {
		hasProfit = markPrice > pos.AveragePrice
	} else {
		hasProfit = pos.AveragePrice > markPrice
	}

	if hasProfit && now-pos.LastIncreasedTime <= minProfitTime {
		threshold, terr := safemath.MulDiv(pos.Size, minProfitBps, BasisPointsDivisor)
		if terr != nil {
			return 0, false, terr
		}
		if delta <= threshold {
			delta = 0
		}
	}

	return delta, hasProfit, nil
}

// =============================================================================
// 风险判定
// =============================================================================

// RiskParams 评估所需的配置切片 (从 Config 摘取，保持纯函数签名稳定)
type RiskParams struct {
	MaxLeverage   int64
	MarginFeeBps  int64
	MinProfitTime int64
	MinProfitBps  int64
}

// EvaluateRisk 评估一个仓位
//
// cumulativeIndex 必须是已推进到 now 的该方向资金费指数。
// 判定顺序: 穿仓 → 费用不抵 → 杠杆超限 → 健康。
func EvaluateRisk(pos *Position, p RiskParams, markPrice, cumulativeIndex, now int64) (RiskResult, error) {
	res := RiskResult{}

	delta, hasProfit, err := UnrealizedDelta(pos, markPrice, p.MinProfitTime, p.MinProfitBps, now)
	if err != nil {
		return res, err
	}
	res.Delta = delta
	res.HasProfit = hasProfit

	fundingFee, err := FundingFee(pos.Size, cumulativeIndex, pos.EntryFundingIndex)
	if err != nil {
		return res, err
	}
	marginFee, err := MarginFee(pos.Size, p.MarginFeeBps)
	if err != nil {
		return res, err
	}
	res.MarginFees, err = safemath.Add(fundingFee, marginFee)
	if err != nil {
		return res, err
	}

	// 1. 穿仓: 亏损吃掉全部抵押
	if !hasProfit && pos.Collateral < delta {
		res.Status = RiskLossExceedsCollateral
		res.RemainingCollateral = 0
		return res, nil
	}

	remaining := pos.Collateral
	if !hasProfit {
		remaining, err = safemath.SubUnsigned(remaining, delta)
		if err != nil {
			return res, err
		}
	}
	res.RemainingCollateral = remaining

	// 2. 剩余抵押付不起费用
	if remaining < res.MarginFees {
		res.Status = RiskFeesExceedCollateral
		return res, nil
	}

	// 3. 杠杆校验: remaining × maxLeverage < size × 10000 时超限
	// 等号落在健康一侧: 恰好打满杠杆不触发强平
	leveraged, err := safemath.MulDiv(remaining, p.MaxLeverage, BasisPointsDivisor)
	if err != nil {
		return res, err
	}
	if leveraged < pos.Size {
		res.Status = RiskLeverageExceeded
		return res, nil
	}

	res.Status = RiskHealthy
	return res, nil
}
