// 文件: pkg/vault/funding.go
// 资金费率累计器
//
// 【模型】
// 每个 (抵押token, 方向) 一条 FundingState，维护一个单调不减的
// 累计指数 cumulativeIndex (×1e6)。仓位在每次变更时快照该指数，
// 资金费 = size × (当前指数 - 入场快照) / FundingRatePrecision。
//
// 【状态机】
// - 首次触达: lastAccrualTime = now 向下取整到区间边界，不计费
// - 后续触达: now < last + interval → 无操作 (同区间幂等)
//             否则 cumulativeIndex += rate × floor((now-last)/interval)
//             lastAccrualTime 推进到 now 所在的区间边界
//
// 取整是严格向下的: 经过 2.9 个区间只结算 2 个区间。

package vault

import (
	"sync"

	"perpx.com/pkg/safemath"
)

// =============================================================================
// FundingState - 单方向资金费状态
// =============================================================================

// FundingState 一个 (抵押token, 方向) 的资金费累计状态
// 懒创建，永不删除
type FundingState struct {
	ID uint `gorm:"primaryKey;autoIncrement"`

	CollateralToken string `gorm:"column:collateral_token;type:varchar(16);uniqueIndex:idx_token_dir"`
	IsLong          bool   `gorm:"column:is_long;uniqueIndex:idx_token_dir"`

	RatePerInterval int64 `gorm:"column:rate_per_interval"` // ×1e6
	CumulativeIndex int64 `gorm:"column:cumulative_index"`  // ×1e6, 单调不减
	LastAccrualTime int64 `gorm:"column:last_accrual_time"` // Unix毫秒, 已对齐区间边界

	UpdatedAt int64 `gorm:"column:updated_at"`
}

func (FundingState) TableName() string {
	return "vault_funding_states"
}

// Clone 深拷贝
func (s *FundingState) Clone() *FundingState {
	cp := *s
	return &cp
}

// =============================================================================
// fundingAccumulator - 累计器
// =============================================================================

type fundingKey struct {
	token  string
	isLong bool
}

// fundingAccumulator 全部方向的资金费状态
//
// 写入只来自持 guard 的可变入口，但 keeper 扫描等只读路径
// 与写入并发，所以和 positionStore 一样用读写锁保护。
// commit 整体替换指针，读者拿到的旧状态是不可变快照。
type fundingAccumulator struct {
	mu     sync.RWMutex
	states map[fundingKey]*FundingState
}

func newFundingAccumulator() *fundingAccumulator {
	return &fundingAccumulator{states: make(map[fundingKey]*FundingState)}
}

// advance 计算推进后的状态 (不落地)
//
// 返回的是克隆，调用方在整体提交时再 commit 回来 ——
// 这样账本调用中途失败时资金费状态也一并回滚。
func (a *fundingAccumulator) advance(token string, isLong bool, rate, interval, now int64) (*FundingState, error) {
	key := fundingKey{token: token, isLong: isLong}

	a.mu.RLock()
	st, ok := a.states[key]
	var next *FundingState
	if ok {
		next = st.Clone()
	}
	a.mu.RUnlock()

	if !ok {
		// 首次触达: 对齐到区间边界，不计费
		return &FundingState{
			CollateralToken: token,
			IsLong:          isLong,
			RatePerInterval: rate,
			LastAccrualTime: quantize(now, interval),
			UpdatedAt:       now,
		}, nil
	}

	elapsed := now - next.LastAccrualTime
	if elapsed < interval {
		// 同一区间内幂等
		return next, nil
	}

	intervals := elapsed / interval // 严格向下取整
	accrued, err := safemath.Mul(next.RatePerInterval, intervals)
	if err != nil {
		return nil, err
	}
	next.CumulativeIndex, err = safemath.Add(next.CumulativeIndex, accrued)
	if err != nil {
		return nil, err
	}
	next.LastAccrualTime = quantize(now, interval)
	// 费率变更只对之后的区间生效，已流逝的区间按旧费率结算
	next.RatePerInterval = rate
	next.UpdatedAt = now

	return next, nil
}

// commit 落地推进结果
func (a *fundingAccumulator) commit(st *FundingState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.states[fundingKey{token: st.CollateralToken, isLong: st.IsLong}] = st
}

// get 查询当前状态 (可能为 nil)
func (a *fundingAccumulator) get(token string, isLong bool) *FundingState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.states[fundingKey{token: token, isLong: isLong}]
}

// cumulativeIndex 当前累计指数，未触达过的方向为 0
func (a *fundingAccumulator) cumulativeIndex(token string, isLong bool) int64 {
	if st := a.get(token, isLong); st != nil {
		return st.CumulativeIndex
	}
	return 0
}

// all 全量快照 (恢复/持久化用)
func (a *fundingAccumulator) all() []*FundingState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*FundingState, 0, len(a.states))
	for _, st := range a.states {
		out = append(out, st.Clone())
	}
	return out
}

// load 从持久化恢复
func (a *fundingAccumulator) load(states []*FundingState) {
	for _, st := range states {
		a.commit(st.Clone())
	}
}

// quantize 向下对齐到区间边界
func quantize(t, interval int64) int64 {
	if interval <= 0 {
		return t
	}
	return t - t%interval
}

// =============================================================================
// 资金费计算
// =============================================================================

// FundingFee 计算仓位欠付的资金费 (USD 定点)
//
// 公式: fee = size × (cumulativeIndex - entryFundingIndex) / FundingRatePrecision
// 指数单调不减，所以结果永远 >= 0
func FundingFee(size, cumulativeIndex, entryFundingIndex int64) (int64, error) {
	if size == 0 {
		return 0, nil
	}
	deltaIndex, err := safemath.SubUnsigned(cumulativeIndex, entryFundingIndex)
	if err != nil {
		return 0, err
	}
	return safemath.MulDiv(size, deltaIndex, FundingRatePrecision)
}

// MarginFee 计算开平仓手续费 (USD 定点)
//
// 公式: fee = sizeDelta × marginFeeBps / 10000
func MarginFee(sizeDelta, marginFeeBps int64) (int64, error) {
	return safemath.MulDiv(sizeDelta, marginFeeBps, BasisPointsDivisor)
}
