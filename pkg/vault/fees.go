// 文件: pkg/vault/fees.go
// 费用归集器
//
// 【职责】
// 1. 把每次操作的保证金手续费 + 资金费归集到全局费用池
// 2. 按账户累计奖励积分 (消费方是账本之外的奖励逻辑)
// 3. 跟踪已实现盈亏: 按标的 token 分账 + 全局轧差计数器
//
// 费用池和盈亏计数器只通过外部管理结算回调清零，账本自己永远不清。

package vault

import (
	"sync"

	"perpx.com/pkg/safemath"
)

// =============================================================================
// FeePool - 全局费用池
// =============================================================================

// FeePool 金库级费用与盈亏计数
//
// 写入只来自持 guard 的可变入口，查询与写入并发，读写锁保护。
type FeePool struct {
	mu sync.RWMutex

	// feeReserve 累计归集的手续费 (USD 定点)
	feeReserve int64

	// rewardPoints 账户 → 累计奖励积分 (按缴费金额累计)
	rewardPoints map[string]int64

	// realizedPnl 标的 token → 有符号净已实现盈亏 (SettlePerToken)
	// 正数 = 金库从交易者处净赚
	realizedPnl map[string]int64

	// vaultPnl 全局轧差有符号计数器 (SettleNetted)
	vaultPnl int64
}

func NewFeePool() *FeePool {
	return &FeePool{
		rewardPoints: make(map[string]int64),
		realizedPnl:  make(map[string]int64),
	}
}

// =============================================================================
// 待提交变更
// =============================================================================

// feeMutation 一次账本操作产生的费用池变更
// 先在调用栈上累计，操作成功后才 apply —— 失败时自然丢弃
type feeMutation struct {
	fee     int64  // 归集的手续费
	account string // 缴费账户 (奖励积分归属)

	pnlToken string // 标的 token
	pnlDelta int64  // 有符号: 金库视角的已实现盈亏变化
}

// feeStage 预检通过的待提交变更
//
// stage 阶段完成全部溢出检查，commit 只剩纯赋值不再可能失败 ——
// 账本因此能在 arena 提交和资金池付款之前就确定费用池会接受这笔变更。
type feeStage struct {
	pool   *FeePool
	mut    *feeMutation
	policy SettlementPolicy

	feeReserve int64
	points     int64
	pnl        int64
}

// stage 预检变更，溢出时返回错误且不动任何状态
func (f *FeePool) stage(mut *feeMutation, policy SettlementPolicy) (*feeStage, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	s := &feeStage{pool: f, mut: mut, policy: policy}

	var err error
	if mut.fee > 0 {
		s.feeReserve, err = safemath.Add(f.feeReserve, mut.fee)
		if err != nil {
			return nil, err
		}
		s.points, err = safemath.Add(f.rewardPoints[mut.account], mut.fee)
		if err != nil {
			return nil, err
		}
	}

	if mut.pnlDelta != 0 {
		switch policy {
		case SettlePerToken:
			s.pnl, err = safemath.Add(f.realizedPnl[mut.pnlToken], mut.pnlDelta)
		case SettleNetted:
			s.pnl, err = safemath.Add(f.vaultPnl, mut.pnlDelta)
		}
		if err != nil {
			return nil, err
		}
	}

	return s, nil
}

// commit 落地预检结果
// 可变入口由 guard 串行化，stage 与 commit 之间不会有别的写者插队。
func (s *feeStage) commit() {
	f := s.pool
	f.mu.Lock()
	defer f.mu.Unlock()

	if s.mut.fee > 0 {
		f.feeReserve = s.feeReserve
		f.rewardPoints[s.mut.account] = s.points
	}

	if s.mut.pnlDelta != 0 {
		switch s.policy {
		case SettlePerToken:
			f.realizedPnl[s.mut.pnlToken] = s.pnl
		case SettleNetted:
			f.vaultPnl = s.pnl
		}
	}
}

// apply 预检 + 提交一步完成
func (f *FeePool) apply(mut *feeMutation, policy SettlementPolicy) error {
	s, err := f.stage(mut, policy)
	if err != nil {
		return err
	}
	s.commit()
	return nil
}

// =============================================================================
// 查询
// =============================================================================

// FeeReserve 当前费用池余额
func (f *FeePool) FeeReserve() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.feeReserve
}

// RewardPoints 账户累计奖励积分
func (f *FeePool) RewardPoints(account string) int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.rewardPoints[account]
}

// RealizedPnl 某标的 token 的净已实现盈亏 (SettlePerToken 模式)
func (f *FeePool) RealizedPnl(indexToken string) int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.realizedPnl[indexToken]
}

// VaultPnl 全局轧差计数器 (SettleNetted 模式)
func (f *FeePool) VaultPnl() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.vaultPnl
}

// =============================================================================
// 外部结算回调
// =============================================================================

// SettlementReport 结算回调返回的清零前快照
type SettlementReport struct {
	FeeReserve  int64
	VaultPnl    int64
	RealizedPnl map[string]int64
}

// settle 清零费用池与盈亏计数器，返回清零前的值
// 只能由账本的 owner 门禁入口调用 (管理结算回调)
func (f *FeePool) settle() SettlementReport {
	f.mu.Lock()
	defer f.mu.Unlock()

	report := SettlementReport{
		FeeReserve:  f.feeReserve,
		VaultPnl:    f.vaultPnl,
		RealizedPnl: f.realizedPnl,
	}
	f.feeReserve = 0
	f.vaultPnl = 0
	f.realizedPnl = make(map[string]int64)
	return report
}
