// 文件: pkg/vault/ledger.go
// 仓位账本 - 所有可变入口的宿主
//
// 【原子性模型】克隆-提交
// 每个可变入口都按同一套节奏走:
// 1. 门禁 + 参数校验 (重入保护 → manager 校验 → 白名单/边界)
// 2. 在克隆上计算新状态 (仓位克隆、资金费状态克隆、费用池预检)
// 3. 外部副作用 (资金池转账) —— 失败则直接返回，克隆全部丢弃
// 4. 整体提交 (仓位 arena + 资金费 + 费用池)
// 5. 提交后钩子: 持久化写回、NATS 事件、Kafka 审计流 (尽力而为)
//
// 提交之前的任何失败都让调用对外不可见，这就是全有或全无。

package vault

import (
	"context"
	"fmt"
	"log"
	"time"

	"perpx.com/pkg/safemath"
)

// =============================================================================
// 持久化接口
// =============================================================================

// LedgerRepository 账本的持久化后端
// 权威状态在内存，写回是提交后的尽力而为，失败只记日志
type LedgerRepository interface {
	SavePosition(ctx context.Context, pos *Position) error
	DeletePosition(ctx context.Context, key string) error
	ListOpenPositions(ctx context.Context) ([]*Position, error)

	SaveFundingState(ctx context.Context, st *FundingState) error
	ListFundingStates(ctx context.Context) ([]*FundingState, error)
}

// =============================================================================
// 请求结构
// =============================================================================

// IncreaseRequest 开仓/加仓/追加抵押
type IncreaseRequest struct {
	Account         string
	CollateralToken string
	IndexToken      string
	IsLong          bool
	CollateralDelta int64 // 入金数量 (token 定点, ×1e8)
	SizeDelta       int64 // 加仓名义 (USD 定点, ×1e8)
}

// DecreaseRequest 减仓/平仓/提取抵押
type DecreaseRequest struct {
	Account         string
	CollateralToken string
	IndexToken      string
	IsLong          bool
	CollateralDelta int64 // 要提取的抵押 (USD 定点)
	SizeDelta       int64 // 减仓名义 (USD 定点)
	Receiver        string
}

// =============================================================================
// Ledger
// =============================================================================

// Ledger 仓位账本
//
// 可变入口假定单写者 (上游按市场串行派发)，callGuard 把
// 违反该假定的重入变成显式错误而不是静默状态破坏。
type Ledger struct {
	guard callGuard

	cfg    *Config
	oracle PriceOracle
	pool   LiquidityPool

	store   *positionStore
	funding *fundingAccumulator
	fees    *FeePool

	// 可选协作者，nil 时对应能力关闭
	repo      LedgerRepository
	publisher EventPublisher
	journal   JournalSink

	// now 可注入时钟 (测试用)，返回 Unix 毫秒
	now func() int64
}

// NewLedger 创建账本
func NewLedger(cfg *Config, oracle PriceOracle, pool LiquidityPool) *Ledger {
	return &Ledger{
		cfg:     cfg,
		oracle:  oracle,
		pool:    pool,
		store:   newPositionStore(),
		funding: newFundingAccumulator(),
		fees:    NewFeePool(),
		now:     func() int64 { return time.Now().UnixMilli() },
	}
}

// SetRepository 挂接持久化后端
func (l *Ledger) SetRepository(repo LedgerRepository) {
	l.repo = repo
}

// SetPublisher 挂接 NATS 事件发布器
func (l *Ledger) SetPublisher(pub EventPublisher) {
	l.publisher = pub
}

// SetJournal 挂接 Kafka 审计流生产者
func (l *Ledger) SetJournal(sink JournalSink) {
	l.journal = sink
}

// Recover 启动恢复: 从持久化装载仓位与资金费状态
func (l *Ledger) Recover(ctx context.Context) error {
	if l.repo == nil {
		return nil
	}

	positions, err := l.repo.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("recover positions: %w", err)
	}
	l.store.load(positions)

	states, err := l.repo.ListFundingStates(ctx)
	if err != nil {
		return fmt.Errorf("recover funding states: %w", err)
	}
	l.funding.load(states)

	log.Printf("[Ledger] 恢复完成: %d 个仓位, %d 条资金费状态", l.store.count(), len(states))
	return nil
}

// =============================================================================
// Increase - 开仓/加仓
// =============================================================================

// IncreasePosition 开仓、加仓或追加抵押
//
// 纯入金 (SizeDelta=0) 只允许对已有仓位。
// 入金按抵押 token 的 min 价折 USD，对金库保守。
func (l *Ledger) IncreasePosition(ctx context.Context, caller string, req *IncreaseRequest) (*Position, error) {
	if err := l.guard.enter(); err != nil {
		return nil, err
	}
	defer l.guard.leave()

	// 1. 门禁与参数校验
	if !l.cfg.IsManager(caller) {
		return nil, ErrUnauthorized
	}
	if req.SizeDelta < 0 || req.CollateralDelta < 0 || (req.SizeDelta == 0 && req.CollateralDelta == 0) {
		return nil, ErrInvalidRequest
	}
	if !l.cfg.IsCollateralToken(req.CollateralToken) || !l.cfg.IsIndexToken(req.IndexToken) {
		return nil, ErrInvalidToken
	}

	now := l.now()

	// 2. 推进资金费 (克隆，提交时落地)
	rate, interval := l.cfg.fundingParams(req.IsLong)
	fst, err := l.funding.advance(req.CollateralToken, req.IsLong, rate, interval, now)
	if err != nil {
		return nil, err
	}

	// 3. 入场价: 多头取 max、空头取 min，对金库保守
	markPrice, err := l.fetchPrice(req.IndexToken, req.IsLong)
	if err != nil {
		return nil, err
	}

	key := PositionKey(req.Account, req.CollateralToken, req.IndexToken, req.IsLong)
	prev, exists := l.store.get(key)

	var pos *Position
	changeType := PositionIncreased
	if exists {
		pos = prev.Clone()
	} else {
		if req.SizeDelta == 0 {
			// 纯入金不能凭空造仓位
			return nil, ErrPositionNotFound
		}
		changeType = PositionOpened
		pos = &Position{
			Key:             key,
			Account:         req.Account,
			CollateralToken: req.CollateralToken,
			IndexToken:      req.IndexToken,
			IsLong:          req.IsLong,
			CreatedAt:       now,
		}
	}

	// 4. 均价混合: 新均价保持加仓前的未实现盈亏不变
	if pos.Size == 0 {
		pos.AveragePrice = markPrice
	} else if req.SizeDelta > 0 {
		pos.AveragePrice, err = l.nextAveragePrice(pos, markPrice, req.SizeDelta, now)
		if err != nil {
			return nil, err
		}
	}

	// 5. 费用: 本次加仓的保证金手续费 + 存量仓位欠付的资金费
	fee, err := l.positionFees(pos, fst.CumulativeIndex, req.SizeDelta)
	if err != nil {
		return nil, err
	}

	// 6. 入金折 USD (min 价)
	if req.CollateralDelta > 0 {
		usdDelta, cerr := l.TokenToUsd(req.CollateralToken, req.CollateralDelta)
		if cerr != nil {
			return nil, cerr
		}
		pos.Collateral, err = safemath.Add(pos.Collateral, usdDelta)
		if err != nil {
			return nil, err
		}
	}

	// 7. 从抵押中扣费，付不起直接拒绝
	pos.Collateral, err = safemath.SubUnsigned(pos.Collateral, fee)
	if err != nil {
		return nil, fmt.Errorf("%w: fee %d exceeds collateral", ErrInsufficientCollateral, fee)
	}

	// 8. 仓位状态推进
	pos.EntryFundingIndex = fst.CumulativeIndex
	pos.Size, err = safemath.Add(pos.Size, req.SizeDelta)
	if err != nil {
		return nil, err
	}
	pos.LastIncreasedTime = now
	pos.UpdatedAt = now

	// 9. 偿付能力底线: 名义不得低于抵押 (杠杆 >= 1x)
	if pos.Size < pos.Collateral {
		return nil, fmt.Errorf("%w: size %d below collateral %d", ErrInsufficientCollateral, pos.Size, pos.Collateral)
	}

	// 10. raise 模式风险校验: 估值价取对仓位不利的一侧
	riskPrice, err := l.fetchValuationPrice(req.IndexToken, req.IsLong)
	if err != nil {
		return nil, err
	}
	res, err := EvaluateRisk(pos, l.cfg.riskParams(), riskPrice, fst.CumulativeIndex, now)
	if err != nil {
		return nil, err
	}
	if res.Status != RiskHealthy {
		return nil, fmt.Errorf("%w: %s after increase", ErrInsufficientCollateral, res.Status)
	}

	// 11. 费用池预检 + 整体提交
	// 预检在前: 费用池溢出也和其他失败一样整体回滚
	feeStage, err := l.fees.stage(&feeMutation{fee: fee, account: req.Account, pnlToken: req.IndexToken}, l.cfg.settlementPolicy())
	if err != nil {
		return nil, err
	}
	l.funding.commit(fst)
	l.store.commit(key, prev, pos)
	feeStage.commit()

	// 12. 提交后钩子
	l.persistPosition(ctx, pos)
	l.persistFunding(ctx, fst)
	l.emitPositionEvent(changeType, pos, req.SizeDelta, markPrice, fee, 0)

	return pos.Clone(), nil
}

// =============================================================================
// Decrease - 减仓/平仓
// =============================================================================

// DecreasePosition 减仓、平仓或提取抵押
//
// 返回实际转给 Receiver 的 token 数量 (token 定点)。
func (l *Ledger) DecreasePosition(ctx context.Context, caller string, req *DecreaseRequest) (int64, error) {
	if err := l.guard.enter(); err != nil {
		return 0, err
	}
	defer l.guard.leave()

	if !l.cfg.IsManager(caller) {
		return 0, ErrUnauthorized
	}

	// 主动减到零是平仓，区别于强平路径
	return l.decreaseLocked(ctx, req, l.now(), PositionClosed)
}

// decreaseLocked 减仓内核，guard 已持有
// closeType 控制全平时的事件类型 (平仓 vs 强平)
func (l *Ledger) decreaseLocked(ctx context.Context, req *DecreaseRequest, now int64, closeType PositionChangeType) (int64, error) {
	// 1. 参数与边界
	if req.SizeDelta < 0 || req.CollateralDelta < 0 || (req.SizeDelta == 0 && req.CollateralDelta == 0) {
		return 0, ErrInvalidRequest
	}

	key := PositionKey(req.Account, req.CollateralToken, req.IndexToken, req.IsLong)
	prev, exists := l.store.get(key)
	if !exists {
		return 0, ErrPositionNotFound
	}
	if req.SizeDelta > prev.Size {
		return 0, fmt.Errorf("%w: size delta %d > position size %d", ErrBoundsExceeded, req.SizeDelta, prev.Size)
	}
	if req.CollateralDelta > prev.Collateral {
		return 0, fmt.Errorf("%w: collateral delta %d > collateral %d", ErrBoundsExceeded, req.CollateralDelta, prev.Collateral)
	}

	pos := prev.Clone()

	// 2. 推进资金费
	rate, interval := l.cfg.fundingParams(req.IsLong)
	fst, err := l.funding.advance(req.CollateralToken, req.IsLong, rate, interval, now)
	if err != nil {
		return 0, err
	}

	// 3. 出场价: 取对仓位不利的一侧
	price, err := l.fetchValuationPrice(req.IndexToken, req.IsLong)
	if err != nil {
		return 0, err
	}

	// 4. 费用
	fee, err := l.positionFees(pos, fst.CumulativeIndex, req.SizeDelta)
	if err != nil {
		return 0, err
	}

	// 5. 预留额度按比例释放 (历史遗留字段，见 Position.Reserved)
	if pos.Reserved > 0 && req.SizeDelta > 0 {
		reserveDelta, rerr := safemath.MulDiv(pos.Reserved, req.SizeDelta, pos.Size)
		if rerr != nil {
			return 0, rerr
		}
		pos.Reserved -= reserveDelta
	}

	// 6. 抵押结算: 实现盈亏 + 抵押提取 + 扣费
	mut := &feeMutation{account: req.Account, pnlToken: req.IndexToken}
	usdOut, err := l.reduceCollateral(pos, req, price, fee, now, mut)
	if err != nil {
		return 0, err
	}
	mut.fee = fee

	// 7. 仓位状态推进
	pos.Size -= req.SizeDelta
	pos.UpdatedAt = now

	if pos.Size > 0 {
		pos.EntryFundingIndex = fst.CumulativeIndex
		if pos.Size < pos.Collateral {
			return 0, fmt.Errorf("%w: size %d below collateral %d", ErrInsufficientCollateral, pos.Size, pos.Collateral)
		}
		// raise 模式: 减仓后的残余仓位必须健康
		res, rerr := EvaluateRisk(pos, l.cfg.riskParams(), price, fst.CumulativeIndex, now)
		if rerr != nil {
			return 0, rerr
		}
		if res.Status != RiskHealthy {
			return 0, fmt.Errorf("%w: %s after decrease", ErrInsufficientCollateral, res.Status)
		}
	}

	changeType := PositionDecreased
	if pos.Size == 0 {
		changeType = closeType
	}

	// 8. 费用池预检: 溢出必须在任何外部副作用之前暴露
	feeStage, serr := l.fees.stage(mut, l.cfg.settlementPolicy())
	if serr != nil {
		return 0, serr
	}

	// 9. 池侧付款 (USD 折 token, max 价 → 给出的 token 数更少，对金库保守)
	// 放在提交之前: 付款失败则整个调用回滚
	var tokenOut int64
	if usdOut > 0 {
		tokenOut, err = l.UsdToToken(req.CollateralToken, usdOut)
		if err != nil {
			return 0, err
		}
		if tokenOut > 0 {
			if terr := l.pool.Transfer(ctx, req.CollateralToken, tokenOut, req.Receiver); terr != nil {
				return 0, fmt.Errorf("pool transfer: %w", terr)
			}
		}
	}

	// 10. 整体提交
	l.funding.commit(fst)
	l.store.commit(key, prev, pos)
	feeStage.commit()

	// 11. 提交后钩子
	if pos.Size == 0 {
		l.deletePosition(ctx, key)
	} else {
		l.persistPosition(ctx, pos)
	}
	l.persistFunding(ctx, fst)
	l.emitPositionEvent(changeType, pos, req.SizeDelta, price, fee, tokenOut)

	return tokenOut, nil
}

// reduceCollateral 减仓时的抵押结算
//
// 顺序:
// 1. 按减仓比例实现盈亏 —— 盈利进 usdOut，亏损从抵押里扣
// 2. 提取请求的抵押进 usdOut
// 3. 全平时剩余抵押全部进 usdOut
// 4. 扣费: 优先从 usdOut 扣，不够再动抵押
func (l *Ledger) reduceCollateral(pos *Position, req *DecreaseRequest, price, fee, now int64, mut *feeMutation) (int64, error) {
	mpTime, mpBps := l.cfg.minProfit()
	delta, hasProfit, err := UnrealizedDelta(pos, price, mpTime, mpBps, now)
	if err != nil {
		return 0, err
	}

	var adjustedDelta int64
	if req.SizeDelta > 0 && delta > 0 {
		adjustedDelta, err = safemath.MulDiv(req.SizeDelta, delta, pos.Size)
		if err != nil {
			return 0, err
		}
	}

	var usdOut int64
	if adjustedDelta > 0 {
		if hasProfit {
			// 交易者的盈利 = 金库的已实现亏损
			usdOut = adjustedDelta
			pos.RealizedPnl, err = safemath.Add(pos.RealizedPnl, adjustedDelta)
			if err != nil {
				return 0, err
			}
			mut.pnlDelta -= adjustedDelta
		} else {
			pos.Collateral, err = safemath.SubUnsigned(pos.Collateral, adjustedDelta)
			if err != nil {
				return 0, fmt.Errorf("%w: realized loss %d exceeds collateral", ErrInsufficientCollateral, adjustedDelta)
			}
			pos.RealizedPnl, err = safemath.Sub(pos.RealizedPnl, adjustedDelta)
			if err != nil {
				return 0, err
			}
			mut.pnlDelta += adjustedDelta
		}
	}

	if req.CollateralDelta > 0 {
		usdOut, err = safemath.Add(usdOut, req.CollateralDelta)
		if err != nil {
			return 0, err
		}
		// 上界已在入口校验过，这里只可能被前面的亏损扣减打穿
		pos.Collateral, err = safemath.SubUnsigned(pos.Collateral, req.CollateralDelta)
		if err != nil {
			return 0, fmt.Errorf("%w: collateral withdrawal after loss", ErrInsufficientCollateral)
		}
	}

	if req.SizeDelta == pos.Size {
		// 全平: 剩余抵押全部退回
		usdOut, err = safemath.Add(usdOut, pos.Collateral)
		if err != nil {
			return 0, err
		}
		pos.Collateral = 0
	}

	if usdOut >= fee {
		usdOut -= fee
	} else {
		pos.Collateral, err = safemath.SubUnsigned(pos.Collateral, fee)
		if err != nil {
			return 0, fmt.Errorf("%w: fee %d exceeds collateral", ErrInsufficientCollateral, fee)
		}
	}

	return usdOut, nil
}

// =============================================================================
// Liquidate - 强平
// =============================================================================

// LiquidatePosition 强平
//
// 先做非 raise 模式风险评估，按判定结果走三条路径之一:
// - 杠杆超限:     标准全量减仓，余款退给仓位账户
// - 穿仓:         零抵押强制全平，抵押全额进盈亏计数器
// - 费用不抵:     剩余抵押全部作为费用归集，亏损进盈亏计数器
func (l *Ledger) LiquidatePosition(ctx context.Context, caller, account, collateralToken, indexToken string, isLong bool) error {
	if err := l.guard.enter(); err != nil {
		return err
	}
	defer l.guard.leave()

	if !l.cfg.IsManager(caller) {
		return ErrUnauthorized
	}

	now := l.now()
	key := PositionKey(account, collateralToken, indexToken, isLong)
	prev, exists := l.store.get(key)
	if !exists {
		return ErrPositionNotFound
	}

	rate, interval := l.cfg.fundingParams(isLong)
	fst, err := l.funding.advance(collateralToken, isLong, rate, interval, now)
	if err != nil {
		return err
	}

	price, err := l.fetchValuationPrice(indexToken, isLong)
	if err != nil {
		return err
	}

	res, err := EvaluateRisk(prev, l.cfg.riskParams(), price, fst.CumulativeIndex, now)
	if err != nil {
		return err
	}

	switch res.Status {
	case RiskHealthy:
		return ErrPositionHealthy

	case RiskLeverageExceeded:
		// 抵押还够付亏损和费用，走标准全量减仓，余款退给仓位账户
		_, err = l.decreaseLocked(ctx, &DecreaseRequest{
			Account:         account,
			CollateralToken: collateralToken,
			IndexToken:      indexToken,
			IsLong:          isLong,
			SizeDelta:       prev.Size,
			Receiver:        account,
		}, now, PositionLiquidated)
		return err

	case RiskLossExceedsCollateral:
		// 穿仓: 抵押全部被亏损吞没，金库按实收记账
		mut := &feeMutation{account: account, pnlToken: indexToken, pnlDelta: prev.Collateral}
		return l.forceClose(ctx, key, prev, fst, res, mut, price, now)

	case RiskFeesExceedCollateral:
		// 亏损扣完后剩余抵押付不起费用: 剩余部分全额归集为费用
		lossPart, serr := safemath.SubUnsigned(prev.Collateral, res.RemainingCollateral)
		if serr != nil {
			return serr
		}
		mut := &feeMutation{
			fee:      res.RemainingCollateral,
			account:  account,
			pnlToken: indexToken,
			pnlDelta: lossPart,
		}
		return l.forceClose(ctx, key, prev, fst, res, mut, price, now)
	}

	return fmt.Errorf("unexpected risk status %s", res.Status)
}

// forceClose 强制清除仓位记录，不经资金池付款
func (l *Ledger) forceClose(ctx context.Context, key string, prev *Position, fst *FundingState, res RiskResult, mut *feeMutation, price, now int64) error {
	feeStage, err := l.fees.stage(mut, l.cfg.settlementPolicy())
	if err != nil {
		return err
	}

	closed := prev.Clone()
	closed.Size = 0
	closed.Collateral = 0
	closed.UpdatedAt = now

	l.funding.commit(fst)
	l.store.commit(key, prev, closed)
	feeStage.commit()

	l.deletePosition(ctx, key)
	l.persistFunding(ctx, fst)
	l.emitPositionEvent(PositionLiquidated, closed, prev.Size, price, mut.fee, 0)

	log.Printf("[Ledger] 强平 %s %s/%s %s: status=%s delta=%d collateral=%d",
		prev.Account, prev.CollateralToken, prev.IndexToken, prev.DirectionString(),
		res.Status, res.SignedDelta(), prev.Collateral)
	return nil
}

// =============================================================================
// AdvanceFunding / Withdraw
// =============================================================================

// AdvanceFunding 显式推进某方向的资金费指数
// 仓位变更时会隐式推进，这个入口给定时任务用
func (l *Ledger) AdvanceFunding(ctx context.Context, caller, collateralToken string, isLong bool) (*FundingState, error) {
	if err := l.guard.enter(); err != nil {
		return nil, err
	}
	defer l.guard.leave()

	if !l.cfg.IsManager(caller) {
		return nil, ErrUnauthorized
	}
	if !l.cfg.IsCollateralToken(collateralToken) {
		return nil, ErrInvalidToken
	}

	rate, interval := l.cfg.fundingParams(isLong)
	fst, err := l.funding.advance(collateralToken, isLong, rate, interval, l.now())
	if err != nil {
		return nil, err
	}
	l.funding.commit(fst)
	l.persistFunding(ctx, fst)
	l.emitFundingEvent(fst)

	return fst.Clone(), nil
}

// Withdraw 管理面资金划转 (紧急出口, manager 门禁)
func (l *Ledger) Withdraw(ctx context.Context, caller, token string, amount int64, receiver string) error {
	if err := l.guard.enter(); err != nil {
		return err
	}
	defer l.guard.leave()

	if !l.cfg.IsManager(caller) {
		return ErrUnauthorized
	}
	if amount <= 0 || receiver == "" {
		return ErrInvalidRequest
	}

	if err := l.pool.Transfer(ctx, token, amount, receiver); err != nil {
		return fmt.Errorf("pool transfer: %w", err)
	}

	log.Printf("[Ledger] 管理划转 %d %s → %s (by %s)", amount, token, receiver, caller)
	return nil
}

// =============================================================================
// 外部结算回调
// =============================================================================

// Settle 清零费用池与盈亏计数器并返回快照 (owner 门禁)
func (l *Ledger) Settle(caller string) (SettlementReport, error) {
	if err := l.guard.enter(); err != nil {
		return SettlementReport{}, err
	}
	defer l.guard.leave()

	if !l.cfg.IsOwner(caller) {
		return SettlementReport{}, ErrUnauthorized
	}

	report := l.fees.settle()
	log.Printf("[Ledger] 外部结算: feeReserve=%d vaultPnl=%d", report.FeeReserve, report.VaultPnl)
	return report, nil
}

// =============================================================================
// 管理 setter (owner 门禁, 同步校验)
// =============================================================================

// SetManager 授予/撤销 manager 资格
func (l *Ledger) SetManager(caller, manager string, active bool) error {
	return l.adminMutate(caller, func() error {
		if active {
			l.cfg.Managers[manager] = true
		} else {
			delete(l.cfg.Managers, manager)
		}
		return nil
	})
}

// SetCollateralToken 抵押 token 白名单
func (l *Ledger) SetCollateralToken(caller, token string, allowed bool) error {
	return l.adminMutate(caller, func() error {
		if allowed {
			l.cfg.CollateralTokens[token] = true
		} else {
			delete(l.cfg.CollateralTokens, token)
		}
		return nil
	})
}

// SetIndexToken 标的 token 白名单
func (l *Ledger) SetIndexToken(caller, token string, allowed bool) error {
	return l.adminMutate(caller, func() error {
		if allowed {
			l.cfg.IndexTokens[token] = true
		} else {
			delete(l.cfg.IndexTokens, token)
		}
		return nil
	})
}

// SetMaxLeverage 最大杠杆 (万分比缩放，必须 > 1x)
func (l *Ledger) SetMaxLeverage(caller string, maxLeverage int64) error {
	return l.adminMutate(caller, func() error {
		if maxLeverage <= BasisPointsDivisor {
			return fmt.Errorf("%w: max leverage %d must exceed %d", ErrInvalidConfig, maxLeverage, BasisPointsDivisor)
		}
		l.cfg.MaxLeverage = maxLeverage
		return nil
	})
}

// SetMarginFeeBps 开平仓手续费率
func (l *Ledger) SetMarginFeeBps(caller string, bps int64) error {
	return l.adminMutate(caller, func() error {
		if bps < 0 || bps > MaxMarginFeeBps {
			return fmt.Errorf("%w: margin fee %d bps out of range", ErrInvalidConfig, bps)
		}
		l.cfg.MarginFeeBps = bps
		return nil
	})
}

// SetMinProfit 反操纵参数
func (l *Ledger) SetMinProfit(caller string, minProfitTime, minProfitBps int64) error {
	return l.adminMutate(caller, func() error {
		if minProfitTime < 0 || minProfitBps < 0 || minProfitBps > MaxMinProfitBps {
			return fmt.Errorf("%w: min profit params out of range", ErrInvalidConfig)
		}
		l.cfg.MinProfitTime = minProfitTime
		l.cfg.MinProfitBps = minProfitBps
		return nil
	})
}

// SetFundingRate 每区间资金费率
// 只影响之后的区间，已流逝的区间按当时的费率结算
func (l *Ledger) SetFundingRate(caller string, longRate, shortRate int64) error {
	return l.adminMutate(caller, func() error {
		if longRate < 0 || longRate > MaxFundingRatePerInterval ||
			shortRate < 0 || shortRate > MaxFundingRatePerInterval {
			return fmt.Errorf("%w: funding rate out of range", ErrInvalidConfig)
		}
		l.cfg.LongFundingRate = longRate
		l.cfg.ShortFundingRate = shortRate
		return nil
	})
}

// SetFundingInterval 资金费区间长度 (毫秒)
func (l *Ledger) SetFundingInterval(caller string, interval int64) error {
	return l.adminMutate(caller, func() error {
		if interval <= 0 {
			return fmt.Errorf("%w: funding interval must be positive", ErrInvalidConfig)
		}
		l.cfg.FundingInterval = interval
		return nil
	})
}

// SetSettlementPolicy 结算策略与资金池路由
func (l *Ledger) SetSettlementPolicy(caller string, policy SettlementPolicy, route map[string]string) error {
	return l.adminMutate(caller, func() error {
		l.cfg.Policy = policy
		if route != nil {
			l.cfg.PoolRoute = route
		}
		return nil
	})
}

// adminMutate setter 公共骨架: guard + owner 门禁 + 配置写锁
func (l *Ledger) adminMutate(caller string, fn func() error) error {
	if err := l.guard.enter(); err != nil {
		return err
	}
	defer l.guard.leave()

	if !l.cfg.IsOwner(caller) {
		return ErrUnauthorized
	}

	l.cfg.mu.Lock()
	defer l.cfg.mu.Unlock()
	return fn()
}

// =============================================================================
// 只读查询
// =============================================================================

// GetPosition 查询仓位克隆
func (l *Ledger) GetPosition(account, collateralToken, indexToken string, isLong bool) (*Position, bool) {
	return l.store.get(PositionKey(account, collateralToken, indexToken, isLong))
}

// HasPosition 仓位是否存在
func (l *Ledger) HasPosition(account, collateralToken, indexToken string, isLong bool) bool {
	return l.store.exists(PositionKey(account, collateralToken, indexToken, isLong))
}

// PositionDelta 某仓位的当前未实现盈亏 (估值价: 对仓位不利的一侧)
func (l *Ledger) PositionDelta(account, collateralToken, indexToken string, isLong bool) (delta int64, hasProfit bool, err error) {
	pos, ok := l.store.get(PositionKey(account, collateralToken, indexToken, isLong))
	if !ok {
		return 0, false, ErrPositionNotFound
	}
	price, err := l.fetchValuationPrice(indexToken, isLong)
	if err != nil {
		return 0, false, err
	}
	mpTime, mpBps := l.cfg.minProfit()
	return UnrealizedDelta(pos, price, mpTime, mpBps, l.now())
}

// EvaluatePosition 非 raise 模式风险评估 (keeper 扫描用)
//
// 资金费指数按当前时刻推算但不落地 —— 纯读路径
func (l *Ledger) EvaluatePosition(pos *Position) (RiskResult, error) {
	now := l.now()
	rate, interval := l.cfg.fundingParams(pos.IsLong)
	fst, err := l.funding.advance(pos.CollateralToken, pos.IsLong, rate, interval, now)
	if err != nil {
		return RiskResult{}, err
	}
	price, err := l.fetchValuationPrice(pos.IndexToken, pos.IsLong)
	if err != nil {
		return RiskResult{}, err
	}
	return EvaluateRisk(pos, l.cfg.riskParams(), price, fst.CumulativeIndex, now)
}

// ForEachPosition 遍历仓位克隆 (keeper 扫描用)
func (l *Ledger) ForEachPosition(fn func(pos *Position) bool) {
	l.store.forEach(fn)
}

// PositionCount 当前仓位数
func (l *Ledger) PositionCount() int {
	return l.store.count()
}

// GlobalLongSize 某标的的全局多头敞口
func (l *Ledger) GlobalLongSize(indexToken string) int64 {
	return l.store.globalSize(indexToken, true)
}

// GlobalShortSize 某标的的全局空头敞口
func (l *Ledger) GlobalShortSize(indexToken string) int64 {
	return l.store.globalSize(indexToken, false)
}

// CumulativeFundingIndex 当前累计资金费指数
func (l *Ledger) CumulativeFundingIndex(collateralToken string, isLong bool) int64 {
	return l.funding.cumulativeIndex(collateralToken, isLong)
}

// FundingStates 全量资金费状态快照
func (l *Ledger) FundingStates() []*FundingState {
	return l.funding.all()
}

// UsdToToken USD 金额折 token 数量
// 取 max 价 → 折出的 token 偏少，对金库保守 (付款路径同款换算)
func (l *Ledger) UsdToToken(token string, usdAmount int64) (int64, error) {
	if usdAmount == 0 {
		return 0, nil
	}
	price, err := l.oracle.GetPrice(token, true, true)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrStalePrice, err)
	}
	return safemath.MulDiv(usdAmount, Precision, price)
}

// TokenToUsd token 数量折 USD
// 取 min 价 → 估值偏低，对金库保守 (入金路径同款换算)
func (l *Ledger) TokenToUsd(token string, tokenAmount int64) (int64, error) {
	if tokenAmount == 0 {
		return 0, nil
	}
	price, err := l.oracle.GetPrice(token, false, true)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrStalePrice, err)
	}
	return safemath.MulDiv(tokenAmount, price, Precision)
}

// FeeReserve 费用池余额
func (l *Ledger) FeeReserve() int64 {
	return l.fees.FeeReserve()
}

// RewardPoints 账户奖励积分
func (l *Ledger) RewardPoints(account string) int64 {
	return l.fees.RewardPoints(account)
}

// RealizedPnl 某标的的净已实现盈亏
func (l *Ledger) RealizedPnl(indexToken string) int64 {
	return l.fees.RealizedPnl(indexToken)
}

// VaultPnl 全局轧差盈亏计数器
func (l *Ledger) VaultPnl() int64 {
	return l.fees.VaultPnl()
}

// =============================================================================
// 内部辅助
// =============================================================================

// nextAveragePrice 加仓后的混合均价
//
// 选取让加仓前的未实现盈亏在新均价下保持不变的价格:
// newAvg = markPrice × nextSize / divisor
// divisor = nextSize ± delta (多头盈利/空头亏损取 +)
func (l *Ledger) nextAveragePrice(pos *Position, markPrice, sizeDelta, now int64) (int64, error) {
	mpTime, mpBps := l.cfg.minProfit()
	delta, hasProfit, err := UnrealizedDelta(pos, markPrice, mpTime, mpBps, now)
	if err != nil {
		return 0, err
	}

	nextSize, err := safemath.Add(pos.Size, sizeDelta)
	if err != nil {
		return 0, err
	}

	var divisor int64
	if pos.IsLong == hasProfit {
		divisor, err = safemath.Add(nextSize, delta)
	} else {
		divisor, err = safemath.Sub(nextSize, delta)
	}
	if err != nil {
		return 0, err
	}
	if divisor <= 0 {
		return 0, fmt.Errorf("%w: degenerate average price divisor", ErrInvalidRequest)
	}

	return safemath.MulDiv(markPrice, nextSize, divisor)
}

// positionFees 本次变更的总费用: sizeDelta 的手续费 + 存量欠付资金费
func (l *Ledger) positionFees(pos *Position, cumulativeIndex, sizeDelta int64) (int64, error) {
	fundingFee, err := FundingFee(pos.Size, cumulativeIndex, pos.EntryFundingIndex)
	if err != nil {
		return 0, err
	}
	marginFee, err := MarginFee(sizeDelta, l.cfg.marginFeeBps())
	if err != nil {
		return 0, err
	}
	return safemath.Add(fundingFee, marginFee)
}

// fetchPrice 入场价: 多头 max / 空头 min
func (l *Ledger) fetchPrice(indexToken string, isLong bool) (int64, error) {
	price, err := l.oracle.GetPrice(indexToken, isLong, true)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrStalePrice, err)
	}
	return price, nil
}

// fetchValuationPrice 估值/出场价: 多头 min / 空头 max
func (l *Ledger) fetchValuationPrice(indexToken string, isLong bool) (int64, error) {
	price, err := l.oracle.GetPrice(indexToken, !isLong, true)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrStalePrice, err)
	}
	return price, nil
}

// persistPosition 提交后写回，失败只记日志 (权威状态在内存)
func (l *Ledger) persistPosition(ctx context.Context, pos *Position) {
	if l.repo == nil {
		return
	}
	if err := l.repo.SavePosition(ctx, pos.Clone()); err != nil {
		log.Printf("[Ledger] 仓位写回失败 key=%s: %v", pos.Key, err)
	}
}

func (l *Ledger) deletePosition(ctx context.Context, key string) {
	if l.repo == nil {
		return
	}
	if err := l.repo.DeletePosition(ctx, key); err != nil {
		log.Printf("[Ledger] 仓位删除失败 key=%s: %v", key, err)
	}
}

func (l *Ledger) persistFunding(ctx context.Context, st *FundingState) {
	if l.repo == nil {
		return
	}
	if err := l.repo.SaveFundingState(ctx, st.Clone()); err != nil {
		log.Printf("[Ledger] 资金费状态写回失败 token=%s: %v", st.CollateralToken, err)
	}
}
