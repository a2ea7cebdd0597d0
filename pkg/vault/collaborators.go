// 文件: pkg/vault/collaborators.go
// 账本消费的外部协作者接口
//
// 【设计模式】依赖倒置
// 账本只认接口: 预言机聚合、价格时效策略、资金池的代币经济学
// 都是别的服务的事，这里只消费它们的最小表面。

package vault

import (
	"context"
	"sync/atomic"

	"perpx.com/pkg/kafka"
)

// =============================================================================
// PriceOracle - 价格预言机
// =============================================================================

// PriceOracle 外部价格预言机
//
// maximize 控制买卖价偏置: 账本对多头估值取 max、空头取 min，
// 永远朝对金库保守的方向取价。
type PriceOracle interface {
	// GetPrice 返回 USD 定点价格 (×1e8)
	//
	// 价格非正、或 requireFresh 时价格超过时效界限，必须返回错误。
	GetPrice(token string, maximize, requireFresh bool) (int64, error)
}

// =============================================================================
// LiquidityPool - 资金池
// =============================================================================

// LiquidityPool 流动性资金池
//
// 账本平仓/强平后欠交易者的已实现盈利由池侧支付。
// Transfer 失败时账本整体回滚，不会出现已记账未付款的状态。
type LiquidityPool interface {
	// Transfer 从池中转出 amount (token 定点数量) 给 receiver
	Transfer(ctx context.Context, token string, amount int64, receiver string) error
}

// =============================================================================
// 事件通道
// =============================================================================

// EventPublisher 事件总线发布端的最小表面 (*nats.Publisher 满足)
type EventPublisher interface {
	Publish(subject string, data any) error
}

// JournalSink 审计流生产端的最小表面 (*kafka.Producer 满足)
type JournalSink interface {
	Send(msg kafka.Message) error
}

// =============================================================================
// 重入保护
// =============================================================================

// callGuard 作用域化的调用深度保护
//
// 【为什么不是 mutex】
// 宿主环境严格串行处理可变调用，真正的危险是重入:
// 某个入口在执行外部转账/回调时被同一调用栈重新进入。
// mutex 对同 goroutine 重入会直接死锁，这里用原子标志，
// 嵌套进入任何可变入口都会拿到 ErrReentrantCall 并回滚。
type callGuard struct {
	busy atomic.Bool
}

// enter 进入可变入口，重入返回 ErrReentrantCall
func (g *callGuard) enter() error {
	if !g.busy.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	return nil
}

// leave 离开可变入口
func (g *callGuard) leave() {
	g.busy.Store(false)
}
